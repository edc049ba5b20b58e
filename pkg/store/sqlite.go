package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. Every session write runs in one
// transaction over a single shared connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection avoids SQLite writer lock contention between sessions
	// driven from separate goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			has_summary INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			function_call_json TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_session_seq_idx ON messages(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS completions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			completion_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			choice_index INTEGER NOT NULL,
			finish_reason TEXT NOT NULL DEFAULT '',
			message_json TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS completions_session_idx ON completions(session_id, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, label, created_at_ms, updated_at_ms, message_count, summary, has_summary)
VALUES(?, '', ?, ?, 0, '', 0)
ON CONFLICT(id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`, sessionID, now, now)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("append message: empty session id")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	fcJSON := ""
	if msg.FunctionCall != nil {
		data, err := json.Marshal(msg.FunctionCall)
		if err != nil {
			return fmt.Errorf("append message encode function call: %w", err)
		}
		fcJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	if err := ensureSessionTx(ctx, tx, sessionID, now); err != nil {
		return fmt.Errorf("append message ensure session: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("append message read count: %w", err)
	}
	seq++

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, seq, role, content, name, function_call_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, uuid.NewString(), sessionID, seq, string(msg.Role), msg.Content, msg.Name, fcJSON, now); err != nil {
		return fmt.Errorf("append message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET updated_at_ms = ?, message_count = ?
WHERE id = ?`, now, seq, sessionID); err != nil {
		return fmt.Errorf("append message update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append message commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastN(ctx context.Context, sessionID string, n int) ([]chat.Message, error) {
	if n <= 0 {
		return []chat.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, name, function_call_json
FROM messages
WHERE session_id = ?
ORDER BY seq DESC
LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, n)
	for rows.Next() {
		var msg chat.Message
		var role, fcJSON string
		if err := rows.Scan(&role, &msg.Content, &msg.Name, &fcJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = chat.Role(role)
		if fcJSON != "" {
			var fc chat.FunctionCall
			if err := json.Unmarshal([]byte(fcJSON), &fc); err != nil {
				return nil, fmt.Errorf("decode function call: %w", err)
			}
			msg.FunctionCall = &fc
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Len(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Summary(ctx context.Context, sessionID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT summary, has_summary FROM sessions WHERE id = ?`, sessionID)
	var summary string
	var has int
	if err := row.Scan(&summary, &has); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get session summary: %w", err)
	}
	return summary, has != 0, nil
}

func (s *SQLiteStore) SetSummary(ctx context.Context, sessionID, summary string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("set summary: empty session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set summary begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	if err := ensureSessionTx(ctx, tx, sessionID, now); err != nil {
		return fmt.Errorf("set summary ensure session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET summary = ?, has_summary = 1, updated_at_ms = ? WHERE id = ?`, summary, now, sessionID); err != nil {
		return fmt.Errorf("set session summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set summary commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordCompletion(ctx context.Context, rec CompletionRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("record completion: empty session id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	msgJSON, err := json.Marshal(rec.Choice.Message)
	if err != nil {
		return fmt.Errorf("record completion encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO completions(id, session_id, kind, completion_id, model, choice_index, finish_reason, message_json, prompt_tokens, completion_tokens, total_tokens, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.Kind), rec.CompletionID, rec.Model, rec.Choice.Index, rec.Choice.FinishReason, string(msgJSON),
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// Completions returns the audit trail of sessionID in record order.
func (s *SQLiteStore) Completions(ctx context.Context, sessionID string) ([]CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, kind, completion_id, model, choice_index, finish_reason, message_json, prompt_tokens, completion_tokens, total_tokens, created_at_ms
FROM completions
WHERE session_id = ?
ORDER BY created_at_ms ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		var kind, msgJSON string
		var createdMS int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &rec.CompletionID, &rec.Model, &rec.Choice.Index, &rec.Choice.FinishReason, &msgJSON,
			&rec.Usage.PromptTokens, &rec.Usage.CompletionTokens, &rec.Usage.TotalTokens, &createdMS); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if err := json.Unmarshal([]byte(msgJSON), &rec.Choice.Message); err != nil {
			return nil, fmt.Errorf("decode completion message: %w", err)
		}
		rec.Kind = CompletionKind(kind)
		rec.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID, label string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("ensure session: empty session id")
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, label, created_at_ms, updated_at_ms, message_count, summary, has_summary)
VALUES(?, ?, ?, ?, 0, '', 0)
ON CONFLICT(id) DO UPDATE SET
	label = CASE WHEN excluded.label <> '' THEN excluded.label ELSE sessions.label END,
	updated_at_ms = excluded.updated_at_ms`,
		sessionID, label, now, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Session(ctx context.Context, sessionID string) (SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, label, message_count, summary, has_summary, created_at_ms, updated_at_ms
FROM sessions WHERE id = ?`, sessionID)
	info, err := scanSessionInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return SessionInfo{}, fmt.Errorf("get session: %w", err)
	}
	return info, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, label, message_count, summary, has_summary, created_at_ms, updated_at_ms
FROM sessions
ORDER BY updated_at_ms DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		info, err := scanSessionInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionInfo(row rowScanner) (SessionInfo, error) {
	var info SessionInfo
	var has int
	var createdMS, updatedMS int64
	if err := row.Scan(&info.ID, &info.Label, &info.MessageCount, &info.Summary, &has, &createdMS, &updatedMS); err != nil {
		return SessionInfo{}, err
	}
	info.HasSummary = has != 0
	info.CreatedAt = time.UnixMilli(createdMS)
	info.UpdatedAt = time.UnixMilli(updatedMS)
	return info, nil
}
