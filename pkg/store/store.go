// Package store persists conversation history and rolling summaries per
// session. Sessions call it through Store; both implementations keep a
// session's own writes serialized.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by lookups of a session that was never
// written.
var ErrSessionNotFound = errors.New("session not found")

// Store is the history contract a conversation session needs.
type Store interface {
	// Append adds msg after every message already stored for sessionID.
	Append(ctx context.Context, sessionID string, msg chat.Message) error
	// LastN returns up to n most recent messages in insertion order.
	// n <= 0 yields none.
	LastN(ctx context.Context, sessionID string, n int) ([]chat.Message, error)
	// Len reports how many messages sessionID holds.
	Len(ctx context.Context, sessionID string) (int, error)
	// Summary returns the rolling summary and whether one was ever set.
	Summary(ctx context.Context, sessionID string) (string, bool, error)
	// SetSummary replaces the rolling summary.
	SetSummary(ctx context.Context, sessionID, summary string) error
}

type CompletionKind string

const (
	KindTurn      CompletionKind = "turn"
	KindSummary   CompletionKind = "summary"
	KindKnowledge CompletionKind = "knowledge"
	KindDiscovery CompletionKind = "discovery"
)

// CompletionRecord is the audit row of one completion call. Only the chosen
// choice is kept.
type CompletionRecord struct {
	ID           string
	SessionID    string
	Kind         CompletionKind
	CompletionID string
	Model        string
	Choice       chat.Choice
	Usage        chat.Usage
	CreatedAt    time.Time
}

// CompletionRecorder is implemented by stores that keep a completion audit
// trail. Sessions record through it when the store supports it.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, rec CompletionRecord) error
}

// SessionInfo describes a stored session.
type SessionInfo struct {
	ID           string
	Label        string
	MessageCount int
	Summary      string
	HasSummary   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Catalog is implemented by stores that can label and list sessions.
type Catalog interface {
	EnsureSession(ctx context.Context, sessionID, label string) error
	Session(ctx context.Context, sessionID string) (SessionInfo, error)
	// ListSessions returns sessions newest first; limit <= 0 returns all.
	ListSessions(ctx context.Context, limit int) ([]SessionInfo, error)
}

// NewSessionID returns a time-ordered id for a new session.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewRecord builds the audit record for choice of completion c.
func NewRecord(sessionID string, kind CompletionKind, c *chat.Completion, choice chat.Choice) CompletionRecord {
	rec := CompletionRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Choice:    choice,
		CreatedAt: time.Now(),
	}
	if c != nil {
		rec.CompletionID = c.ID
		rec.Model = c.Model
		rec.Usage = c.Usage
	}
	rec.Choice.Message = choice.Message.Clone()
	return rec
}
