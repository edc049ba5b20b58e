package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dungeon/pkg/chat"
)

type memorySession struct {
	label       string
	messages    []chat.Message
	summary     string
	hasSummary  bool
	completions []CompletionRecord
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// session returns the entry for id, creating it. Caller holds mu.
func (s *MemoryStore) session(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now()
		sess = &memorySession{createdAt: now, updatedAt: now}
		s.sessions[id] = sess
	}
	return sess
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg chat.Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("append message: empty session id")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	sess.messages = append(sess.messages, msg.Clone())
	sess.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) LastN(_ context.Context, sessionID string, n int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || n <= 0 {
		return []chat.Message{}, nil
	}
	start := len(sess.messages) - n
	if start < 0 {
		start = 0
	}
	return chat.CloneMessages(sess.messages[start:]), nil
}

func (s *MemoryStore) Len(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return len(sess.messages), nil
	}
	return 0, nil
}

func (s *MemoryStore) Summary(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", false, nil
	}
	return sess.summary, sess.hasSummary, nil
}

func (s *MemoryStore) SetSummary(_ context.Context, sessionID, summary string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("set summary: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	sess.summary = summary
	sess.hasSummary = true
	sess.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordCompletion(_ context.Context, rec CompletionRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("record completion: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(rec.SessionID)
	sess.completions = append(sess.completions, rec)
	return nil
}

// Completions returns the audit trail of sessionID in record order.
func (s *MemoryStore) Completions(sessionID string) []CompletionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]CompletionRecord(nil), sess.completions...)
}

func (s *MemoryStore) EnsureSession(_ context.Context, sessionID, label string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("ensure session: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if label != "" {
		sess.label = label
	}
	return nil
}

func (s *MemoryStore) Session(_ context.Context, sessionID string) (SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.info(sessionID), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]SessionInfo, error) {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, sess.info(id))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (sess *memorySession) info(id string) SessionInfo {
	return SessionInfo{
		ID:           id,
		Label:        sess.label,
		MessageCount: len(sess.messages),
		Summary:      sess.summary,
		HasSummary:   sess.hasSummary,
		CreatedAt:    sess.createdAt,
		UpdatedAt:    sess.updatedAt,
	}
}
