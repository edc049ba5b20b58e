// Package convo implements the turn protocol of one conversation: start the
// story, accept user input, answer it, and fold older turns into a rolling
// summary. A failing completion call leaves the session unchanged.
package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/providers"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

type State int

const (
	StateUninitialized State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ShouldSummarize reports whether a summary round is due at iteration. It
// fires on the interval boundary and on the iteration right after it.
func ShouldSummarize(iteration, interval int) bool {
	if interval <= 0 {
		return false
	}
	m := iteration % interval
	return m == 0 || m == 1
}

// Session is one conversation. Its methods are safe for concurrent use and
// serialize on the session.
type Session struct {
	mu sync.Mutex

	id       string
	caller   providers.Caller
	store    store.Store
	recorder store.CompletionRecorder
	opts     Options

	state      State
	iteration  int
	usage      chat.Usage
	lastPrompt []chat.Message
}

func New(caller providers.Caller, st store.Store, opts Options) (*Session, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: completion caller is required", ErrInvalidOptions)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = store.NewSessionID()
	}

	s := &Session{
		id:     opts.SessionID,
		caller: caller,
		store:  st,
		opts:   opts,
	}
	if rec, ok := st.(store.CompletionRecorder); ok {
		s.recorder = rec
	}
	if cat, ok := st.(store.Catalog); ok {
		if err := cat.EnsureSession(context.Background(), s.id, opts.Label); err != nil {
			return nil, fmt.Errorf("register session: %w", err)
		}
	}

	logger.InfoCF("convo", "Session created", map[string]interface{}{
		"session": s.id,
		"label":   opts.Label,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Options() Options { return s.opts }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Iteration counts stored assistant replies, the opening one included.
func (s *Session) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Usage is the token usage of the conversation and summary calls.
func (s *Session) Usage() chat.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// LastPrompt returns a copy of the most recent prompt sent for a reply, or
// nil before the first one.
func (s *Session) LastPrompt() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.CloneMessages(s.lastPrompt)
}

// History returns up to n most recent messages.
func (s *Session) History(ctx context.Context, n int) ([]chat.Message, error) {
	return s.store.LastN(ctx, s.id, n)
}

// Len returns the number of stored messages.
func (s *Session) Len(ctx context.Context) (int, error) {
	return s.store.Len(ctx, s.id)
}

// Summary returns the current rolling summary.
func (s *Session) Summary(ctx context.Context) (string, bool, error) {
	return s.store.Summary(ctx, s.id)
}

// InitStory sends the opening prompt alone and stores the chosen reply as the
// first message.
func (s *Session) InitStory(ctx context.Context) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return chat.Message{}, ErrStopped
	case StateActive:
		return chat.Message{}, ErrAlreadyStarted
	}

	prompt := []chat.Message{chat.SystemMessage(joinNonEmpty(s.opts.SystemMessage, s.opts.StartMessage))}
	chosen, err := s.respond(ctx, prompt)
	if err != nil {
		return chat.Message{}, err
	}
	s.state = StateActive
	return chosen, nil
}

// ProcessUserResponse appends msg to history and returns it with ok true. A
// message equal to the stop phrase stops the session and appends nothing.
func (s *Session) ProcessUserResponse(ctx context.Context, msg chat.Message) (chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return chat.Message{}, false, ErrStopped
	}
	if msg.Content == s.opts.StopPhrase {
		s.state = StateStopped
		logger.InfoCF("convo", "Session stopped", map[string]interface{}{"session": s.id})
		return chat.Message{}, false, nil
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	if err := s.store.Append(ctx, s.id, msg); err != nil {
		return chat.Message{}, false, fmt.Errorf("store user message: %w", err)
	}
	s.state = StateActive
	logger.DebugCF("convo", "User message stored", map[string]interface{}{
		"session": s.id,
		"content": msg.Content,
	})
	return msg, true, nil
}

// ProcessAPIResponse builds the next prompt, sends it and stores the chosen
// reply.
func (s *Session) ProcessAPIResponse(ctx context.Context) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return chat.Message{}, ErrStopped
	}
	prompt, err := s.buildPrompt(ctx, true)
	if err != nil {
		return chat.Message{}, err
	}
	chosen, err := s.respond(ctx, prompt)
	if err != nil {
		return chat.Message{}, err
	}
	s.state = StateActive
	return chosen, nil
}

// respond sends prompt, then commits the chosen reply. Nothing changes
// unless the call and the append both succeed. Caller holds mu.
func (s *Session) respond(ctx context.Context, prompt []chat.Message) (chat.Message, error) {
	completion, err := s.caller.Call(ctx, prompt, nil)
	if err != nil {
		return chat.Message{}, err
	}
	choice, err := completion.Choose(s.opts.ChoiceIndex)
	if err != nil {
		return chat.Message{}, err
	}
	chosen := choice.Message.Clone()
	if chosen.Role == "" {
		chosen.Role = chat.RoleAssistant
	}
	if err := s.store.Append(ctx, s.id, chosen); err != nil {
		return chat.Message{}, fmt.Errorf("store reply: %w", err)
	}

	s.iteration++
	s.usage = s.usage.Add(completion.Usage)
	s.lastPrompt = chat.CloneMessages(prompt)
	s.record(ctx, store.KindTurn, completion, choice)

	logger.DebugCF("convo", "Reply stored", map[string]interface{}{
		"session":   s.id,
		"iteration": s.iteration,
		"tokens":    completion.Usage.TotalTokens,
		"content":   chosen.Content,
	})
	return chosen, nil
}

// Summarize runs a summary round when one is due and returns the new summary
// with ok true. It returns ok false without calling the model otherwise, and
// also when the model replies with no text; the previous summary then stays.
func (s *Session) Summarize(ctx context.Context) (chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return chat.Message{}, false, ErrStopped
	}
	if !ShouldSummarize(s.iteration, s.opts.SummaryInterval) {
		return chat.Message{}, false, nil
	}

	prompt, err := s.summaryPrompt(ctx)
	if err != nil {
		return chat.Message{}, false, err
	}
	completion, err := s.caller.Call(ctx, prompt, nil)
	if err != nil {
		return chat.Message{}, false, err
	}
	choice, err := completion.Choose(s.opts.ChoiceIndex)
	if err != nil {
		return chat.Message{}, false, err
	}
	summary := choice.Message.Clone()
	if strings.TrimSpace(summary.Content) == "" {
		s.usage = s.usage.Add(completion.Usage)
		s.record(ctx, store.KindSummary, completion, choice)
		logger.WarnCF("convo", "Empty summary reply, keeping previous summary", map[string]interface{}{
			"session":   s.id,
			"iteration": s.iteration,
		})
		return chat.Message{}, false, nil
	}
	if err := s.store.SetSummary(ctx, s.id, summary.Content); err != nil {
		return chat.Message{}, false, fmt.Errorf("store summary: %w", err)
	}
	s.usage = s.usage.Add(completion.Usage)
	s.record(ctx, store.KindSummary, completion, choice)

	logger.InfoCF("convo", "Summary updated", map[string]interface{}{
		"session":   s.id,
		"iteration": s.iteration,
		"tokens":    completion.Usage.TotalTokens,
	})
	return summary, true, nil
}

// Resume reactivates a stopped resumable session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Resumable {
		return fmt.Errorf("session %s cannot be resumed", s.id)
	}
	if s.state == StateStopped {
		s.state = StateActive
	}
	return nil
}

// RecordCompletion adds an audit record for a completion made on behalf of
// this session, such as a knowledge or discovery round.
func (s *Session) RecordCompletion(ctx context.Context, kind store.CompletionKind, completion *chat.Completion, choice chat.Choice) {
	s.record(ctx, kind, completion, choice)
}

func (s *Session) record(ctx context.Context, kind store.CompletionKind, completion *chat.Completion, choice chat.Choice) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordCompletion(ctx, store.NewRecord(s.id, kind, completion, choice)); err != nil {
		logger.WarnCF("convo", "Completion audit failed", map[string]interface{}{
			"session": s.id,
			"kind":    string(kind),
			"error":   err.Error(),
		})
	}
}
