package convo

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/chat"
)

const previousSummaryPrefix = "The previous summary is: "

// BuildPrompt returns the prompt the next reply would be sent with: the
// system message, with summary and augmentation appended, then the recent
// history. It runs the augmenter, so it may call the model.
func (s *Session) BuildPrompt(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildPrompt(ctx, true)
}

// BasePrompt is BuildPrompt without augmentation. It never calls the model.
func (s *Session) BasePrompt(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildPrompt(ctx, false)
}

// SummaryPrompt returns the prompt a summary round would send.
func (s *Session) SummaryPrompt(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryPrompt(ctx)
}

// Caller holds mu.
func (s *Session) buildPrompt(ctx context.Context, augment bool) ([]chat.Message, error) {
	summary, _, err := s.store.Summary(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	history, err := s.store.LastN(ctx, s.id, s.opts.HistoryLength)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	prompt := make([]chat.Message, 0, len(history)+1)
	prompt = append(prompt, chat.SystemMessage(joinNonEmpty(s.opts.SystemMessage, summary)))
	prompt = append(prompt, history...)

	if augment && s.opts.Augmenter != nil {
		extra, err := s.opts.Augmenter.Augment(ctx, chat.CloneMessages(prompt))
		if err != nil {
			return nil, err
		}
		prompt[0].Content = joinNonEmpty(prompt[0].Content, extra)
	}
	return prompt, nil
}

// Caller holds mu.
func (s *Session) summaryPrompt(ctx context.Context) ([]chat.Message, error) {
	prev, hasPrev, err := s.store.Summary(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	history, err := s.store.LastN(ctx, s.id, s.opts.HistoryLength)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	evidence, err := chat.MarshalMessages(history)
	if err != nil {
		return nil, err
	}

	var prompt []chat.Message
	if hasPrev {
		prompt = append(prompt,
			chat.SystemMessage(s.opts.SummarySystemMessage),
			chat.AssistantMessage(previousSummaryPrefix+prev),
		)
	} else {
		prompt = append(prompt, chat.SystemMessage(s.opts.SummarySystemMessageNoPrev))
	}
	prompt = append(prompt, chat.UserMessage(evidence))
	return prompt, nil
}

// joinNonEmpty joins the non-empty parts with single spaces.
func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
