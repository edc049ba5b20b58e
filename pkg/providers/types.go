// Package providers implements chat-completion callers for OpenAI-compatible
// endpoints and a registry that builds one from config.
package providers

import (
	"context"

	"github.com/dotsetgreg/dungeon/pkg/chat"
)

// Caller sends a prompt to a model and returns the full completion. When fn
// is non-nil the model is forced to call it. Implementations do not retry.
type Caller interface {
	Call(ctx context.Context, messages []chat.Message, fn *chat.Function) (*chat.Completion, error)
}

// CallerFunc adapts a plain function to Caller.
type CallerFunc func(ctx context.Context, messages []chat.Message, fn *chat.Function) (*chat.Completion, error)

func (f CallerFunc) Call(ctx context.Context, messages []chat.Message, fn *chat.Function) (*chat.Completion, error) {
	return f(ctx, messages, fn)
}
