// Package convotest provides a scripted completion caller for tests.
package convotest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotsetgreg/dungeon/pkg/chat"
)

// ErrNoResponse is returned when the script is exhausted and no handler is set.
var ErrNoResponse = errors.New("convotest: no scripted response")

// Response is one scripted result of Call.
type Response struct {
	Completion *chat.Completion
	Err        error
}

// Request is one recorded call.
type Request struct {
	Messages []chat.Message
	Function *chat.Function
}

// Caller replays scripted responses in order and records every request.
// When the script runs out it falls back to Handler.
type Caller struct {
	Handler func(req Request) Response

	mu       sync.Mutex
	script   []Response
	requests []Request
}

func New(responses ...Response) *Caller {
	return &Caller{script: append([]Response(nil), responses...)}
}

// Push appends responses to the script.
func (c *Caller) Push(responses ...Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, responses...)
}

func (c *Caller) Call(_ context.Context, messages []chat.Message, fn *chat.Function) (*chat.Completion, error) {
	req := Request{Messages: chat.CloneMessages(messages)}
	if fn != nil {
		f := *fn
		f.Parameters = append([]chat.Parameter(nil), fn.Parameters...)
		req.Function = &f
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	var resp Response
	switch {
	case len(c.script) > 0:
		resp = c.script[0]
		c.script = c.script[1:]
	case c.Handler != nil:
		handler := c.Handler
		c.mu.Unlock()
		resp = handler(req)
		c.mu.Lock()
	default:
		resp = Response{Err: ErrNoResponse}
	}
	c.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Completion, nil
}

// Requests returns every recorded request in call order.
func (c *Caller) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Calls reports how many times Call ran.
func (c *Caller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Last returns the most recent request. It panics if there is none.
func (c *Caller) Last() Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		panic("convotest: no requests recorded")
	}
	return c.requests[len(c.requests)-1]
}

// Reply scripts a plain assistant answer costing tokens.
func Reply(content string, tokens int) Response {
	return Response{Completion: completion(tokens, chat.AssistantMessage(content))}
}

// Replies scripts a completion with one choice per content.
func Replies(tokens int, contents ...string) Response {
	msgs := make([]chat.Message, len(contents))
	for i, c := range contents {
		msgs[i] = chat.AssistantMessage(c)
	}
	return Response{Completion: completion(tokens, msgs...)}
}

// FunctionCall scripts a function-call answer with raw JSON arguments.
func FunctionCall(name, arguments string, tokens int) Response {
	msg := chat.Message{Role: chat.RoleAssistant, FunctionCall: &chat.FunctionCall{Name: name, Arguments: arguments}}
	return Response{Completion: completion(tokens, msg)}
}

// Fail scripts a provider failure.
func Fail(err error) Response {
	return Response{Err: err}
}

var (
	seqMu sync.Mutex
	seq   int
)

func completion(tokens int, msgs ...chat.Message) *chat.Completion {
	seqMu.Lock()
	seq++
	id := fmt.Sprintf("chatcmpl-test-%d", seq)
	seqMu.Unlock()

	c := &chat.Completion{
		ID:     id,
		Object: "chat.completion",
		Model:  "test-model",
		Usage: chat.Usage{
			PromptTokens:     tokens - tokens/4,
			CompletionTokens: tokens / 4,
			TotalTokens:      tokens,
		},
	}
	for i, m := range msgs {
		c.Choices = append(c.Choices, chat.Choice{Index: i, Message: m, FinishReason: "stop"})
	}
	return c
}
