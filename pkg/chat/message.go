// Package chat holds the value types exchanged with a chat-completion provider:
// messages, function schemas, and completions with token usage.
package chat

import (
	"encoding/json"
	"fmt"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	default:
		return false
	}
}

// FunctionCall is the model's invocation of a declared function. Arguments is
// the raw JSON text returned by the provider.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversational turn. Treat values as immutable once built:
// sessions copy them into history and never edit them in place.
type Message struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// NewMessage creates a Message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

func SystemMessage(content string) Message    { return NewMessage(RoleSystem, content) }
func UserMessage(content string) Message      { return NewMessage(RoleUser, content) }
func AssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// Clone returns a deep copy so callers can't reach into stored history.
func (m Message) Clone() Message {
	if m.FunctionCall != nil {
		fc := *m.FunctionCall
		m.FunctionCall = &fc
	}
	return m
}

// UnmarshalJSON accepts a null content, which providers return for
// function-call-only turns.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role         Role          `json:"role"`
		Content      *string       `json:"content"`
		Name         string        `json:"name"`
		FunctionCall *FunctionCall `json:"function_call"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = ""
	if raw.Content != nil {
		m.Content = *raw.Content
	}
	m.Name = raw.Name
	m.FunctionCall = raw.FunctionCall
	return nil
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// MarshalMessages renders messages as a JSON list. It is the evidence format
// handed to summarization and gating prompts.
func MarshalMessages(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	return string(data), nil
}
