package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChoices means the provider returned a completion without choices.
	ErrNoChoices = errors.New("completion has no choices")
	// ErrChoiceIndex means the configured choice index is not in the completion.
	ErrChoiceIndex = errors.New("choice index out of range")
)

// Usage is the token accounting attached to every completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Choice is one sampled response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Completion is a chat completion result.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choose returns the choice at index. Sampled choices other than the chosen
// one are never looked at again.
func (c *Completion) Choose(index int) (Choice, error) {
	if c == nil || len(c.Choices) == 0 {
		return Choice{}, ErrNoChoices
	}
	if index < 0 || index >= len(c.Choices) {
		return Choice{}, fmt.Errorf("%w: index %d, %d choices", ErrChoiceIndex, index, len(c.Choices))
	}
	return c.Choices[index], nil
}
