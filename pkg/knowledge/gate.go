// Package knowledge selects which background fragments a character should
// see before answering. The model is asked, through a forced function call,
// to flag each fragment as needed or not.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/providers"
)

const (
	FunctionName = "get_knowledge"

	functionDescription = "Get the assistant's knowledge to use for responding the user's message." +
		" The assistant and user refer to the conversation messages in the JSON list." +
		" True if the knowledge is needed, False otherwise."

	evidencePrefix = "The JSON list of conversation messages is: "
)

// ErrNoFragments is returned by Select when there is nothing to gate.
// Callers skip the round instead of sending an empty schema.
var ErrNoFragments = errors.New("no knowledge fragments to gate")

// Fragment is one named piece of background knowledge owned by a character.
type Fragment struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Text        string `yaml:"knowledge" json:"knowledge"`
}

type Outcome int

const (
	// Declined means the model did not call get_knowledge or its arguments
	// could not be read. Nothing is added to the prompt.
	Declined Outcome = iota
	// Selected means the model answered the call. Text may still be empty
	// when no fragment was flagged.
	Selected
)

func (o Outcome) String() string {
	if o == Selected {
		return "selected"
	}
	return "declined"
}

// Result is the outcome of one gating round. Usage and Completion are set
// whenever the completion call itself succeeded, even on Declined.
type Result struct {
	Outcome Outcome
	Text    string
	Names   []string

	Usage      chat.Usage
	Completion *chat.Completion
	Choice     chat.Choice
}

// Gate runs knowledge selection rounds against a completion caller.
type Gate struct {
	caller        providers.Caller
	systemMessage string
	choiceIndex   int
}

func NewGate(caller providers.Caller, systemMessage string, choiceIndex int) *Gate {
	return &Gate{caller: caller, systemMessage: systemMessage, choiceIndex: choiceIndex}
}

// Function returns the get_knowledge schema for fragments: one required
// boolean per fragment, in declaration order.
func Function(fragments []Fragment) (chat.Function, error) {
	b := chat.NewFunction(FunctionName, functionDescription)
	for _, f := range fragments {
		b.Bool(f.Name, f.Description)
	}
	return b.Build()
}

// Prompt returns the two-message gating prompt for the built conversation.
func (g *Gate) Prompt(built []chat.Message) ([]chat.Message, error) {
	evidence, err := chat.MarshalMessages(built)
	if err != nil {
		return nil, err
	}
	return []chat.Message{
		chat.SystemMessage(g.systemMessage),
		chat.UserMessage(evidencePrefix + evidence),
	}, nil
}

// Select asks the model which fragments apply to built and returns the
// joined text of the flagged ones in declaration order. Provider failures
// are returned as errors; a model that declines the call is not an error.
func (g *Gate) Select(ctx context.Context, built []chat.Message, fragments []Fragment) (Result, error) {
	if len(fragments) == 0 {
		return Result{}, ErrNoFragments
	}
	fn, err := Function(fragments)
	if err != nil {
		return Result{}, fmt.Errorf("build %s schema: %w", FunctionName, err)
	}
	prompt, err := g.Prompt(built)
	if err != nil {
		return Result{}, err
	}

	completion, err := g.caller.Call(ctx, prompt, &fn)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: Declined, Usage: completion.Usage, Completion: completion}

	choice, err := completion.Choose(g.choiceIndex)
	if err != nil {
		return res, err
	}
	res.Choice = choice

	args, err := chat.BoolArguments(choice.Message, FunctionName)
	if err != nil {
		logger.WarnCF("knowledge", "Knowledge selection declined", map[string]interface{}{
			"error": err.Error(),
		})
		return res, nil
	}

	texts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if args[f.Name] {
			texts = append(texts, f.Text)
			res.Names = append(res.Names, f.Name)
		}
	}
	res.Outcome = Selected
	res.Text = strings.Join(texts, " ")

	logger.DebugCF("knowledge", "Knowledge selected", map[string]interface{}{
		"names":  res.Names,
		"tokens": completion.Usage.TotalTokens,
	})
	return res, nil
}

// ValidateFragments reports empty or duplicate fragment names.
func ValidateFragments(fragments []Fragment) error {
	seen := make(map[string]struct{}, len(fragments))
	var errs []error
	for i, f := range fragments {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("knowledge[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("knowledge[%d]: duplicate name %q", i, name))
			continue
		}
		seen[name] = struct{}{}
	}
	return errors.Join(errs...)
}
