// Package scene runs a set of character conversations that share a scene and
// decides, through a function-call round, when hidden characters become
// reachable.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/providers"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

const (
	DiscoveryFunctionName = "get_discovered"

	discoveryDescription = "Decide which people the user has discovered in the conversation messages" +
		" in the JSON list. True if the requirement of the person is met, False otherwise."

	evidencePrefix = "The JSON list of conversation messages is: "
)

var (
	// ErrNothingToDiscover is returned when every character is already
	// discovered. Callers skip the round.
	ErrNothingToDiscover = errors.New("no undiscovered characters")
	ErrUnknownCharacter  = errors.New("unknown character")
)

// DiscoveryRequest is one discovery round ready to send.
type DiscoveryRequest struct {
	Messages []chat.Message
	Function chat.Function
	// Indices maps each parameter name to the character index it flags.
	Indices map[string]int
	// Evidence is the index of the character whose prompt was used.
	Evidence int
}

// Engine owns the character sessions of one scene instance.
type Engine struct {
	scene         Scene
	caller        providers.Caller
	systemMessage string
	choiceIndex   int
	characters    []*CharacterSession

	mu             sync.Mutex
	discoveryUsage chat.Usage
}

// NewEngine creates one character session per scene character, each under a
// fresh session id in st.
func NewEngine(caller providers.Caller, st store.Store, cfg *config.Config, sc Scene) (*Engine, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		scene:         sc,
		caller:        caller,
		systemMessage: cfg.Adventure.DiscoverySystemMessage,
		choiceIndex:   cfg.Adventure.DefaultChoiceIndex,
	}
	for i, c := range sc.Characters {
		cs, err := newCharacterSession(i, caller, st, cfg, sc, c)
		if err != nil {
			return nil, fmt.Errorf("character %s: %w", c.Name, err)
		}
		e.characters = append(e.characters, cs)
	}

	logger.InfoCF("scene", "Scene created", map[string]interface{}{
		"scene":      sc.ID,
		"characters": len(e.characters),
	})
	return e, nil
}

func (e *Engine) Scene() Scene { return e.scene }

// Characters returns every character session in scene order.
func (e *Engine) Characters() []*CharacterSession {
	return append([]*CharacterSession(nil), e.characters...)
}

func (e *Engine) Character(index int) (*CharacterSession, error) {
	if index < 0 || index >= len(e.characters) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownCharacter, index)
	}
	return e.characters[index], nil
}

// Discovered returns the indices of reachable characters in scene order.
func (e *Engine) Discovered() []int {
	var out []int
	for i, cs := range e.characters {
		if cs.Discovered() {
			out = append(out, i)
		}
	}
	return out
}

func (e *Engine) undiscovered() []*CharacterSession {
	var out []*CharacterSession
	for _, cs := range e.characters {
		if !cs.Discovered() {
			out = append(out, cs)
		}
	}
	return out
}

// BuildDiscoveryRequest builds a round over every undiscovered character,
// using the latest prompt of the first one as evidence.
func (e *Engine) BuildDiscoveryRequest(ctx context.Context) (DiscoveryRequest, error) {
	pending := e.undiscovered()
	if len(pending) == 0 {
		return DiscoveryRequest{}, ErrNothingToDiscover
	}
	return e.buildDiscoveryRequest(ctx, pending, pending[0])
}

// BuildDiscoveryRequestFrom is BuildDiscoveryRequest with the evidence taken
// from the character at index, typically the one the user just talked to.
func (e *Engine) BuildDiscoveryRequestFrom(ctx context.Context, index int) (DiscoveryRequest, error) {
	evidence, err := e.Character(index)
	if err != nil {
		return DiscoveryRequest{}, err
	}
	pending := e.undiscovered()
	if len(pending) == 0 {
		return DiscoveryRequest{}, ErrNothingToDiscover
	}
	return e.buildDiscoveryRequest(ctx, pending, evidence)
}

func (e *Engine) buildDiscoveryRequest(ctx context.Context, pending []*CharacterSession, evidence *CharacterSession) (DiscoveryRequest, error) {
	req := DiscoveryRequest{
		Indices:  make(map[string]int, len(pending)),
		Evidence: evidence.Index(),
	}
	b := chat.NewFunction(DiscoveryFunctionName, discoveryDescription)
	for _, cs := range pending {
		c := cs.Character()
		param := c.DiscoveryParameter()
		b.Bool(param, fmt.Sprintf("%s, %s. %s", c.Name, c.Title, c.DiscoverRequirement))
		req.Indices[param] = cs.Index()
	}
	fn, err := b.Build()
	if err != nil {
		return DiscoveryRequest{}, fmt.Errorf("build %s schema: %w", DiscoveryFunctionName, err)
	}
	req.Function = fn

	prompt, err := evidence.EvidencePrompt(ctx)
	if err != nil {
		return DiscoveryRequest{}, err
	}
	body, err := chat.MarshalMessages(prompt)
	if err != nil {
		return DiscoveryRequest{}, err
	}
	req.Messages = []chat.Message{
		chat.SystemMessage(e.systemMessage),
		chat.UserMessage(evidencePrefix + body),
	}
	return req, nil
}

// ApplyDiscovery flips every flagged character to discovered and returns the
// indices that were hidden before, in schema order. A response that does not
// call the discovery function discovers nothing.
func (e *Engine) ApplyDiscovery(completion *chat.Completion, req DiscoveryRequest) []int {
	choice, err := completion.Choose(e.choiceIndex)
	if err != nil {
		logger.WarnCF("scene", "Discovery response unusable", map[string]interface{}{"error": err.Error()})
		return nil
	}
	args, err := chat.BoolArguments(choice.Message, req.Function.Name)
	if err != nil {
		logger.WarnCF("scene", "Discovery function not called", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var found []int
	for _, p := range req.Function.Parameters {
		if !args[p.Name] {
			continue
		}
		idx, ok := req.Indices[p.Name]
		if !ok || idx < 0 || idx >= len(e.characters) {
			continue
		}
		if e.characters[idx].discover() {
			found = append(found, idx)
		}
	}

	if len(found) > 0 {
		logger.InfoCF("scene", "Characters discovered", map[string]interface{}{"indices": found})
	}
	return found
}

// Discover runs a discovery round with default evidence. It returns nil
// without calling the model when nothing is hidden.
func (e *Engine) Discover(ctx context.Context) ([]int, error) {
	req, err := e.BuildDiscoveryRequest(ctx)
	return e.discover(ctx, req, err)
}

// DiscoverFrom runs a discovery round using the character at index as
// evidence.
func (e *Engine) DiscoverFrom(ctx context.Context, index int) ([]int, error) {
	req, err := e.BuildDiscoveryRequestFrom(ctx, index)
	return e.discover(ctx, req, err)
}

func (e *Engine) discover(ctx context.Context, req DiscoveryRequest, err error) ([]int, error) {
	if errors.Is(err, ErrNothingToDiscover) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	completion, err := e.caller.Call(ctx, req.Messages, &req.Function)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.discoveryUsage = e.discoveryUsage.Add(completion.Usage)
	e.mu.Unlock()
	if choice, err := completion.Choose(e.choiceIndex); err == nil {
		e.characters[req.Evidence].Session().RecordCompletion(ctx, store.KindDiscovery, completion, choice)
	}
	return e.ApplyDiscovery(completion, req), nil
}

// DiscoveryUsage is the token usage of discovery rounds only.
func (e *Engine) DiscoveryUsage() chat.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discoveryUsage
}

// TokensUsed is the total over every character plus discovery rounds.
func (e *Engine) TokensUsed() int {
	total := e.DiscoveryUsage().TotalTokens
	for _, cs := range e.characters {
		total += cs.TokensUsed()
	}
	return total
}

// CharacterStatus is a snapshot of one character for listings.
type CharacterStatus struct {
	Index      int
	Name       string
	Title      string
	Discovered bool
	Messages   int
	HasSummary bool
	Tokens     int
}

// Status reads every character's stored state concurrently.
func (e *Engine) Status(ctx context.Context) ([]CharacterStatus, error) {
	out := make([]CharacterStatus, len(e.characters))
	g, gctx := errgroup.WithContext(ctx)
	for i, cs := range e.characters {
		i, cs := i, cs
		g.Go(func() error {
			n, err := cs.Session().Len(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", cs.Character().Name, err)
			}
			_, hasSummary, err := cs.Session().Summary(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", cs.Character().Name, err)
			}
			c := cs.Character()
			out[i] = CharacterStatus{
				Index:      i,
				Name:       c.Name,
				Title:      c.Title,
				Discovered: cs.Discovered(),
				Messages:   n,
				HasSummary: hasSummary,
				Tokens:     cs.TokensUsed(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
