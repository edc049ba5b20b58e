package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/config"
)

// Stop phrases. A user message equal to the phrase ends the session.
const (
	StopAdventure = "exit()"
	StopCharacter = "back"
)

var (
	// ErrStopped is returned for any operation on a session that has stopped.
	ErrStopped = errors.New("session stopped")
	// ErrAlreadyStarted is returned by InitStory on a session that has
	// already produced or received messages.
	ErrAlreadyStarted = errors.New("session already started")
	ErrInvalidOptions = errors.New("invalid session options")
)

// Augmenter extends the system message of a built prompt. It sees the prompt
// as built so far (system message first) and returns extra text, possibly
// empty, to append.
type Augmenter interface {
	Augment(ctx context.Context, built []chat.Message) (string, error)
}

type Options struct {
	// SessionID keys the session in the store. Empty means a new id.
	SessionID string
	// Label names the session in store listings.
	Label string

	SystemMessage string
	StartMessage  string
	// SummarySystemMessage is used when a previous summary exists,
	// SummarySystemMessageNoPrev for the first one.
	SummarySystemMessage       string
	SummarySystemMessageNoPrev string

	HistoryLength   int
	SummaryInterval int
	ChoiceIndex     int

	StopPhrase string
	// Resumable lets Resume reactivate a stopped session.
	Resumable bool

	Augmenter Augmenter
}

func (o Options) validate() error {
	var errs []error
	if o.HistoryLength < 0 {
		errs = append(errs, fmt.Errorf("history length must be >= 0, got %d", o.HistoryLength))
	}
	if o.SummaryInterval <= 0 {
		errs = append(errs, fmt.Errorf("summary interval must be > 0, got %d", o.SummaryInterval))
	}
	if o.ChoiceIndex < 0 {
		errs = append(errs, fmt.Errorf("choice index must be >= 0, got %d", o.ChoiceIndex))
	}
	if strings.TrimSpace(o.StopPhrase) == "" {
		errs = append(errs, fmt.Errorf("stop phrase is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// AdventureOptions returns options for a Dungeon Master session.
func AdventureOptions(cfg *config.Config) Options {
	opts := baseOptions(cfg)
	opts.Label = "adventure"
	opts.SystemMessage = cfg.Adventure.SystemMessage
	opts.StartMessage = cfg.Adventure.StartMessage
	opts.StopPhrase = StopAdventure
	return opts
}

// CharacterOptions returns options for a character session. The system
// message is the scene's followed by the character's persona and there is
// no start message.
func CharacterOptions(cfg *config.Config, sceneSystemMessage, persona string) Options {
	opts := baseOptions(cfg)
	opts.SystemMessage = sceneSystemMessage + " " + persona
	opts.StopPhrase = StopCharacter
	opts.Resumable = true
	return opts
}

func baseOptions(cfg *config.Config) Options {
	return Options{
		SummarySystemMessage:       cfg.Adventure.SummarySystemMessage(),
		SummarySystemMessageNoPrev: cfg.Adventure.SummarySystemMessageNoPrev(),
		HistoryLength:              cfg.Convo.HistoryLength,
		SummaryInterval:            cfg.Convo.SummaryInterval,
		ChoiceIndex:                cfg.Adventure.DefaultChoiceIndex,
	}
}
