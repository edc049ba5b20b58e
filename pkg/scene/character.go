package scene

import (
	"context"
	"sync"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/knowledge"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/providers"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

// CharacterSession is the conversation with one scene character. Before each
// reply it runs a knowledge round and appends the selected fragments to the
// system message.
type CharacterSession struct {
	index     int
	character Character
	session   *convo.Session
	gate      *knowledge.Gate

	mu             sync.Mutex
	discovered     bool
	knowledgeUsage chat.Usage
	lastKnowledge  knowledge.Result
}

func newCharacterSession(index int, caller providers.Caller, st store.Store, cfg *config.Config, sc Scene, c Character) (*CharacterSession, error) {
	cs := &CharacterSession{
		index:      index,
		character:  c,
		gate:       knowledge.NewGate(caller, cfg.Adventure.KnowledgeSystemMessage, cfg.Adventure.DefaultChoiceIndex),
		discovered: !c.Hidden(),
	}

	opts := convo.CharacterOptions(cfg, sc.SystemMessage, c.Persona)
	opts.Label = sessionLabel(sc, c)
	opts.Augmenter = cs
	sess, err := convo.New(caller, st, opts)
	if err != nil {
		return nil, err
	}
	cs.session = sess
	return cs, nil
}

func sessionLabel(sc Scene, c Character) string {
	id := c.ID
	if id == "" {
		id = c.Name
	}
	return "scene:" + sc.ID + ":" + id
}

func (cs *CharacterSession) Index() int { return cs.index }

func (cs *CharacterSession) Character() Character { return cs.character }

func (cs *CharacterSession) Session() *convo.Session { return cs.session }

func (cs *CharacterSession) Discovered() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.discovered
}

// discover marks the character discovered and reports whether it was hidden.
func (cs *CharacterSession) discover() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.discovered {
		return false
	}
	cs.discovered = true
	return true
}

// KnowledgeUsage is the token usage of knowledge rounds only.
func (cs *CharacterSession) KnowledgeUsage() chat.Usage {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.knowledgeUsage
}

// LastKnowledge returns the result of the most recent knowledge round.
func (cs *CharacterSession) LastKnowledge() knowledge.Result {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastKnowledge
}

// TokensUsed is conversation plus knowledge tokens.
func (cs *CharacterSession) TokensUsed() int {
	return cs.session.Usage().TotalTokens + cs.KnowledgeUsage().TotalTokens
}

// EvidencePrompt returns the latest prompt sent for this character, or the
// unaugmented prompt when nothing was sent yet.
func (cs *CharacterSession) EvidencePrompt(ctx context.Context) ([]chat.Message, error) {
	if prompt := cs.session.LastPrompt(); prompt != nil {
		return prompt, nil
	}
	return cs.session.BasePrompt(ctx)
}

// Augment implements convo.Augmenter. Characters without knowledge skip the
// round.
func (cs *CharacterSession) Augment(ctx context.Context, built []chat.Message) (string, error) {
	if len(cs.character.Knowledge) == 0 {
		return "", nil
	}
	res, err := cs.gate.Select(ctx, built, cs.character.Knowledge)
	if res.Completion != nil {
		cs.mu.Lock()
		cs.knowledgeUsage = cs.knowledgeUsage.Add(res.Usage)
		cs.lastKnowledge = res
		cs.mu.Unlock()
		cs.session.RecordCompletion(ctx, store.KindKnowledge, res.Completion, res.Choice)
	}
	if err != nil {
		return "", err
	}

	logger.DebugCF("scene", "Knowledge round finished", map[string]interface{}{
		"character": cs.character.Name,
		"outcome":   res.Outcome.String(),
		"names":     res.Names,
	})
	return res.Text, nil
}
