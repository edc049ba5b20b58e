package play

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/logger"
	"github.com/dotsetgreg/dungeon/pkg/scene"
)

// SceneRunner shows the reachable characters, lets the user talk to one until
// they go back, then runs a discovery round on that conversation.
type SceneRunner struct {
	engine *scene.Engine
	in     LineReader
	out    io.Writer
}

func NewSceneRunner(engine *scene.Engine, in LineReader, out io.Writer) *SceneRunner {
	return &SceneRunner{engine: engine, in: in, out: out}
}

func (r *SceneRunner) Run(ctx context.Context) error {
	logger.InfoCF("play", "Scene started", map[string]interface{}{"scene": r.engine.Scene().ID})
	var err error
	for {
		var more bool
		more, err = r.Round(ctx)
		if err != nil || !more {
			break
		}
	}
	fmt.Fprintf(r.out, "Used %d tokens\n", r.engine.TokensUsed())
	logger.InfoCF("play", "Scene ended", map[string]interface{}{"scene": r.engine.Scene().ID})
	return err
}

// Round runs one menu selection. It returns false when the user exits or
// input ends.
func (r *SceneRunner) Round(ctx context.Context) (bool, error) {
	discovered := r.engine.Discovered()
	characters := r.engine.Characters()

	fmt.Fprintln(r.out, "Type the index of the character you want to talk to, or 0 to exit.")
	for i, idx := range discovered {
		c := characters[idx].Character()
		fmt.Fprintf(r.out, "%d. %-10s - %s\n", i+1, c.Name, c.Title)
	}
	fmt.Fprintln(r.out, "0. Exit")

	line, err := r.in.ReadLine("Scene > ")
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	choice, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || choice < 0 || choice > len(discovered) {
		fmt.Fprintf(r.out, "Error: invalid selection %q\n", strings.TrimSpace(line))
		return true, nil
	}
	if choice == 0 {
		return false, nil
	}

	index := discovered[choice-1]
	cs := characters[index]
	if cs.Session().State() == convo.StateStopped {
		if err := cs.Session().Resume(); err != nil {
			return false, err
		}
	}

	if err := NewConversation(cs.Session(), r.in, r.out).Loop(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}

	found, err := r.engine.DiscoverFrom(ctx, index)
	if err != nil {
		logger.ErrorCF("play", "Discovery failed", map[string]interface{}{"error": err.Error()})
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return true, nil
	}
	for _, i := range found {
		c := characters[i].Character()
		fmt.Fprintf(r.out, "System: You discovered %s - %s, you can now talk to them.\n", c.Name, c.Title)
	}
	return true, nil
}
