package play

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/convo/convotest"
	"github.com/dotsetgreg/dungeon/pkg/knowledge"
	"github.com/dotsetgreg/dungeon/pkg/scene"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

func newAdventure(t *testing.T, caller *convotest.Caller, input string, mutate func(*config.Config)) (*Adventure, *convo.Session, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	sess, err := convo.New(caller, store.NewMemoryStore(), convo.AdventureOptions(cfg))
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return NewAdventure(sess, NewScannerReader(strings.NewReader(input), out), out), sess, out
}

func TestScannerReader(t *testing.T) {
	out := &bytes.Buffer{}
	r := NewScannerReader(strings.NewReader("one\ntwo"), out)

	line, err := r.ReadLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	line, err = r.ReadLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "two", line)
	_, err = r.ReadLine("> ")
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, "> > > ", out.String())
}

func TestAdventure_RunUntilExit(t *testing.T) {
	caller := convotest.New(
		convotest.Reply("You wake in a cave.", 10),
		convotest.Reply("A bat flutters past.", 5),
	)
	adv, sess, out := newAdventure(t, caller, "look around\n\nexit()\nignored\n", nil)

	require.NoError(t, adv.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "Assistant: You wake in a cave.\n")
	assert.Contains(t, got, "Assistant: A bat flutters past.\n")
	assert.Contains(t, got, "Session ended\n")
	assert.True(t, strings.HasSuffix(got, "Used 15 tokens\n"), got)
	assert.Equal(t, convo.StateStopped, sess.State())
	assert.Equal(t, 2, caller.Calls())
}

func TestAdventure_SummaryPrintedBeforeReply(t *testing.T) {
	caller := convotest.New(
		convotest.Reply("Opening.", 1),
		convotest.Reply("Reply.", 1),
		convotest.Reply("You started and replied.", 1),
	)
	adv, _, out := newAdventure(t, caller, "go\n", func(c *config.Config) { c.Convo.SummaryInterval = 1 })

	require.NoError(t, adv.Run(context.Background()))

	got := out.String()
	summary := strings.Index(got, "Summary: You started and replied.")
	reply := strings.Index(got, "Assistant: Reply.")
	require.NotEqual(t, -1, summary)
	require.NotEqual(t, -1, reply)
	assert.Less(t, summary, reply)
	assert.Contains(t, got, "Used 3 tokens")
}

func TestAdventure_FailedTurnContinues(t *testing.T) {
	caller := convotest.New(
		convotest.Reply("Opening.", 2),
		convotest.Fail(errors.New("service unavailable")),
		convotest.Reply("Second try works.", 3),
	)
	adv, sess, out := newAdventure(t, caller, "first\nsecond\nexit()\n", nil)

	require.NoError(t, adv.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "Error: service unavailable\n")
	assert.Contains(t, got, "Assistant: Second try works.\n")
	n, err := sess.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "opening, both user messages, one reply")
}

func TestAdventure_StartFailure(t *testing.T) {
	boom := errors.New("bad key")
	adv, _, _ := newAdventure(t, convotest.New(convotest.Fail(boom)), "", nil)

	err := adv.Run(context.Background())
	assert.True(t, errors.Is(err, boom))
}

func newSceneRunner(t *testing.T, caller *convotest.Caller, input string) (*SceneRunner, *scene.Engine, *bytes.Buffer) {
	t.Helper()
	sc, err := scene.LoadFile(filepath.Join("..", "scene", "testdata", "power_plant.yaml"))
	require.NoError(t, err)
	engine, err := scene.NewEngine(caller, store.NewMemoryStore(), config.DefaultConfig(), sc)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return NewSceneRunner(engine, NewScannerReader(strings.NewReader(input), out), out), engine, out
}

// A character session has no opening reply, so its first answer lands on
// iteration 1 and a summary round follows it before the menu comes back.
func TestSceneRunner_TalkThenDiscover(t *testing.T) {
	caller := convotest.New(
		convotest.FunctionCall(knowledge.FunctionName, `{"v1_experience_and_observations":true}`, 7),
		convotest.Reply("Isaac was by the control room door.", 11),
		convotest.Reply("The detective asked Ethan who was near the door.", 4),
		convotest.FunctionCall(scene.DiscoveryFunctionName, `{"is_Isaac_discovered":true}`, 6),
	)
	runner, engine, out := newSceneRunner(t, caller, "2\nWho was near the door?\nback\n0\n")

	require.NoError(t, runner.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "1. Soulidity  - Detective Assistant\n")
	assert.Contains(t, got, "2. Ethan      - Victim 1 Lead Operator\n")
	summary := strings.Index(got, "Summary: The detective asked Ethan who was near the door.\n")
	reply := strings.Index(got, "Assistant: Isaac was by the control room door.\n")
	require.NotEqual(t, -1, summary, got)
	require.NotEqual(t, -1, reply, got)
	assert.Less(t, summary, reply)
	assert.Contains(t, got, "System: You discovered Isaac - Victim 5 Janitor, you can now talk to them.\n")
	assert.Contains(t, got, "3. Isaac      - Victim 5 Janitor\n")
	assert.True(t, strings.HasSuffix(got, "Used 28 tokens\n"), got)
	assert.Equal(t, 4, caller.Calls())
	assert.Equal(t, []int{0, 1, 2}, engine.Discovered())

	summaryReq := caller.Requests()[2]
	assert.Nil(t, summaryReq.Function, "summary round sends no function")
	assert.Equal(t, config.DefaultConfig().Adventure.SummarySystemMessageNoPrev(), summaryReq.Messages[0].Content)
}

func TestSceneRunner_ReenterCharacter(t *testing.T) {
	caller := convotest.New(
		convotest.FunctionCall(scene.DiscoveryFunctionName, `{}`, 1),
		convotest.FunctionCall(knowledge.FunctionName, `{}`, 1),
		convotest.Reply("Welcome back, detective.", 1),
		convotest.Reply("The detective greeted Soulidity.", 1),
		convotest.FunctionCall(scene.DiscoveryFunctionName, `{}`, 1),
	)
	runner, engine, out := newSceneRunner(t, caller, "1\nback\n1\nhello\nback\n0\n")

	require.NoError(t, runner.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "Assistant: Welcome back, detective.\n")
	assert.Contains(t, got, "Summary: The detective greeted Soulidity.\n")
	assert.True(t, strings.HasSuffix(got, "Used 5 tokens\n"), got)
	assert.Equal(t, 5, caller.Calls())
	soulidity := engine.Characters()[0]
	assert.Equal(t, convo.StateStopped, soulidity.Session().State())
	n, err := soulidity.Session().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "summaries are not part of the history")
}

func TestSceneRunner_InvalidSelection(t *testing.T) {
	caller := convotest.New()
	runner, _, out := newSceneRunner(t, caller, "9\nabc\n0\n")

	require.NoError(t, runner.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, `Error: invalid selection "9"`)
	assert.Contains(t, got, `Error: invalid selection "abc"`)
	assert.Equal(t, 0, caller.Calls())
	assert.Contains(t, got, "Used 0 tokens")
}

func TestSceneRunner_InputEndsMidConversation(t *testing.T) {
	caller := convotest.New()
	runner, _, out := newSceneRunner(t, caller, "2\n")

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 0, caller.Calls(), "no discovery after input ends")
	assert.Contains(t, out.String(), "Used 0 tokens")
}
