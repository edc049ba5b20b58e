package scene

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/config"
	"github.com/dotsetgreg/dungeon/pkg/convo"
	"github.com/dotsetgreg/dungeon/pkg/convo/convotest"
	"github.com/dotsetgreg/dungeon/pkg/knowledge"
	"github.com/dotsetgreg/dungeon/pkg/store"
)

const (
	idxSoulidity = 0
	idxEthan     = 1
	idxIsaac     = 2
	idxOlivia    = 3
)

func loadPowerPlant(t *testing.T) Scene {
	t.Helper()
	sc, err := LoadFile(filepath.Join("testdata", "power_plant.yaml"))
	require.NoError(t, err)
	return sc
}

func newEngine(t *testing.T, caller *convotest.Caller) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	e, err := NewEngine(caller, st, config.DefaultConfig(), loadPowerPlant(t))
	require.NoError(t, err)
	return e, st
}

func discoveryCall(args string, tokens int) convotest.Response {
	return convotest.FunctionCall(DiscoveryFunctionName, args, tokens)
}

func TestLoadFile_PowerPlant(t *testing.T) {
	sc := loadPowerPlant(t)
	assert.Equal(t, "power_plant", sc.ID)
	require.Len(t, sc.Characters, 4)
	assert.True(t, strings.HasPrefix(sc.SystemMessage, "The conversation is related to an explosion"))

	assert.False(t, sc.Characters[idxSoulidity].Hidden())
	assert.False(t, sc.Characters[idxEthan].Hidden())
	assert.True(t, sc.Characters[idxIsaac].Hidden())
	assert.Equal(t, "is_Isaac_discovered", sc.Characters[idxIsaac].DiscoveryParameter())
	assert.Len(t, sc.Characters[idxSoulidity].Knowledge, 3)
	assert.Equal(t, "power_plant_floor_plan", sc.Characters[idxSoulidity].Knowledge[1].Name)
	assert.Empty(t, sc.Characters[idxOlivia].Knowledge)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"no characters": {
			yaml: "id: x\nname: X\n",
			want: "scene has no characters",
		},
		"duplicate character": {
			yaml: "id: x\ncharacters:\n  - name: Ann\n  - name: Ann\n",
			want: `duplicate name "Ann"`,
		},
		"colliding flags": {
			yaml: "id: x\ncharacters:\n  - name: Ann Lee\n  - name: Ann_Lee\n",
			want: "collides",
		},
		"duplicate knowledge": {
			yaml: "id: x\ncharacters:\n  - name: Ann\n    knowledge:\n      - name: k\n      - name: k\n",
			want: `duplicate name "k"`,
		},
		"unknown field": {
			yaml: "id: x\ncharacters:\n  - name: Ann\n    mood: grumpy\n",
			want: "mood",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_WritesAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	body := "id: tiny\nname: Tiny\nsystem_message: Be brief.\ncharacters:\n  - id: a\n    name: Ann\n    title: Clerk\n    character: You are Ann.\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	sc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", sc.SystemMessage)
	assert.Equal(t, "You are Ann.", sc.Characters[0].Persona)
}

func TestNewEngine_DiscoveredDefaults(t *testing.T) {
	e, _ := newEngine(t, convotest.New())
	assert.Equal(t, []int{idxSoulidity, idxEthan}, e.Discovered())

	_, err := e.Character(9)
	assert.True(t, errors.Is(err, ErrUnknownCharacter))

	ethan, err := e.Character(idxEthan)
	require.NoError(t, err)
	assert.Equal(t, "scene:power_plant:ethan", ethan.Session().Options().Label)
	assert.Equal(t, convo.StopCharacter, ethan.Session().Options().StopPhrase)
}

func TestBuildDiscoveryRequest_UndiscoveredOnly(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, convotest.New())
	sc := e.Scene()

	req, err := e.BuildDiscoveryRequest(ctx)
	require.NoError(t, err)

	assert.Equal(t, DiscoveryFunctionName, req.Function.Name)
	require.Len(t, req.Function.Parameters, 2)
	assert.Equal(t, "is_Isaac_discovered", req.Function.Parameters[0].Name)
	assert.Equal(t, "is_Olivia_discovered", req.Function.Parameters[1].Name)
	assert.Contains(t, req.Function.Parameters[0].Description, sc.Characters[idxIsaac].DiscoverRequirement)
	assert.Equal(t, map[string]int{"is_Isaac_discovered": idxIsaac, "is_Olivia_discovered": idxOlivia}, req.Indices)
	assert.Equal(t, idxIsaac, req.Evidence)

	evidence, err := chat.MarshalMessages([]chat.Message{
		chat.SystemMessage(sc.SystemMessage + " " + sc.Characters[idxIsaac].Persona),
	})
	require.NoError(t, err)
	want := []chat.Message{
		chat.SystemMessage(config.DefaultConfig().Adventure.DiscoverySystemMessage),
		chat.UserMessage("The JSON list of conversation messages is: " + evidence),
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Fatalf("discovery prompt mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyDiscovery_Monotonic(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, convotest.New())

	req, err := e.BuildDiscoveryRequest(ctx)
	require.NoError(t, err)
	resp := discoveryCall(`{"is_Isaac_discovered":true,"is_Olivia_discovered":false}`, 5)

	found := e.ApplyDiscovery(resp.Completion, req)
	assert.Equal(t, []int{idxIsaac}, found)
	assert.Equal(t, []int{idxSoulidity, idxEthan, idxIsaac}, e.Discovered())

	assert.Empty(t, e.ApplyDiscovery(resp.Completion, req), "already discovered")

	next, err := e.BuildDiscoveryRequest(ctx)
	require.NoError(t, err)
	require.Len(t, next.Function.Parameters, 1)
	assert.Equal(t, "is_Olivia_discovered", next.Function.Parameters[0].Name)
	assert.Equal(t, idxOlivia, next.Evidence)

	found = e.ApplyDiscovery(discoveryCall(`{"is_Olivia_discovered":false}`, 1).Completion, next)
	assert.Empty(t, found)
	assert.False(t, e.Characters()[idxOlivia].Discovered())
}

func TestApplyDiscovery_MismatchDiscoversNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, convotest.New())
	req, err := e.BuildDiscoveryRequest(ctx)
	require.NoError(t, err)

	cases := map[string]*chat.Completion{
		"wrong function": convotest.FunctionCall("get_knowledge", `{"is_Isaac_discovered":true}`, 1).Completion,
		"plain reply":    convotest.Reply("Isaac was there.", 1).Completion,
		"bad arguments":  discoveryCall(`{"is_Isaac_discovered":`, 1).Completion,
		"nil completion": nil,
	}
	for name, completion := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, e.ApplyDiscovery(completion, req))
			assert.Equal(t, []int{idxSoulidity, idxEthan}, e.Discovered())
		})
	}
}

func TestDiscover_NothingHiddenSkipsCall(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(discoveryCall(`{"is_Isaac_discovered":true,"is_Olivia_discovered":true}`, 4))
	e, _ := newEngine(t, caller)

	found, err := e.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{idxIsaac, idxOlivia}, found)

	_, err = e.BuildDiscoveryRequest(ctx)
	assert.True(t, errors.Is(err, ErrNothingToDiscover))

	found, err = e.Discover(ctx)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, 1, caller.Calls())
	assert.Equal(t, 4, e.DiscoveryUsage().TotalTokens)
}

func TestDiscover_ProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	e, _ := newEngine(t, convotest.New(convotest.Fail(boom)))

	_, err := e.Discover(context.Background())
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []int{idxSoulidity, idxEthan}, e.Discovered())
	assert.Equal(t, chat.Usage{}, e.DiscoveryUsage())
}

func TestCharacterSession_KnowledgeAugmentsSystemMessage(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(
		convotest.FunctionCall(knowledge.FunctionName, `{"v1_experience_and_observations":true}`, 7),
		convotest.Reply("I saw Isaac by the door.", 11),
	)
	e, st := newEngine(t, caller)
	ethan := e.Characters()[idxEthan]
	c := ethan.Character()
	sc := e.Scene()

	_, ok, err := ethan.Session().ProcessUserResponse(ctx, chat.UserMessage("What did you see?"))
	require.NoError(t, err)
	require.True(t, ok)
	reply, err := ethan.Session().ProcessAPIResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "I saw Isaac by the door.", reply.Content)

	reqs := caller.Requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[0].Function)
	assert.Equal(t, knowledge.FunctionName, reqs[0].Function.Name)
	assert.Len(t, reqs[0].Function.Parameters, len(c.Knowledge))
	assert.Nil(t, reqs[1].Function)

	wantSystem := sc.SystemMessage + " " + c.Persona + " " + c.Knowledge[1].Text
	assert.Equal(t, wantSystem, reqs[1].Messages[0].Content)
	assert.Equal(t, chat.UserMessage("What did you see?"), reqs[1].Messages[1])

	assert.Equal(t, 7, ethan.KnowledgeUsage().TotalTokens)
	assert.Equal(t, 11, ethan.Session().Usage().TotalTokens)
	assert.Equal(t, 18, ethan.TokensUsed())
	assert.Equal(t, []string{"v1_experience_and_observations"}, ethan.LastKnowledge().Names)

	recs := st.Completions(ethan.Session().ID())
	require.Len(t, recs, 2)
	assert.Equal(t, store.KindKnowledge, recs[0].Kind)
	assert.Equal(t, store.KindTurn, recs[1].Kind)
}

func TestCharacterSession_DeclinedKnowledgeKeepsSystemMessage(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(
		convotest.Reply("no function here", 3),
		convotest.Reply("Hello detective.", 5),
	)
	e, _ := newEngine(t, caller)
	ethan := e.Characters()[idxEthan]

	_, err := ethan.Session().ProcessAPIResponse(ctx)
	require.NoError(t, err)
	sc := e.Scene()
	assert.Equal(t, sc.SystemMessage+" "+ethan.Character().Persona, caller.Last().Messages[0].Content)
	assert.Equal(t, knowledge.Declined, ethan.LastKnowledge().Outcome)
	assert.Equal(t, 8, ethan.TokensUsed())
}

func TestCharacterSession_NoKnowledgeSkipsGate(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(convotest.Reply("Security room, as always.", 4))
	e, _ := newEngine(t, caller)
	olivia := e.Characters()[idxOlivia]

	_, err := olivia.Session().ProcessAPIResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.Calls())
	assert.Nil(t, caller.Last().Function)
	assert.Equal(t, chat.Usage{}, olivia.KnowledgeUsage())
}

func TestCharacterSession_GateFailureAbortsTurn(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("gateway timeout")
	caller := convotest.New(convotest.Fail(boom))
	e, _ := newEngine(t, caller)
	ethan := e.Characters()[idxEthan]
	_, _, err := ethan.Session().ProcessUserResponse(ctx, chat.UserMessage("Hi"))
	require.NoError(t, err)

	_, err = ethan.Session().ProcessAPIResponse(ctx)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, caller.Calls())
	n, err := ethan.Session().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDiscoverFrom_UsesTalkedToCharacter(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(
		convotest.FunctionCall(knowledge.FunctionName, `{"v1_experience_and_observations":true}`, 7),
		convotest.Reply("Isaac was at the control room door.", 11),
		discoveryCall(`{"is_Isaac_discovered":true}`, 6),
	)
	e, st := newEngine(t, caller)
	ethan := e.Characters()[idxEthan]

	_, _, err := ethan.Session().ProcessUserResponse(ctx, chat.UserMessage("Who was near the door?"))
	require.NoError(t, err)
	_, err = ethan.Session().ProcessAPIResponse(ctx)
	require.NoError(t, err)
	_, ok, err := ethan.Session().ProcessUserResponse(ctx, chat.UserMessage(convo.StopCharacter))
	require.NoError(t, err)
	require.False(t, ok)

	found, err := e.DiscoverFrom(ctx, idxEthan)
	require.NoError(t, err)
	assert.Equal(t, []int{idxIsaac}, found)

	evidence, err := chat.MarshalMessages(ethan.Session().LastPrompt())
	require.NoError(t, err)
	assert.Equal(t, "The JSON list of conversation messages is: "+evidence, caller.Last().Messages[1].Content)

	assert.Equal(t, 6, e.DiscoveryUsage().TotalTokens)
	assert.Equal(t, 24, e.TokensUsed())

	recs := st.Completions(ethan.Session().ID())
	require.Len(t, recs, 3)
	assert.Equal(t, store.KindDiscovery, recs[2].Kind)

	_, err = e.DiscoverFrom(ctx, 42)
	assert.True(t, errors.Is(err, ErrUnknownCharacter))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	caller := convotest.New(convotest.Reply("Security room.", 4))
	e, _ := newEngine(t, caller)
	olivia := e.Characters()[idxOlivia]
	_, _, err := olivia.Session().ProcessUserResponse(ctx, chat.UserMessage("Where are you?"))
	require.NoError(t, err)
	_, err = olivia.Session().ProcessAPIResponse(ctx)
	require.NoError(t, err)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 4)
	assert.Equal(t, CharacterStatus{
		Index:      idxOlivia,
		Name:       "Olivia",
		Title:      "Victim 6 Security",
		Discovered: false,
		Messages:   2,
		Tokens:     4,
	}, status[idxOlivia])
	assert.True(t, status[idxEthan].Discovered)
	assert.Equal(t, 0, status[idxEthan].Messages)
}
