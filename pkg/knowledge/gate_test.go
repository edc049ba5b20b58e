package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dungeon/pkg/chat"
	"github.com/dotsetgreg/dungeon/pkg/convo/convotest"
)

var fragments = []Fragment{
	{Name: "floor_plan", Description: "the plant layout", Text: "The control room is north."},
	{Name: "security", Description: "the camera system", Text: "Cameras cover every door."},
	{Name: "news", Description: "recent news", Text: "The inquiry reopened."},
}

var built = []chat.Message{
	chat.SystemMessage("You are Ethan."),
	chat.UserMessage("Where is the control room?"),
}

func TestSelect_JoinsFlaggedInDeclarationOrder(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{"news":true,"floor_plan":true,"security":false}`, 12))
	gate := NewGate(caller, "GATE", 0)

	res, err := gate.Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Selected, res.Outcome)
	assert.Equal(t, "The control room is north. The inquiry reopened.", res.Text)
	assert.Equal(t, []string{"floor_plan", "news"}, res.Names)
	assert.Equal(t, 12, res.Usage.TotalTokens)
}

func TestSelect_OnlySelectedFragment(t *testing.T) {
	two := fragments[:2]
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{"floor_plan":true,"security":false}`, 5))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, two)
	require.NoError(t, err)
	assert.Equal(t, "The control room is north.", res.Text)
}

func TestSelect_MissingNamesAreFalse(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{"security":true}`, 5))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Selected, res.Outcome)
	assert.Equal(t, "Cameras cover every door.", res.Text)
}

func TestSelect_NoneFlagged(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{}`, 5))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Selected, res.Outcome)
	assert.Empty(t, res.Text)
	assert.Empty(t, res.Names)
}

func TestSelect_FunctionNameMismatchDeclines(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall("something_else", `{"floor_plan":true}`, 9))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
	assert.Empty(t, res.Text)
	assert.Empty(t, res.Names)
	assert.Equal(t, 9, res.Usage.TotalTokens, "declined rounds still cost tokens")
}

func TestSelect_PlainReplyDeclines(t *testing.T) {
	caller := convotest.New(convotest.Reply("I would rather not.", 4))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
}

func TestSelect_MalformedArgumentsDecline(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{"floor_plan":tr`, 4))

	res, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
	assert.Empty(t, res.Text)
}

func TestSelect_NoFragmentsSkipsCall(t *testing.T) {
	caller := convotest.New()

	_, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, nil)
	assert.True(t, errors.Is(err, ErrNoFragments))
	assert.Equal(t, 0, caller.Calls())
}

func TestSelect_ProviderErrorPropagates(t *testing.T) {
	boom := errors.New("timeout")
	caller := convotest.New(convotest.Fail(boom))

	_, err := NewGate(caller, "GATE", 0).Select(context.Background(), built, fragments)
	assert.True(t, errors.Is(err, boom))
}

func TestSelect_SendsForcedSchemaAndEvidence(t *testing.T) {
	caller := convotest.New(convotest.FunctionCall(FunctionName, `{}`, 1))
	gate := NewGate(caller, "GATE", 0)

	_, err := gate.Select(context.Background(), built, fragments)
	require.NoError(t, err)

	req := caller.Last()
	require.NotNil(t, req.Function)
	assert.Equal(t, FunctionName, req.Function.Name)
	names := make([]string, 0, len(req.Function.Parameters))
	for _, p := range req.Function.Parameters {
		assert.Equal(t, "boolean", p.Type)
		assert.True(t, p.Required)
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"floor_plan", "security", "news"}, names)
	assert.Equal(t, "the plant layout", req.Function.Parameters[0].Description)

	evidence, err := chat.MarshalMessages(built)
	require.NoError(t, err)
	want := []chat.Message{
		chat.SystemMessage("GATE"),
		chat.UserMessage("The JSON list of conversation messages is: " + evidence),
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Fatalf("gating prompt mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_ChoiceIndex(t *testing.T) {
	completion := convotest.FunctionCall(FunctionName, `{"news":true}`, 3).Completion
	completion.Choices = append(completion.Choices, chat.Choice{
		Index: 1,
		Message: chat.Message{
			Role:         chat.RoleAssistant,
			FunctionCall: &chat.FunctionCall{Name: FunctionName, Arguments: `{"security":true}`},
		},
	})
	caller := convotest.New(convotest.Response{Completion: completion})

	res, err := NewGate(caller, "GATE", 1).Select(context.Background(), built, fragments)
	require.NoError(t, err)
	assert.Equal(t, []string{"security"}, res.Names)
	assert.Equal(t, 1, res.Choice.Index)
}

func TestValidateFragments(t *testing.T) {
	assert.NoError(t, ValidateFragments(fragments))
	assert.NoError(t, ValidateFragments(nil))

	err := ValidateFragments([]Fragment{{Name: "a"}, {Name: "a"}, {Name: " "}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate name "a"`)
	assert.Contains(t, err.Error(), "knowledge[2]: name is required")
}
