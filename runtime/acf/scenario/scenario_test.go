package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, returnScenario().Validate())

	sc := returnScenario()
	sc.EntryStepID = "nope"
	require.ErrorIs(t, sc.Validate(), ErrInvalidScenario)

	sc = returnScenario()
	sc.Steps[0].Transitions[0].ToStepID = "ghost"
	require.ErrorIs(t, sc.Validate(), ErrInvalidScenario)

	sc = returnScenario()
	sc.Steps = append(sc.Steps, Step{ID: "greet", Name: "dup"})
	require.ErrorIs(t, sc.Validate(), ErrInvalidScenario)
}

func TestReachableWithin(t *testing.T) {
	sc := returnScenario()

	assert.ElementsMatch(t, []string{"collect", "status"}, sc.ReachableWithin("greet", 1))
	assert.ElementsMatch(t, []string{"collect", "status", "confirm"}, sc.ReachableWithin("greet", 2))
	assert.ElementsMatch(t, []string{"collect", "status", "confirm", "done"}, sc.ReachableWithin("greet", 3))
	assert.Empty(t, sc.ReachableWithin("done", 3))
	assert.Empty(t, sc.ReachableWithin("missing", 3))

	assert.True(t, sc.Reaches("greet", "done", 3))
	assert.False(t, sc.Reaches("greet", "done", 2))
	assert.True(t, sc.Reaches("greet", "greet", 0))
}

func TestDescriptor(t *testing.T) {
	sc := returnScenario()
	collect := sc.Step("collect")
	assert.Equal(t, "Collect Details | gather order and item information | details are complete", collect.Descriptor())

	// At most three transition conditions make it into the descriptor.
	step := Step{
		Name: "Hub",
		Transitions: []Transition{
			{ConditionText: "a"}, {ConditionText: "b"}, {ConditionText: "c"}, {ConditionText: "d"},
		},
	}
	assert.Equal(t, "Hub | a | b | c", step.Descriptor())
}

func TestMemStorePublishAndResolve(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	v1 := returnScenario()
	require.NoError(t, store.Publish("t1", "a1", v1))

	v2 := returnScenario()
	v2.Version = 2
	require.NoError(t, store.Publish("t1", "a1", v2))

	// Re-publishing an older version is rejected.
	stale := returnScenario()
	require.Error(t, store.Publish("t1", "a1", stale))

	current, err := store.Current(ctx, "t1", "a1", "returns")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)

	old, err := store.Version(ctx, "t1", "a1", "returns", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)

	_, err = store.Current(ctx, "t1", "a1", "unknown")
	require.ErrorIs(t, err, ErrScenarioNotFound)
	_, err = store.Version(ctx, "t1", "a1", "returns", 9)
	require.ErrorIs(t, err, ErrScenarioNotFound)
}
