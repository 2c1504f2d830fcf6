package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

func testKey() acf.SessionKey {
	return acf.SessionKey{Tenant: "t1", Agent: "a1", Interlocutor: "i1", Channel: "web"}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := New()
	_, err := store.Get(context.Background(), testKey())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestCreateAssignsVersionOne(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.Create(ctx, session.State{Key: testKey(), Status: session.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = store.Create(ctx, session.State{Key: testKey()})
	require.ErrorIs(t, err, session.ErrAlreadyExists)
}

func TestPutEnforcesCAS(t *testing.T) {
	store := New()
	ctx := context.Background()
	created, err := store.Create(ctx, session.State{Key: testKey(), Status: session.StatusActive})
	require.NoError(t, err)

	updated, err := store.Put(ctx, created, created.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// A writer holding the stale version loses.
	_, err = store.Put(ctx, created, created.Version)
	require.ErrorIs(t, err, session.ErrVersionConflict)
}

// TestVersionMonotonicity checks the session-version invariant: every
// successful CAS write increments the version by exactly one.
func TestVersionMonotonicity(t *testing.T) {
	store := New()
	ctx := context.Background()
	state, err := store.Create(ctx, session.State{Key: testKey(), Status: session.StatusActive})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		before := state.Version
		state.TurnCount++
		state, err = store.Put(ctx, state, before)
		require.NoError(t, err)
		require.Equal(t, before+1, state.Version)
	}
}

func TestCloneIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()
	state := session.State{Key: testKey(), Status: session.StatusActive, Variables: map[string]string{"name": "ada"}}
	created, err := store.Create(ctx, state)
	require.NoError(t, err)

	created.Variables["name"] = "mutated"
	got, err := store.Get(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Variables["name"])
}

func TestStepHistoryCap(t *testing.T) {
	var state session.State
	at := time.Now().UTC()
	for i := 0; i < session.StepHistoryCap+20; i++ {
		state.EnterStep("step", at, "transition", 0.9)
	}
	assert.Len(t, state.StepHistory, session.StepHistoryCap)
}

func TestDelete(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Create(ctx, session.State{Key: testKey()})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, testKey()))
	_, err = store.Get(ctx, testKey())
	require.ErrorIs(t, err, session.ErrNotFound)
}
