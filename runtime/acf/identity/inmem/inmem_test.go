package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/identity"
)

const (
	tenant = acf.TenantID("t1")
	agent  = acf.AgentID("a1")
)

func TestResolveOrCreateIsStable(t *testing.T) {
	svc := New()
	ctx := context.Background()

	id1, isNew, err := svc.ResolveOrCreate(ctx, tenant, agent, "whatsapp", "+33600000000")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, id1)

	id2, isNew, err := svc.ResolveOrCreate(ctx, tenant, agent, "whatsapp", "+33600000000")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	// A different channel identity resolves to a different interlocutor.
	id3, _, err := svc.ResolveOrCreate(ctx, tenant, agent, "sms", "+33600000000")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestLinkIdempotentAndConflicting(t *testing.T) {
	svc := New()
	ctx := context.Background()

	id1, _, err := svc.ResolveOrCreate(ctx, tenant, agent, "whatsapp", "+33600000000")
	require.NoError(t, err)
	id2, _, err := svc.ResolveOrCreate(ctx, tenant, agent, "web", "user-42")
	require.NoError(t, err)

	// New identity links cleanly, twice.
	require.NoError(t, svc.Link(ctx, tenant, agent, id1, "sms", "+33600000000"))
	require.NoError(t, svc.Link(ctx, tenant, agent, id1, "sms", "+33600000000"))

	// An identity owned by someone else conflicts.
	err = svc.Link(ctx, tenant, agent, id2, "sms", "+33600000000")
	require.ErrorIs(t, err, identity.ErrConflict)

	rec, err := svc.Get(ctx, tenant, agent, id1)
	require.NoError(t, err)
	assert.Len(t, rec.Identities, 2)
}

func TestUnlinkMovesIdentity(t *testing.T) {
	svc := New()
	ctx := context.Background()

	id1, _, err := svc.ResolveOrCreate(ctx, tenant, agent, "whatsapp", "+33600000000")
	require.NoError(t, err)
	require.NoError(t, svc.Link(ctx, tenant, agent, id1, "sms", "+33600000000"))

	newID, err := svc.Unlink(ctx, tenant, agent, id1, "sms", "+33600000000", true)
	require.NoError(t, err)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, id1, newID)

	// The identity now resolves to the fresh interlocutor.
	resolved, isNew, err := svc.ResolveOrCreate(ctx, tenant, agent, "sms", "+33600000000")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, newID, resolved)

	// Unlinking an identity the interlocutor does not own fails.
	_, err = svc.Unlink(ctx, tenant, agent, id1, "sms", "+33600000000", false)
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestGetUnknown(t *testing.T) {
	svc := New()
	_, err := svc.Get(context.Background(), tenant, agent, "nope")
	require.ErrorIs(t, err, identity.ErrNotFound)
}
