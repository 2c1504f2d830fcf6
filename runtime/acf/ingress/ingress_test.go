package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/engine"
	identityinmem "github.com/ruche-ai/fabric/runtime/acf/identity/inmem"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/turn"
)

// fakeEngine records signal-with-start calls without running workflows.
type fakeEngine struct {
	mu    sync.Mutex
	calls []engine.SignalStartRequest
	err   error
}

func (f *fakeEngine) RegisterWorkflow(context.Context, engine.WorkflowDefinition) error { return nil }
func (f *fakeEngine) RegisterActivity(context.Context, engine.ActivityDefinition) error { return nil }
func (f *fakeEngine) StartWorkflow(context.Context, engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	return nil, nil
}
func (f *fakeEngine) SignalWorkflow(context.Context, string, string, any) error { return nil }
func (f *fakeEngine) CancelWorkflow(context.Context, string) error              { return nil }

func (f *fakeEngine) SignalWithStart(_ context.Context, req engine.SignalStartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, req)
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) lastCall() engine.SignalStartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func envelope(text string) *message.RawMessage {
	return &message.RawMessage{
		TenantID:          "t1",
		AgentID:           "a1",
		Channel:           "whatsapp",
		ChannelUserID:     "+33600000000",
		ContentType:       acf.ContentText,
		Text:              text,
		ProviderMessageID: "pm-1",
		ReceivedAt:        time.Now().UTC(),
	}
}

func newIngress(t *testing.T, eng engine.Engine, cache Cache) *Ingress {
	t.Helper()
	ing, err := New(Options{
		Identity: identityinmem.New(),
		Engine:   eng,
		Mailbox:  turn.NewMemMailbox(),
		Cache:    cache,
	})
	require.NoError(t, err)
	return ing
}

func TestSubmitSignalsSessionWorkflow(t *testing.T) {
	eng := &fakeEngine{}
	ing := newIngress(t, eng, nil)

	res, err := ing.Submit(context.Background(), envelope("hello"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.NotEmpty(t, res.LogicalTurnID)

	require.Equal(t, 1, eng.callCount())
	call := eng.lastCall()
	assert.Equal(t, turn.WorkflowName, call.Workflow)
	assert.Equal(t, turn.SignalMessage, call.SignalName)

	key, err := acf.ParseSessionKey(call.ID)
	require.NoError(t, err)
	assert.Equal(t, acf.TenantID("t1"), key.Tenant)
	assert.Equal(t, acf.Channel("whatsapp"), key.Channel)
	assert.NotEmpty(t, key.Interlocutor)

	// The same channel identity maps to the same session key.
	_, err = ing.Submit(context.Background(), envelope("again"))
	require.NoError(t, err)
	assert.Equal(t, call.ID, eng.lastCall().ID)
}

func TestSubmitRejectsInvalidEnvelope(t *testing.T) {
	eng := &fakeEngine{}
	ing := newIngress(t, eng, nil)

	env := envelope("hello")
	env.TenantID = ""
	_, err := ing.Submit(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, acf.CodeInvalidRequest, acf.CodeOf(err))
	assert.Zero(t, eng.callCount())
}

// TestSubmitIdempotency covers the dedup window: two submissions with the
// same (tenant, idempotency key) return the same logical turn ID and only
// the first dispatches.
func TestSubmitIdempotency(t *testing.T) {
	eng := &fakeEngine{}
	ing := newIngress(t, eng, NewMemCache())

	env := envelope("hello")
	env.IdempotencyKey = "op-123"
	first, err := ing.Submit(context.Background(), env)
	require.NoError(t, err)

	dup := envelope("hello again")
	dup.IdempotencyKey = "op-123"
	second, err := ing.Submit(context.Background(), dup)
	require.NoError(t, err)

	assert.Equal(t, first.LogicalTurnID, second.LogicalTurnID)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, 1, eng.callCount())

	// A different tenant with the same key is a different dedup scope.
	other := envelope("other tenant")
	other.TenantID = "t2"
	other.IdempotencyKey = "op-123"
	third, err := ing.Submit(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, first.LogicalTurnID, third.LogicalTurnID)
	assert.Equal(t, 2, eng.callCount())
}

func TestMemCacheWindowExpiry(t *testing.T) {
	cache := NewMemCache()
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "t1", "k", "turn-1", time.Minute))

	_, hit, err := cache.Get(context.Background(), "t1", "k")
	require.NoError(t, err)
	assert.True(t, hit)

	now = now.Add(time.Minute + time.Second)
	_, hit, err = cache.Get(context.Background(), "t1", "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSubmitMarksMailbox(t *testing.T) {
	eng := &fakeEngine{}
	mailbox := turn.NewMemMailbox()
	ing, err := New(Options{
		Identity: identityinmem.New(),
		Engine:   eng,
		Mailbox:  mailbox,
	})
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	_, err = ing.Submit(context.Background(), envelope("hello"))
	require.NoError(t, err)

	key := eng.lastCall().ID
	pending, err := mailbox.EnqueuedSince(context.Background(), key, before)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestSubmitCarriesExplicitSupersede(t *testing.T) {
	eng := &fakeEngine{}
	ing := newIngress(t, eng, nil)

	env := envelope("urgent")
	env.Metadata = map[string]any{"supersede": true}
	_, err := ing.Submit(context.Background(), env)
	require.NoError(t, err)

	sig, ok := eng.lastCall().SignalPayload.(*turn.MessageSignal)
	require.True(t, ok)
	assert.True(t, sig.Supersede)
}
