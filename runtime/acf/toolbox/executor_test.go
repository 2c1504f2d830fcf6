package toolbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf/event"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingEmitter) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func request() Request {
	return Request{
		ToolID:         "orders.refund",
		Args:           map[string]any{"order_id": "o-1"},
		IdempotencyKey: "idem-1",
		LogicalTurnID:  "lt-1",
		SessionKey:     "sess:t1:a1:i1:web",
		TenantID:       "t1",
		AgentID:        "a1",
	}
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	emitter := &recordingEmitter{}
	exec := NewExecutor(ExecutorOptions{Emitter: emitter, Ledger: NewMemLedger()})
	require.NoError(t, exec.Register(Registration{
		Name:   "orders.refund",
		Policy: PolicyReversible,
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"refunded": args["order_id"]}, nil
		},
	}))

	res, err := exec.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "o-1", res.Output["refunded"])
	assert.Equal(t, []event.Type{event.ToolAuthorized, event.ToolExecuted}, emitter.types())
}

func TestIrreversibleSuccessReachesCommit(t *testing.T) {
	emitter := &recordingEmitter{}
	ledger := NewMemLedger()
	exec := NewExecutor(ExecutorOptions{Emitter: emitter, Ledger: ledger})
	require.NoError(t, exec.Register(Registration{
		Name:   "orders.refund",
		Policy: PolicyIrreversible,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	_, err := exec.Execute(context.Background(), request())
	require.NoError(t, err)

	committed, err := ledger.Committed(context.Background(), "lt-1")
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, []event.Type{event.ToolAuthorized, event.ToolExecuted, event.CommitReached}, emitter.types())
}

func TestIrreversibleReplayReturnsCachedResult(t *testing.T) {
	calls := 0
	exec := NewExecutor(ExecutorOptions{Emitter: &recordingEmitter{}, Ledger: NewMemLedger()})
	require.NoError(t, exec.Register(Registration{
		Name:   "orders.refund",
		Policy: PolicyIrreversible,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"call": calls}, nil
		},
	}))

	first, err := exec.Execute(context.Background(), request())
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), request())
	require.NoError(t, err)

	// The effect ran once; the replay observed the recorded result.
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestIrreversibleRequiresIdempotencyKey(t *testing.T) {
	exec := NewExecutor(ExecutorOptions{Emitter: &recordingEmitter{}, Ledger: NewMemLedger()})
	require.NoError(t, exec.Register(Registration{
		Name:   "orders.refund",
		Policy: PolicyIrreversible,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}))
	req := request()
	req.IdempotencyKey = ""
	_, err := exec.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrMissingIdempotencyKey)
}

func TestFailureEmitsToolFailed(t *testing.T) {
	emitter := &recordingEmitter{}
	ledger := NewMemLedger()
	exec := NewExecutor(ExecutorOptions{Emitter: emitter, Ledger: ledger})
	require.NoError(t, exec.Register(Registration{
		Name:   "orders.refund",
		Policy: PolicyIrreversible,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("provider down")
		},
	}))

	_, err := exec.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, []event.Type{event.ToolAuthorized, event.ToolFailed}, emitter.types())

	// A failed irreversible tool must not mark the commit point.
	committed, err := ledger.Committed(context.Background(), "lt-1")
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestUnknownToolAndDuplicateRegistration(t *testing.T) {
	exec := NewExecutor(ExecutorOptions{})
	_, err := exec.Execute(context.Background(), request())
	require.ErrorIs(t, err, ErrUnknownTool)

	reg := Registration{
		Name:   "x",
		Policy: PolicyNone,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}
	require.NoError(t, exec.Register(reg))
	require.Error(t, exec.Register(reg))
	require.Error(t, exec.Register(Registration{Name: "y", Policy: "sometimes", Handler: reg.Handler}))
}
