package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf/engine"
)

// registerEchoWorkflow registers the "echo" workflow, which drains its
// signal channel until "stop" arrives and returns the received strings in
// order.
func registerEchoWorkflow(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "echo",
		Handler: func(wf engine.WorkflowContext, _ any) (any, error) {
			ch := wf.SignalChannel("msg")
			var out []string
			for {
				var v string
				if err := ch.Receive(wf.Context(), &v); err != nil {
					return nil, err
				}
				if v == "stop" {
					return out, nil
				}
				out = append(out, v)
			}
		},
	}))
}

func TestSignalWithStartStartsOnce(t *testing.T) {
	e := New()
	registerEchoWorkflow(t, e)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "stop"} {
		require.NoError(t, e.SignalWithStart(ctx, engine.SignalStartRequest{
			ID:            "wf-1",
			Workflow:      "echo",
			SignalName:    "msg",
			SignalPayload: v,
		}))
	}

	// Only one execution ran; signals arrived in send order.
	require.Eventually(t, func() bool {
		err := e.SignalWorkflow(ctx, "wf-1", "msg", "late")
		return errors.Is(err, engine.ErrNotRunning)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartWorkflowConflicts(t *testing.T) {
	e := New()
	registerEchoWorkflow(t, e)
	ctx := context.Background()

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-1", Workflow: "echo"})
	require.NoError(t, err)

	_, err = e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-1", Workflow: "echo"})
	require.ErrorIs(t, err, engine.ErrAlreadyRunning)

	require.NoError(t, h.Signal(ctx, "msg", "x"))
	require.NoError(t, h.Signal(ctx, "msg", "stop"))

	var out []string
	require.NoError(t, h.Wait(ctx, &out))
	assert.Equal(t, []string{"x"}, out)
}

func TestCancelPropagates(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "block",
		Handler: func(wf engine.WorkflowContext, _ any) (any, error) {
			<-wf.Context().Done()
			return nil, wf.Context().Err()
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf-1", Workflow: "block"})
	require.NoError(t, err)
	require.NoError(t, e.CancelWorkflow(context.Background(), "wf-1"))

	err = h.Wait(context.Background(), nil)
	require.ErrorIs(t, err, engine.ErrCanceled)
}

func TestActivityRetryPolicy(t *testing.T) {
	e := New()
	var mu sync.Mutex
	attempts := 0
	require.NoError(t, e.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: "flaky",
		Handler: func(context.Context, any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "done", nil
		},
		Options: engine.ActivityOptions{
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, BackoffCoefficient: 2},
		},
	}))
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "runner",
		Handler: func(wf engine.WorkflowContext, _ any) (any, error) {
			var out string
			if err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{Name: "flaky"}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf-1", Workflow: "runner"})
	require.NoError(t, err)
	var out string
	require.NoError(t, h.Wait(context.Background(), &out))
	assert.Equal(t, "done", out)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestAwaitWithTimeout(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wf engine.WorkflowContext, _ any) (any, error) {
			ch := wf.SignalChannel("msg")
			got, err := wf.AwaitWithTimeout(wf.Context(), 80*time.Millisecond, func() bool { return ch.Len() > 0 })
			if err != nil {
				return nil, err
			}
			return got, nil
		},
	}))

	// Timeout path.
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf-1", Workflow: "waiter"})
	require.NoError(t, err)
	var got bool
	require.NoError(t, h.Wait(context.Background(), &got))
	assert.False(t, got)

	// Signal path.
	h, err = e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf-2", Workflow: "waiter"})
	require.NoError(t, err)
	require.NoError(t, h.Signal(context.Background(), "msg", "hi"))
	require.NoError(t, h.Wait(context.Background(), &got))
	assert.True(t, got)
}
