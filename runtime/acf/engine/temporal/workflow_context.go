// This file defines the Temporal-backed implementation of
// engine.WorkflowContext.
//
// Contract:
//   - Activity option defaults are resolved by name and merged with
//     per-call overrides.
//   - Temporal cancellation errors are normalized to engine.ErrCanceled so
//     fabric-wide classification does not depend on Temporal types.
//   - Now, NewUUID, timers, and Await are replay-safe.
package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	workflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
	}

	temporalFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	temporalSignalChannel struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}
)

// NewWorkflowContext adapts a Temporal workflow.Context into the fabric's
// engine.WorkflowContext. Intended for workflows that run in the same
// worker but are not started through this engine.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newWorkflowContext(e, ctx)
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) || errors.Is(err, context.Canceled) {
		return engine.ErrCanceled
	}
	return err
}

func (w *workflowContext) Context() context.Context {
	// Temporal workflow contexts are not context.Context; expose a plain
	// background-derived context for cancellation-free plumbing. Activity
	// scheduling goes through the workflow context held by w.
	return context.Background()
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }
func (w *workflowContext) RunID() string      { return w.runID }

func (w *workflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	if req.Name == "" {
		return nil, errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &temporalSignalChannel{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, name),
	}
}

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return normalizeError(workflow.Await(w.ctx, condition))
}

func (w *workflowContext) AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error) {
	if condition == nil {
		return false, errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := workflow.AwaitWithTimeout(w.ctx, timeout, condition)
	return ok, normalizeError(err)
}

func (w *workflowContext) Sleep(_ context.Context, d time.Duration) error {
	return normalizeError(workflow.Sleep(w.ctx, d))
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) NewUUID() string {
	// SideEffect keeps the generated value stable across replays.
	var id string
	encoded := workflow.SideEffect(w.ctx, func(workflow.Context) any {
		return uuid.NewString()
	})
	if err := encoded.Get(&id); err != nil {
		return ""
	}
	return id
}

func (w *workflowContext) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := workflow.WithCancel(w.ctx)
	return &workflowContext{
		engine:     w.engine,
		ctx:        cctx,
		workflowID: w.workflowID,
		runID:      w.runID,
	}, func() { cancel() }
}

func (w *workflowContext) Detached() engine.WorkflowContext {
	dctx, _ := workflow.NewDisconnectedContext(w.ctx)
	return &workflowContext{
		engine:     w.engine,
		ctx:        dctx,
		workflowID: w.workflowID,
		runID:      w.runID,
	}
}

func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }

func (w *workflowContext) activityOptionsFor(req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(req.Name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}
	retry := defaults.RetryPolicy
	if !req.RetryPolicy.IsZero() {
		retry = req.RetryPolicy
	}

	return workflow.ActivityOptions{
		// Bound both queue wait and execution so deadline handling stays
		// deterministic even when workers are unavailable.
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
		WaitForCancellation:    true,
	}
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.IsZero() {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	if r.MaxInterval > 0 {
		policy.MaximumInterval = r.MaxInterval
	}
	if len(r.NonRetryableErrors) > 0 {
		policy.NonRetryableErrorTypes = r.NonRetryableErrors
	}
	return policy
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	return normalizeError(f.future.Get(f.ctx, result))
}

func (f *temporalFuture) IsReady() bool {
	return f.future.IsReady()
}

func (c *temporalSignalChannel) Receive(ctx context.Context, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ch.Receive(c.ctx, dest)
	return nil
}

func (c *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return c.ch.ReceiveAsync(dest)
}

func (c *temporalSignalChannel) Len() int {
	return c.ch.Len()
}
