// Package engine defines the durable-orchestrator abstraction the fabric
// requires: per-key single-in-flight workflow execution with queued
// signals, cancellable activities, durable retries with backoff, and
// deterministic timers. Adapters translate these generic types into
// backend-specific primitives; Temporal and an in-memory engine ship with
// the fabric.
package engine

import (
	"context"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters can
	// be swapped without touching fabric code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Must be called
		// during initialization, before workers start. Returns an error on
		// duplicate names.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Activities are
		// the only place side effects happen; workflow bodies stay
		// deterministic.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a workflow execution. The ID must be
		// unique among running workflows; ErrAlreadyRunning otherwise.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWithStart delivers a signal to the workflow with the given
		// ID, starting it first when no execution is running. This is the
		// primitive that serializes turns per session key: the workflow ID
		// is the session key, and queued signals are delivered in order.
		SignalWithStart(ctx context.Context, req SignalStartRequest) error

		// SignalWorkflow delivers a signal to a running workflow. Returns
		// ErrNotRunning when no execution exists.
		SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error

		// CancelWorkflow requests cancellation of a running workflow.
		CancelWorkflow(ctx context.Context, workflowID string) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic:
	// given the same inputs and activity results it produces the same
	// execution sequence. All I/O goes through activities.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// ActivityDefinition registers an activity handler with defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation. Unlike workflows,
	// activities may perform side effects.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		// Timeout bounds a single activity attempt. Zero means the engine
		// default.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID        string
		Workflow  string
		TaskQueue string
		Input     any
		// RunTimeout bounds the whole execution; zero means unbounded.
		RunTimeout  time.Duration
		RetryPolicy RetryPolicy
	}

	// SignalStartRequest combines a signal with a workflow start. Start
	// fields are used only when no execution is running under ID.
	SignalStartRequest struct {
		ID            string
		Workflow      string
		TaskQueue     string
		StartInput    any
		SignalName    string
		SignalPayload any
	}

	// ActivityRequest schedules an activity from a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowContext exposes engine operations to workflow handlers inside
	// the deterministic execution environment. Implementations must ensure
	// replay safety: Now, NewUUID, timers, and signal receives must be
	// stable across replays. Direct I/O inside workflow bodies is a
	// determinism violation.
	WorkflowContext interface {
		// Context returns the Go context for the workflow, used for
		// cancellation propagation.
		Context() context.Context

		// WorkflowID returns the external identity of this execution (for
		// turn workflows, the session key).
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and waits for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking.
		// Execution errors surface via Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the given signal name.
		SignalChannel(name string) SignalChannel

		// Await blocks until the condition is true. The condition must be
		// side-effect free; it is re-evaluated whenever workflow state may
		// have changed.
		Await(ctx context.Context, condition func() bool) error

		// AwaitWithTimeout blocks until the condition is true or the
		// timeout elapses, returning false on timeout.
		AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error)

		// Sleep pauses the workflow for the duration using a durable timer.
		Sleep(ctx context.Context, d time.Duration) error

		// Now returns the deterministic workflow time.
		Now() time.Time

		// NewUUID returns a replay-stable UUID.
		NewUUID() string

		// WithCancel derives a context whose activities can be cancelled
		// without cancelling the whole workflow.
		WithCancel() (WorkflowContext, func())

		// Detached returns a context that survives workflow cancellation,
		// for cleanup activities that must run after a cancel.
		Detached() WorkflowContext

		// Logger returns a logger scoped to this execution.
		Logger() telemetry.Logger

		// Metrics returns a metrics recorder scoped to this execution.
		Metrics() telemetry.Metrics
	}

	// Future is a pending activity result.
	Future interface {
		// Get blocks until the activity completes and populates result.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get will not block.
		IsReady() bool
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way. Signals are delivered in send order.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync receives without blocking; false when empty.
		ReceiveAsync(dest any) bool
		// Len reports the number of buffered signals. Usable inside Await
		// conditions.
		Len() int
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean engine defaults.
	RetryPolicy struct {
		// MaxAttempts caps total attempts. Zero leaves the engine default:
		// unlimited on Temporal, a single attempt on the in-memory engine.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
		// MaxInterval caps the delay between retries.
		MaxInterval time.Duration
		// NonRetryableErrors lists error type tags that stop retries.
		NonRetryableErrors []string
	}
)

// IsZero reports whether the policy carries no overrides.
func (r RetryPolicy) IsZero() bool {
	return r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 &&
		r.MaxInterval == 0 && len(r.NonRetryableErrors) == 0
}
