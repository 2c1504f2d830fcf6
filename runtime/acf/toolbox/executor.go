package toolbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Executor runs registered tools, emits tool events, and records commit
	// points. Safe for concurrent use.
	Executor struct {
		emitter event.Emitter
		ledger  Ledger
		logger  telemetry.Logger
		metrics telemetry.Metrics

		// defaultTimeout bounds tools that declare none.
		defaultTimeout time.Duration

		mu    sync.RWMutex
		tools map[string]Registration
		// seen caches irreversible results by (tool, idempotency key) so a
		// retried invocation returns the recorded result instead of
		// re-executing the effect.
		seen map[idemKey]Result
	}

	idemKey struct {
		tool string
		key  string
	}

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		Emitter event.Emitter
		Ledger  Ledger
		// DefaultTimeout applies to tools without a declared timeout.
		// Defaults to 15s.
		DefaultTimeout time.Duration
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
	}
)

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{
		emitter:        opts.Emitter,
		ledger:         opts.Ledger,
		logger:         logger,
		metrics:        metrics,
		defaultTimeout: timeout,
		tools:          make(map[string]Registration),
		seen:           make(map[idemKey]Result),
	}
}

// Register adds a tool. Returns an error on duplicate names or missing
// handlers.
func (e *Executor) Register(reg Registration) error {
	if reg.Name == "" || reg.Handler == nil {
		return fmt.Errorf("invalid tool registration %q", reg.Name)
	}
	switch reg.Policy {
	case PolicyNone, PolicyReversible, PolicyIrreversible:
	default:
		return fmt.Errorf("tool %q has unknown side-effect policy %q", reg.Name, reg.Policy)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tools[reg.Name]; dup {
		return fmt.Errorf("tool %q already registered", reg.Name)
	}
	e.tools[reg.Name] = reg
	return nil
}

// Execute runs one tool invocation. It emits tool.authorized before the
// handler, then tool.executed or tool.failed, and commit.reached when an
// irreversible tool succeeds. Retries of reversible and effect-free tools
// are the caller's concern; irreversible invocations are deduped by
// idempotency key and never re-run.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	reg, ok := e.tools[req.ToolID]
	e.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolID)
	}
	if reg.Policy == PolicyIrreversible && req.IdempotencyKey == "" {
		return Result{}, ErrMissingIdempotencyKey
	}

	if reg.Policy == PolicyIrreversible {
		e.mu.RLock()
		cached, hit := e.seen[idemKey{reg.Name, req.IdempotencyKey}]
		e.mu.RUnlock()
		if hit {
			return cached, nil
		}
	}

	e.emit(ctx, req.baseEvent(event.ToolAuthorized, req.eventPayload(reg)))

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	output, err := reg.Handler(tctx, req.Args)
	cancel()
	e.metrics.RecordTimer("acf_tool_duration", time.Since(start), "tool", reg.Name)

	if err != nil {
		res := Result{Status: StatusFailed, Error: err.Error(), Policy: reg.Policy}
		payload := req.eventPayload(reg)
		payload["error"] = err.Error()
		e.emit(ctx, req.baseEvent(event.ToolFailed, payload))
		e.metrics.IncCounter("acf_tool_failures_total", 1, "tool", reg.Name)
		return res, err
	}

	res := Result{Status: StatusOK, Output: output, Policy: reg.Policy}
	e.emit(ctx, req.baseEvent(event.ToolExecuted, req.eventPayload(reg)))

	if reg.Policy == PolicyIrreversible {
		if e.ledger != nil {
			if lerr := e.ledger.MarkCommitted(ctx, req.LogicalTurnID); lerr != nil {
				// The effect happened; losing the commit marker would let a
				// supersede cancel a committed turn. Fail loudly.
				return Result{}, fmt.Errorf("record commit point: %w", lerr)
			}
		}
		e.emit(ctx, req.baseEvent(event.CommitReached, map[string]any{
			"tool_name":       reg.Name,
			"idempotency_key": req.IdempotencyKey,
		}))
		e.mu.Lock()
		e.seen[idemKey{reg.Name, req.IdempotencyKey}] = res
		e.mu.Unlock()
	}
	return res, nil
}

func (e *Executor) emit(ctx context.Context, evt event.Event) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, evt); err != nil {
		e.logger.Warn(ctx, "tool event emit failed", "type", evt.Type, "err", err)
	}
}
