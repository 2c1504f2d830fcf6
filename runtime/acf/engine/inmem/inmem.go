// Package inmem provides an in-memory implementation of the workflow
// engine for tests and local development. It honors the engine contract
// (per-ID single-in-flight execution, ordered signal delivery, activity
// retries, cancellation) but is not deterministic or replay-safe and must
// not be used for production workloads.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Engine is a process-local engine.Engine.
	Engine struct {
		mu         sync.Mutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		running    map[string]*execution

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	execution struct {
		eng    *Engine
		id     string
		runID  string
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
		result any
		err    error

		mu        sync.Mutex
		signals   map[string]*signalQueue
		bufferMap map[string]*signalBuffer
		// notify wakes Await loops when signals or state change.
		notify chan struct{}
	}

	wfCtx struct {
		exec *execution
		// ctx is this scope's context; WithCancel derives children.
		ctx    context.Context
		cancel context.CancelFunc
	}

	signalQueue struct {
		exec *execution
		name string
	}

	future struct {
		done   chan struct{}
		result any
		err    error
	}
)

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		running:    make(map[string]*execution),
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(l telemetry.Logger) { e.logger = l }

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements engine.Engine.
func (e *Engine) StartWorkflow(_ context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(req)
}

// SignalWithStart implements engine.Engine.
func (e *Engine) SignalWithStart(_ context.Context, req engine.SignalStartRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.running[req.ID]
	if !ok {
		var err error
		exec, err = e.startExecLocked(engine.WorkflowStartRequest{
			ID:       req.ID,
			Workflow: req.Workflow,
			Input:    req.StartInput,
		})
		if err != nil {
			return err
		}
	}
	exec.enqueueSignal(req.SignalName, req.SignalPayload)
	return nil
}

// SignalWorkflow implements engine.Engine.
func (e *Engine) SignalWorkflow(_ context.Context, workflowID, name string, payload any) error {
	e.mu.Lock()
	exec, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return engine.ErrNotRunning
	}
	exec.enqueueSignal(name, payload)
	return nil
}

// CancelWorkflow implements engine.Engine.
func (e *Engine) CancelWorkflow(_ context.Context, workflowID string) error {
	e.mu.Lock()
	exec, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return engine.ErrNotRunning
	}
	exec.cancel()
	return nil
}

func (e *Engine) startLocked(req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	exec, err := e.startExecLocked(req)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *Engine) startExecLocked(req engine.WorkflowStartRequest) (*execution, error) {
	if req.ID == "" || req.Workflow == "" {
		return nil, errors.New("workflow id and name are required")
	}
	if _, running := e.running[req.ID]; running {
		return nil, engine.ErrAlreadyRunning
	}
	def, ok := e.workflows[req.Workflow]
	if !ok {
		return nil, fmt.Errorf("workflow %q is not registered", req.Workflow)
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), req.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	exec := &execution{
		eng:     e,
		id:      req.ID,
		runID:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		signals: make(map[string]*signalQueue),
		notify:  make(chan struct{}, 1),
	}
	e.running[req.ID] = exec

	go func() {
		defer func() {
			e.mu.Lock()
			if cur, ok := e.running[req.ID]; ok && cur == exec {
				delete(e.running, req.ID)
			}
			e.mu.Unlock()
			close(exec.done)
			cancel()
		}()
		wf := &wfCtx{exec: exec, ctx: ctx}
		out, err := def.Handler(wf, req.Input)
		exec.result, exec.err = out, normalizeErr(err)
	}()
	return exec, nil
}

func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return engine.ErrCanceled
	}
	return err
}

// --- execution as WorkflowHandle ---

func (x *execution) Wait(ctx context.Context, result any) error {
	select {
	case <-x.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if x.err != nil {
		return x.err
	}
	if result == nil || x.result == nil {
		return nil
	}
	return assign(x.result, result)
}

func (x *execution) Signal(_ context.Context, name string, payload any) error {
	select {
	case <-x.done:
		return engine.ErrNotRunning
	default:
	}
	x.enqueueSignal(name, payload)
	return nil
}

func (x *execution) Cancel(context.Context) error {
	x.cancel()
	return nil
}

func (x *execution) enqueueSignal(name string, payload any) {
	x.mu.Lock()
	b := x.buffers(name)
	b.values = append(b.values, payload)
	x.mu.Unlock()
	x.wake()
}

func (x *execution) wake() {
	select {
	case x.notify <- struct{}{}:
	default:
	}
}

// --- workflow context ---

func (w *wfCtx) Context() context.Context { return w.ctx }
func (w *wfCtx) WorkflowID() string       { return w.exec.id }
func (w *wfCtx) RunID() string            { return w.exec.runID }
func (w *wfCtx) Now() time.Time           { return time.Now() }
func (w *wfCtx) NewUUID() string          { return uuid.NewString() }

func (w *wfCtx) Logger() telemetry.Logger   { return w.exec.eng.logger }
func (w *wfCtx) Metrics() telemetry.Metrics { return w.exec.eng.metrics }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *wfCtx) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	w.exec.eng.mu.Lock()
	def, ok := w.exec.eng.activities[req.Name]
	w.exec.eng.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("activity %q is not registered", req.Name)
	}
	policy := def.Options.RetryPolicy
	if !req.RetryPolicy.IsZero() {
		policy = req.RetryPolicy
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = def.Options.Timeout
	}
	fut := &future{done: make(chan struct{})}
	go func() {
		defer close(fut.done)
		defer w.exec.wake()
		fut.result, fut.err = runWithRetry(w.ctx, def.Handler, req.Input, policy, timeout)
	}()
	return fut, nil
}

func runWithRetry(ctx context.Context, handler engine.ActivityFunc, input any, policy engine.RetryPolicy, timeout time.Duration) (any, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.InitialInterval
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		actx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := handler(actx, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, normalizeErr(err)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, normalizeErr(ctx.Err())
		}
		if policy.BackoffCoefficient > 1 {
			delay = time.Duration(float64(delay) * policy.BackoffCoefficient)
		}
		if policy.MaxInterval > 0 && delay > policy.MaxInterval {
			delay = policy.MaxInterval
		}
	}
	return nil, lastErr
}

func (w *wfCtx) SignalChannel(name string) engine.SignalChannel {
	w.exec.mu.Lock()
	defer w.exec.mu.Unlock()
	return w.exec.queueLocked(name)
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	for {
		if condition() {
			return nil
		}
		select {
		case <-w.exec.notify:
		case <-time.After(5 * time.Millisecond):
		case <-w.ctx.Done():
			return normalizeErr(w.ctx.Err())
		case <-ctx.Done():
			return normalizeErr(ctx.Err())
		}
	}
}

func (w *wfCtx) AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := 5 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-w.exec.notify:
		case <-time.After(wait):
		case <-w.ctx.Done():
			return false, normalizeErr(w.ctx.Err())
		case <-ctx.Done():
			return false, normalizeErr(ctx.Err())
		}
	}
}

func (w *wfCtx) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-w.ctx.Done():
		return normalizeErr(w.ctx.Err())
	case <-ctx.Done():
		return normalizeErr(ctx.Err())
	}
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	return &wfCtx{exec: w.exec, ctx: cctx, cancel: cancel}, cancel
}

func (w *wfCtx) Detached() engine.WorkflowContext {
	return &wfCtx{exec: w.exec, ctx: context.WithoutCancel(w.ctx)}
}

// --- futures ---

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return normalizeErr(ctx.Err())
	}
	if f.err != nil {
		return f.err
	}
	if result == nil || f.result == nil {
		return nil
	}
	return assign(f.result, result)
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// --- signal queues ---

// signalBuffer holds the payload slice for a named signal. Kept separate from
// signalQueue so the queue value handed to workflow code stays stable.
type signalBuffer struct {
	values []any
}

func (x *execution) queueLocked(name string) *signalQueue {
	if q, ok := x.signals[name]; ok {
		return q
	}
	q := &signalQueue{exec: x, name: name}
	x.signals[name] = q
	if x.bufferMap == nil {
		x.bufferMap = make(map[string]*signalBuffer)
	}
	x.bufferMap[name] = &signalBuffer{}
	return q
}

func (x *execution) buffers(name string) *signalBuffer {
	if x.bufferMap == nil {
		x.bufferMap = make(map[string]*signalBuffer)
	}
	b, ok := x.bufferMap[name]
	if !ok {
		b = &signalBuffer{}
		x.bufferMap[name] = b
	}
	return b
}

func (q *signalQueue) Receive(ctx context.Context, dest any) error {
	w := &wfCtx{exec: q.exec, ctx: q.exec.ctx}
	if err := w.Await(ctx, func() bool { return q.Len() > 0 }); err != nil {
		return err
	}
	if !q.ReceiveAsync(dest) {
		return errors.New("signal queue drained concurrently")
	}
	return nil
}

func (q *signalQueue) ReceiveAsync(dest any) bool {
	q.exec.mu.Lock()
	defer q.exec.mu.Unlock()
	b := q.exec.buffers(q.name)
	if len(b.values) == 0 {
		return false
	}
	v := b.values[0]
	b.values = b.values[1:]
	if dest == nil {
		return true
	}
	if err := assign(v, dest); err != nil {
		return false
	}
	return true
}

func (q *signalQueue) Len() int {
	q.exec.mu.Lock()
	defer q.exec.mu.Unlock()
	return len(q.exec.buffers(q.name).values)
}

// assign copies src into the pointer dest via a JSON round-trip, mirroring
// the data conversion a remote engine performs.
func assign(src, dest any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
