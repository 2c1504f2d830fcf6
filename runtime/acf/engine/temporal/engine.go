package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Options configures the Temporal engine adapter. Either a
	// pre-configured Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil,
		// the adapter creates a lazy client from ClientOptions and installs
		// OTEL interceptors automatically.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options

		// TaskQueue is the default queue used when definitions omit one.
		// Required.
		TaskQueue string

		// WorkerOptions are forwarded to worker.New for every queue.
		WorkerOptions worker.Options

		// DisableTracing skips the OTEL tracing interceptor.
		DisableTracing bool
		// DisableMetrics skips the OTEL metrics handler.
		DisableMetrics bool

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Engine implements engine.Engine on Temporal. One worker is created
	// per unique task queue; workers start on the first workflow execution
	// unless started explicitly via Start.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue string
		workerOpts   worker.Options

		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu             sync.Mutex
		workers        map[string]*workerBundle
		workersStarted bool
		workflows      map[string]engine.WorkflowDefinition
		activityOpts   map[string]engine.ActivityOptions
	}

	workerBundle struct {
		queue     string
		worker    worker.Worker
		logger    telemetry.Logger
		startOnce sync.Once
	}

	workflowHandle struct {
		run    client.WorkflowRun
		client client.Client
	}
)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: a default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if err := applyInstrumentation(&clientOpts, opts.DisableTracing, opts.DisableMetrics); err != nil {
			return nil, err
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}

	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   workerOpts,
		logger:       logger,
		metrics:      metrics,
		workers:      make(map[string]*workerBundle),
		workflows:    make(map[string]engine.WorkflowDefinition),
		activityOpts: make(map[string]engine.ActivityOptions),
	}, nil
}

func applyInstrumentation(opts *client.Options, disableTracing, disableMetrics bool) error {
	if !disableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		opts.Interceptors = append(opts.Interceptors, tracer)
	}
	if !disableMetrics && opts.MetricsHandler == nil {
		opts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	return nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	}, workflow.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterActivityWithOptions(func(actx context.Context, input any) (any, error) {
		return def.Handler(actx, input)
	}, activity.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	e.activityOpts[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow implements engine.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow name is required")
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		RetryPolicy:        convertRetryPolicy(req.RetryPolicy),
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, normalizeClientError(err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalWithStart implements engine.Engine. Temporal's SignalWithStart is
// the primitive behind per-session-key serialization: the workflow ID is
// the session key and queued signals are delivered in order to the single
// running execution.
func (e *Engine) SignalWithStart(ctx context.Context, req engine.SignalStartRequest) error {
	if req.ID == "" || req.Workflow == "" || req.SignalName == "" {
		return errors.New("temporal engine: id, workflow, and signal name are required")
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}
	_, err := e.client.SignalWithStartWorkflow(ctx, req.ID, req.SignalName, req.SignalPayload, opts, req.Workflow, req.StartInput)
	return normalizeClientError(err)
}

// SignalWorkflow implements engine.Engine.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload any) error {
	return normalizeClientError(e.client.SignalWorkflow(ctx, workflowID, "", name, payload))
}

// CancelWorkflow implements engine.Engine.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	return normalizeClientError(e.client.CancelWorkflow(ctx, workflowID, ""))
}

// Start launches all registered workers. Optional: workers auto-start on
// the first workflow execution.
func (e *Engine) Start() {
	e.ensureWorkersStarted()
}

// Stop gracefully stops all workers.
func (e *Engine) Stop() {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.worker.Stop()
	}
}

// Close shuts down the Temporal client when the engine created it.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOpts[name]
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func normalizeClientError(err error) error {
	if err == nil {
		return nil
	}
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		return engine.ErrAlreadyRunning
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrNotRunning
	}
	return err
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return normalizeError(h.run.Get(ctx, result))
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return normalizeClientError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return normalizeClientError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}
