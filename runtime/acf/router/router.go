// Package router implements the event fan-out at the heart of the fabric.
// Emit is non-blocking from the caller's perspective except for the durable
// audit append of turn, tool, and commit events, which must land before the
// emitting turn can be marked committed.
//
// Delivery targets, in order: AuditStore (durable for turn/tool/commit,
// queued otherwise), metrics, live-stream sinks (best-effort), and the
// webhook dispatcher (asynchronous).
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/audit"
	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/stream"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Dispatcher receives events for webhook matching. Implementations must
	// return quickly; delivery happens on the orchestrator.
	Dispatcher interface {
		Dispatch(ctx context.Context, evt event.Event)
	}

	// Options configures a Router.
	Options struct {
		// Audit is required; events are not emittable without durable audit.
		Audit audit.Store
		// Config bounds payload size and per-tenant emission. Zero fields
		// fall back to config.DefaultRouter values.
		Config config.RouterConfig
		// Dispatcher is optional; nil disables webhook fan-out.
		Dispatcher Dispatcher
		// QueueSize bounds the async delivery queue. Defaults to 1024.
		QueueSize int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Router fans fabric events out to audit, metrics, live streams, and
	// webhooks. Safe for concurrent use.
	Router struct {
		auditStore audit.Store
		cfg        config.RouterConfig
		dispatcher Dispatcher
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu       sync.RWMutex
		sinks    []sinkRegistration
		limiters map[acf.TenantID]*rate.Limiter

		queue chan event.Event
		done  chan struct{}
		wg    sync.WaitGroup
	}

	sinkRegistration struct {
		sink    stream.Sink
		profile stream.Profile
	}
)

// New constructs a Router and starts its async delivery worker.
func New(opts Options) *Router {
	cfg := opts.Config
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = config.DefaultRouter().MaxPayloadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Router{
		auditStore: opts.Audit,
		cfg:        cfg,
		dispatcher: opts.Dispatcher,
		logger:     logger,
		metrics:    metrics,
		limiters:   make(map[acf.TenantID]*rate.Limiter),
		queue:      make(chan event.Event, queueSize),
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.deliverLoop()
	return r
}

// AddSink registers a live-stream sink with a delivery profile.
func (r *Router) AddSink(s stream.Sink, profile stream.Profile) {
	r.mu.Lock()
	r.sinks = append(r.sinks, sinkRegistration{sink: s, profile: profile})
	r.mu.Unlock()
}

// Emit routes one event. Durable categories (turn, tool, commit) are
// appended to the audit store before Emit returns; the returned error is
// non-nil only when that durable append fails. All other fan-out is
// asynchronous and best-effort.
//
// The per-tenant rate cap applies to the asynchronous fan-out only: audit
// durability is never traded for back-pressure. Dropped emissions increment
// the router.drop metric and log at warn severity.
func (r *Router) Emit(ctx context.Context, evt event.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt = r.truncate(ctx, evt)

	r.metrics.IncCounter("acf_events_total", 1, "type", string(evt.Type), "tenant", string(evt.TenantID))

	cat := evt.Type.Category()
	durable := cat == event.CategoryTurn || cat == event.CategoryTool || cat == event.CategoryCommit
	if durable {
		if err := r.auditStore.Append(ctx, evt); err != nil {
			r.metrics.IncCounter("acf_audit_append_errors_total", 1, "type", string(evt.Type))
			return err
		}
	}

	if !r.allow(evt.TenantID) {
		r.metrics.IncCounter("router.drop", 1, "tenant", string(evt.TenantID), "reason", "rate")
		r.logger.Warn(ctx, "event fan-out dropped by tenant rate cap", "tenant", evt.TenantID, "type", evt.Type)
		return nil
	}

	select {
	case r.queue <- evt:
	default:
		r.metrics.IncCounter("router.drop", 1, "tenant", string(evt.TenantID), "reason", "queue_full")
		r.logger.Warn(ctx, "event fan-out dropped, queue full", "tenant", evt.TenantID, "type", evt.Type)
	}
	return nil
}

// Close drains the async queue and stops the worker.
func (r *Router) Close(ctx context.Context) error {
	close(r.done)
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) deliverLoop() {
	defer r.wg.Done()
	for {
		select {
		case evt := <-r.queue:
			r.deliver(evt)
		case <-r.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case evt := <-r.queue:
					r.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) deliver(evt event.Event) {
	ctx := context.Background()

	cat := evt.Type.Category()
	durable := cat == event.CategoryTurn || cat == event.CategoryTool || cat == event.CategoryCommit
	if !durable {
		if err := r.auditStore.Append(ctx, evt); err != nil {
			r.metrics.IncCounter("acf_audit_append_errors_total", 1, "type", string(evt.Type))
			r.logger.Warn(ctx, "async audit append failed", "type", evt.Type, "err", err)
		}
	}

	r.mu.RLock()
	sinks := make([]sinkRegistration, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()
	for _, reg := range sinks {
		if !reg.profile.Wants(cat) {
			continue
		}
		if err := reg.sink.Send(ctx, stream.FromEvent(evt)); err != nil {
			r.metrics.IncCounter("acf_stream_send_errors_total", 1, "type", string(evt.Type))
			r.logger.Warn(ctx, "live stream send failed", "type", evt.Type, "err", err)
		}
	}

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, evt)
	}
}

// allow applies the per-tenant token bucket. Zero rate disables the cap.
func (r *Router) allow(tenant acf.TenantID) bool {
	if r.cfg.TenantEventsPerSecond <= 0 || tenant == "" {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[tenant]
	if !ok {
		burst := r.cfg.TenantBurst
		if burst <= 0 {
			burst = int(r.cfg.TenantEventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(r.cfg.TenantEventsPerSecond), burst)
		r.limiters[tenant] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// truncate replaces payloads above the configured cap with a stub carrying
// the original size, and flags the event.
func (r *Router) truncate(ctx context.Context, evt event.Event) event.Event {
	if len(evt.Payload) == 0 {
		return evt
	}
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		r.logger.Warn(ctx, "event payload not serializable, dropping payload", "type", evt.Type, "err", err)
		evt.Payload = nil
		evt.PayloadTruncated = true
		return evt
	}
	if len(raw) <= r.cfg.MaxPayloadBytes {
		return evt
	}
	evt.Payload = map[string]any{"original_size_bytes": len(raw)}
	evt.PayloadTruncated = true
	r.metrics.IncCounter("acf_event_payload_truncated_total", 1, "type", string(evt.Type))
	return evt
}
