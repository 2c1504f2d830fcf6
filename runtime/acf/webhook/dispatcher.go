package webhook

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

// DeliveryWorkflowName is the workflow registered for webhook deliveries.
const DeliveryWorkflowName = "WebhookDeliveryWorkflow"

type (
	// Dispatcher matches events to subscriptions and enqueues delivery
	// workflows. Dispatch is fire-and-forget: it returns once deliveries
	// are submitted to the orchestrator.
	Dispatcher struct {
		subs    SubscriptionStore
		engine  engine.Engine
		queue   string
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		Subscriptions SubscriptionStore
		Engine        engine.Engine
		// TaskQueue routes delivery workflows; empty uses the engine
		// default.
		TaskQueue string
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// deliveryInput is the workflow input for one delivery.
	deliveryInput struct {
		DeliveryID     string  `json:"delivery_id"`
		SubscriptionID string  `json:"subscription_id"`
		Payload        Payload `json:"payload"`
	}
)

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{
		subs:    opts.Subscriptions,
		engine:  opts.Engine,
		queue:   opts.TaskQueue,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch implements the router's webhook fan-out. Matching is linear
// over the tenant's active subscriptions; each match submits one delivery
// workflow.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) {
	if evt.TenantID == "" {
		return
	}
	subs, err := d.subs.ListActive(ctx, evt.TenantID)
	if err != nil {
		d.logger.Warn(ctx, "subscription lookup failed", "tenant", evt.TenantID, "err", err)
		return
	}
	for _, sub := range subs {
		if !sub.MatchesAgent(evt.AgentID) {
			continue
		}
		if !evt.Type.MatchesAny(sub.EventPatterns) {
			continue
		}
		d.enqueue(ctx, sub, evt)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, sub Subscription, evt event.Event) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		d.logger.Warn(ctx, "event payload not serializable for webhook", "type", evt.Type, "err", err)
		raw = nil
	}
	deliveryID := uuid.NewString()
	in := deliveryInput{
		DeliveryID:     deliveryID,
		SubscriptionID: sub.ID,
		Payload: Payload{
			WebhookID:     uuid.NewString(),
			Timestamp:     evt.Timestamp.Unix(),
			EventType:     string(evt.Type),
			EventID:       evt.ID,
			TenantID:      evt.TenantID,
			AgentID:       evt.AgentID,
			SessionKey:    evt.SessionKey,
			LogicalTurnID: evt.LogicalTurnID,
			Payload:       raw,
			SchemaVersion: SchemaVersion,
		},
	}
	_, err = d.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        "webhook:" + deliveryID,
		Workflow:  DeliveryWorkflowName,
		TaskQueue: d.queue,
		Input:     &in,
	})
	if err != nil {
		d.metrics.IncCounter("acf_webhook_enqueue_errors_total", 1, "tenant", string(evt.TenantID))
		d.logger.Error(ctx, "webhook delivery enqueue failed", "subscription", sub.ID, "err", err)
		return
	}
	d.metrics.IncCounter("acf_webhook_enqueued_total", 1, "tenant", string(evt.TenantID))
}
