package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

const (
	deliverActivityName   = "webhook.deliver"
	exhaustedActivityName = "webhook.exhausted"
)

type (
	// Deliverer owns the delivery workflow and its activities: the signed
	// HTTP POST, per-attempt bookkeeping, and the exhaustion path that
	// disables subscriptions past the failure threshold.
	Deliverer struct {
		subs       SubscriptionStore
		deliveries DeliveryStore
		cfg        config.WebhookConfig
		httpClient *http.Client
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		// now is injectable for signature tests.
		now func() time.Time

		// onDisabled, when set, is invoked after a subscription is
		// auto-disabled; wired to operator alerting.
		onDisabled func(ctx context.Context, sub Subscription)
	}

	// DelivererOptions configures a Deliverer.
	DelivererOptions struct {
		Subscriptions SubscriptionStore
		Deliveries    DeliveryStore
		Config        config.WebhookConfig
		// HTTPClient defaults to a client with the configured timeout.
		HTTPClient *http.Client
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		// Now overrides the signing clock; tests only.
		Now func() time.Time
		// OnDisabled is invoked after automatic disabling.
		OnDisabled func(ctx context.Context, sub Subscription)
	}

	// attemptOutcome is the deliver activity result.
	attemptOutcome struct {
		Delivered      bool  `json:"delivered"`
		Permanent      bool  `json:"permanent"`
		StatusCode     int   `json:"status_code,omitempty"`
		ResponseTimeMs int64 `json:"response_time_ms,omitempty"`
	}
)

// errPermanent marks 4xx rejections; surfaced to callers as a failed
// workflow without retries.
var errPermanent = errors.New("webhook delivery rejected")

// NewDeliverer constructs a Deliverer.
func NewDeliverer(opts DelivererOptions) *Deliverer {
	cfg := opts.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.Default().Webhooks.Timeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Deliverer{
		subs:       opts.Subscriptions,
		deliveries: opts.Deliveries,
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		now:        now,
		onDisabled: opts.OnDisabled,
	}
}

// Register installs the delivery workflow and activities on the engine.
func (d *Deliverer) Register(ctx context.Context, eng engine.Engine, taskQueue string) error {
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      DeliveryWorkflowName,
		TaskQueue: taskQueue,
		Handler:   d.workflow,
	}); err != nil {
		return err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    deliverActivityName,
		Handler: d.deliverActivity,
		Options: engine.ActivityOptions{Queue: taskQueue, Timeout: d.cfg.Timeout + 5*time.Second},
	}); err != nil {
		return err
	}
	return eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    exhaustedActivityName,
		Handler: d.exhaustedActivity,
		Options: engine.ActivityOptions{Queue: taskQueue, Timeout: 10 * time.Second},
	})
}

// workflow is the durable delivery body: one deliver activity retried with
// exponential backoff, and the exhaustion activity on final failure.
func (d *Deliverer) workflow(wf engine.WorkflowContext, input any) (any, error) {
	in, err := engine.Decode[deliveryInput](input)
	if err != nil {
		return nil, err
	}
	ctx := wf.Context()

	retry := engine.RetryPolicy{
		MaxAttempts:        d.cfg.MaxRetries,
		InitialInterval:    d.cfg.InitialBackoff,
		BackoffCoefficient: d.cfg.BackoffFactor,
		MaxInterval:        d.cfg.MaxBackoff,
	}

	var out attemptOutcome
	actErr := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:        deliverActivityName,
		Input:       in,
		RetryPolicy: retry,
	}, &out)

	switch {
	case actErr == nil && out.Delivered:
		return &out, nil
	case actErr == nil && out.Permanent:
		// 4xx: no retries; the endpoint rejected the payload.
		d.runExhausted(wf, in, fmt.Sprintf("endpoint returned %d", out.StatusCode))
		return &out, fmt.Errorf("%w: status %d", errPermanent, out.StatusCode)
	default:
		d.runExhausted(wf, in, errString(actErr))
		return nil, fmt.Errorf("webhook delivery exhausted: %w", actErr)
	}
}

func (d *Deliverer) runExhausted(wf engine.WorkflowContext, in *deliveryInput, reason string) {
	// Detached: the bookkeeping must run even when the workflow is being
	// cancelled or failed.
	dwf := wf.Detached()
	payload := struct {
		DeliveryID     string `json:"delivery_id"`
		SubscriptionID string `json:"subscription_id"`
		Reason         string `json:"reason"`
	}{in.DeliveryID, in.SubscriptionID, reason}
	var ignored struct{}
	if err := dwf.ExecuteActivity(dwf.Context(), engine.ActivityRequest{
		Name:  exhaustedActivityName,
		Input: &payload,
	}, &ignored); err != nil {
		wf.Logger().Error(wf.Context(), "webhook exhaustion bookkeeping failed", "delivery", in.DeliveryID, "err", err)
	}
}

// deliverActivity performs one signed POST attempt.
func (d *Deliverer) deliverActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[deliveryInput](input)
	if err != nil {
		return nil, err
	}
	sub, err := d.subs.Get(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionDisabled || sub.Status == SubscriptionPaused {
		// Subscription state changed under the queued delivery; drop it.
		return &attemptOutcome{Permanent: true}, nil
	}
	if d.cfg.RequireHTTPS && !strings.HasPrefix(sub.URL, "https://") {
		return &attemptOutcome{Permanent: true}, d.record(ctx, in, DeliveryFailed, 0, 0, ErrInsecureURL.Error())
	}

	body, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, err
	}
	ts := d.now().UTC().Unix()
	signature := Sign(sub.Secret, ts, body)

	timeout := d.cfg.Timeout
	if sub.TimeoutMs > 0 {
		timeout = time.Duration(sub.TimeoutMs) * time.Millisecond
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderDeliveryID, in.DeliveryID)
	req.Header.Set(HeaderEventType, in.Payload.EventType)

	_ = d.record(ctx, in, DeliveryInFlight, 0, 0, "")
	start := time.Now()
	resp, err := d.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		d.metrics.IncCounter("acf_webhook_attempt_errors_total", 1, "kind", "network")
		_ = d.record(ctx, in, DeliveryPending, 0, elapsed.Milliseconds(), err.Error())
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	d.metrics.RecordTimer("acf_webhook_attempt_duration", elapsed, "status", fmt.Sprintf("%d", resp.StatusCode))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.subs.RecordSuccess(ctx, sub.ID, d.now().UTC()); err != nil {
			d.logger.Warn(ctx, "record webhook success failed", "subscription", sub.ID, "err", err)
		}
		if err := d.record(ctx, in, DeliveryDelivered, resp.StatusCode, elapsed.Milliseconds(), ""); err != nil {
			d.logger.Warn(ctx, "record delivery failed", "delivery", in.DeliveryID, "err", err)
		}
		return &attemptOutcome{Delivered: true, StatusCode: resp.StatusCode, ResponseTimeMs: elapsed.Milliseconds()}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		_ = d.record(ctx, in, DeliveryFailed, resp.StatusCode, elapsed.Milliseconds(), resp.Status)
		return &attemptOutcome{Permanent: true, StatusCode: resp.StatusCode, ResponseTimeMs: elapsed.Milliseconds()}, nil
	default:
		_ = d.record(ctx, in, DeliveryPending, resp.StatusCode, elapsed.Milliseconds(), resp.Status)
		return nil, fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
}

// exhaustedActivity runs once per failed delivery workflow: it marks the
// delivery exhausted, bumps the subscription failure counter, and disables
// the subscription past the threshold.
func (d *Deliverer) exhaustedActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[struct {
		DeliveryID     string `json:"delivery_id"`
		SubscriptionID string `json:"subscription_id"`
		Reason         string `json:"reason"`
	}](input)
	if err != nil {
		return nil, err
	}
	if d.deliveries != nil {
		if del, derr := d.deliveries.Get(ctx, in.DeliveryID); derr == nil {
			del.Status = DeliveryExhausted
			del.LastError = in.Reason
			_ = d.deliveries.Put(ctx, del)
		}
	}
	failures, err := d.subs.RecordFailure(ctx, in.SubscriptionID, d.now().UTC())
	if err != nil {
		return nil, err
	}
	threshold := d.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = config.Default().Webhooks.FailureThreshold
	}
	if failures >= threshold {
		if err := d.subs.SetStatus(ctx, in.SubscriptionID, SubscriptionDisabled); err != nil {
			return nil, err
		}
		d.metrics.IncCounter("acf_webhook_subscription_disabled_total", 1)
		d.logger.Error(ctx, "webhook subscription auto-disabled",
			"subscription", in.SubscriptionID, "consecutive_failures", failures)
		if d.onDisabled != nil {
			if sub, serr := d.subs.Get(ctx, in.SubscriptionID); serr == nil {
				d.onDisabled(ctx, sub)
			}
		}
	}
	return &struct{}{}, nil
}

// record updates the delivery ledger; attempts are best-effort.
func (d *Deliverer) record(ctx context.Context, in *deliveryInput, status DeliveryStatus, code int, ms int64, lastErr string) error {
	if d.deliveries == nil {
		return nil
	}
	del, err := d.deliveries.Get(ctx, in.DeliveryID)
	if err != nil {
		del = Delivery{
			ID:             in.DeliveryID,
			SubscriptionID: in.SubscriptionID,
			EventID:        in.Payload.EventID,
			EventType:      in.Payload.EventType,
		}
	}
	del.Status = status
	if status == DeliveryInFlight {
		del.AttemptCount++
	}
	if code != 0 {
		del.ResponseStatusCode = code
	}
	if ms != 0 {
		del.ResponseTimeMs = ms
	}
	if lastErr != "" {
		del.LastError = lastErr
	}
	return d.deliveries.Put(ctx, del)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
