// Package ingress accepts normalized message envelopes, resolves identity,
// derives session keys, and signals the session's turn workflow. Ingress
// is synchronous and trusted: tenant and agent are resolved upstream.
package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/identity"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
	"github.com/ruche-ai/fabric/runtime/acf/turn"
)

// Idempotency windows per message kind.
const (
	chatIdempotencyWindow     = 5 * time.Minute
	mutationIdempotencyWindow = time.Minute
)

type (
	// Cache deduplicates ingress submissions per (tenant, idempotency key).
	// The Redis implementation under features/ingress shares the window
	// across nodes; the in-memory one serves tests.
	Cache interface {
		// Get returns the turn ID recorded for the key, if present.
		Get(ctx context.Context, tenant acf.TenantID, key string) (string, bool, error)
		// Set records the turn ID for the key with the given window.
		Set(ctx context.Context, tenant acf.TenantID, key, turnID string, window time.Duration) error
	}

	// Result is the synchronous outcome of a submission.
	Result struct {
		Accepted bool `json:"accepted"`
		// LogicalTurnID correlates the submission with the turn it opens or
		// joins; duplicate submissions within the idempotency window return
		// the same value.
		LogicalTurnID string `json:"logical_turn_id"`
		// Deduplicated reports that the result came from the idempotency
		// cache and no new dispatch happened.
		Deduplicated bool `json:"deduplicated,omitempty"`
	}

	// Options configures an Ingress.
	Options struct {
		Identity identity.Service
		Engine   engine.Engine
		Mailbox  turn.Mailbox
		// Cache is optional; nil disables idempotency handling.
		Cache Cache
		// Validator defaults to a zero Validator (size cap only).
		Validator *message.Validator
		// TaskQueue routes turn workflows; empty uses the engine default.
		TaskQueue string
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Ingress validates and dispatches envelopes.
	Ingress struct {
		identity  identity.Service
		engine    engine.Engine
		mailbox   turn.Mailbox
		cache     Cache
		validator *message.Validator
		queue     string
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// New constructs an Ingress.
func New(opts Options) (*Ingress, error) {
	switch {
	case opts.Identity == nil:
		return nil, errors.New("identity service is required")
	case opts.Engine == nil:
		return nil, errors.New("engine is required")
	case opts.Mailbox == nil:
		return nil, errors.New("mailbox is required")
	}
	validator := opts.Validator
	if validator == nil {
		validator = &message.Validator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Ingress{
		identity:  opts.Identity,
		engine:    opts.Engine,
		mailbox:   opts.Mailbox,
		cache:     opts.Cache,
		validator: validator,
		queue:     opts.TaskQueue,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Submit validates the envelope, resolves the interlocutor, derives the
// session key, and signals the session's turn workflow. Accepts regardless
// of whether a turn is currently running; the orchestrator queues the
// signal.
func (i *Ingress) Submit(ctx context.Context, env *message.RawMessage) (Result, error) {
	if err := i.validator.Validate(env); err != nil {
		i.metrics.IncCounter("acf_ingress_rejected_total", 1, "code", string(acf.CodeOf(err)))
		return Result{}, err
	}

	if i.cache != nil && env.IdempotencyKey != "" {
		if turnID, hit, err := i.cache.Get(ctx, env.TenantID, env.IdempotencyKey); err != nil {
			i.logger.Warn(ctx, "idempotency cache read failed", "err", err)
		} else if hit {
			i.metrics.IncCounter("acf_ingress_deduplicated_total", 1, "tenant", string(env.TenantID))
			return Result{Accepted: true, LogicalTurnID: turnID, Deduplicated: true}, nil
		}
	}

	interlocutorID, _, err := i.identity.ResolveOrCreate(ctx, env.TenantID, env.AgentID, env.Channel, env.ChannelUserID)
	if err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return Result{}, acf.WrapError(acf.CodeIdentityConflict, "channel identity conflict", err)
		}
		return Result{}, &acf.Error{
			Code:      acf.CodeIdentityUnavailable,
			Message:   "identity resolution failed",
			Retryable: true,
			Cause:     err,
		}
	}

	key := acf.SessionKey{
		Tenant:       env.TenantID,
		Agent:        env.AgentID,
		Interlocutor: interlocutorID,
		Channel:      env.Channel,
	}
	turnID := uuid.NewString()

	if err := i.mailbox.MarkEnqueued(ctx, key.String(), time.Now().UTC()); err != nil {
		i.logger.Warn(ctx, "mailbox mark failed", "session", key.String(), "err", err)
	}

	// Explicit supersede is a channel-adapter decision carried on the
	// envelope; the per-policy cancel semantics live in the workflow.
	supersede := false
	if v, ok := env.Metadata["supersede"].(bool); ok {
		supersede = v
	}

	if err := i.engine.SignalWithStart(ctx, engine.SignalStartRequest{
		ID:        key.String(),
		Workflow:  turn.WorkflowName,
		TaskQueue: i.queue,
		StartInput: &turn.WorkflowInput{
			SessionKey:     key.String(),
			TenantID:       env.TenantID,
			AgentID:        env.AgentID,
			InterlocutorID: interlocutorID,
			Channel:        env.Channel,
		},
		SignalName:    turn.SignalMessage,
		SignalPayload: &turn.MessageSignal{Message: *env, Supersede: supersede},
	}); err != nil {
		return Result{}, acf.WrapError(acf.CodeInternal, "signal turn workflow", err)
	}

	if i.cache != nil && env.IdempotencyKey != "" {
		window := chatIdempotencyWindow
		if len(env.Structured) > 0 {
			window = mutationIdempotencyWindow
		}
		if err := i.cache.Set(ctx, env.TenantID, env.IdempotencyKey, turnID, window); err != nil {
			i.logger.Warn(ctx, "idempotency cache write failed", "err", err)
		}
	}

	i.metrics.IncCounter("acf_ingress_accepted_total", 1, "tenant", string(env.TenantID), "channel", string(env.Channel))
	return Result{Accepted: true, LogicalTurnID: turnID}, nil
}
