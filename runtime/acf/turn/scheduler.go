package turn

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/engine"
	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/pipeline"
	"github.com/ruche-ai/fabric/runtime/acf/scenario"
	"github.com/ruche-ai/fabric/runtime/acf/session"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
	"github.com/ruche-ai/fabric/runtime/acf/toolbox"
)

type (
	// Scheduler owns the TurnWorkflow and its activities. One scheduler is
	// constructed per process and registered on the engine at startup.
	Scheduler struct {
		sessions  session.Store
		configs   config.Store
		scenarios scenario.Store
		navigator *scenario.Navigator
		pipeline  pipeline.Pipeline
		emitter   event.Emitter
		ledger    toolbox.Ledger
		mailbox   Mailbox
		responder Responder
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// SchedulerOptions configures a Scheduler. Sessions, Configs,
	// Pipeline, Emitter, Ledger, and Mailbox are required.
	SchedulerOptions struct {
		Sessions  session.Store
		Configs   config.Store
		Scenarios scenario.Store
		Navigator *scenario.Navigator
		Pipeline  pipeline.Pipeline
		Emitter   event.Emitter
		Ledger    toolbox.Ledger
		Mailbox   Mailbox
		Responder Responder
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}
)

// NewScheduler constructs a Scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session store is required")
	case opts.Configs == nil:
		return nil, errors.New("config store is required")
	case opts.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case opts.Emitter == nil:
		return nil, errors.New("event emitter is required")
	case opts.Ledger == nil:
		return nil, errors.New("commit ledger is required")
	case opts.Mailbox == nil:
		return nil, errors.New("mailbox is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Scheduler{
		sessions:  opts.Sessions,
		configs:   opts.Configs,
		scenarios: opts.Scenarios,
		navigator: opts.Navigator,
		pipeline:  opts.Pipeline,
		emitter:   opts.Emitter,
		ledger:    opts.Ledger,
		mailbox:   opts.Mailbox,
		responder: opts.Responder,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Register installs the turn workflow and its activities on the engine.
func (s *Scheduler) Register(ctx context.Context, eng engine.Engine, taskQueue string) error {
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: taskQueue,
		Handler:   s.workflow,
	}); err != nil {
		return err
	}
	return s.registerActivities(ctx, eng, taskQueue)
}

// workflow is the resident session body: it loops over logical turns until
// the session idles out. The workflow ID is the session key, so the
// orchestrator's one-execution-per-ID rule is the session mutex.
func (s *Scheduler) workflow(wf engine.WorkflowContext, input any) (any, error) {
	in, err := engine.Decode[WorkflowInput](input)
	if err != nil {
		return nil, err
	}
	ctx := wf.Context()
	ch := wf.SignalChannel(SignalMessage)

	// carry seeds the next turn with messages surviving a supersede, and
	// nextTurnID is the successor ID announced in turn.superseded events.
	var (
		carry      []message.RawMessage
		nextTurnID string
	)
	for {
		var cfg config.Config
		if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
			Name:  activityLoadConfig,
			Input: &scopeInput{TenantID: in.TenantID, AgentID: in.AgentID},
		}, &cfg); err != nil {
			return nil, err
		}

		if len(carry) == 0 && ch.Len() == 0 {
			idle := cfg.Session.IdleTimeout
			if idle <= 0 {
				idle = config.Default().Session.IdleTimeout
			}
			got, err := wf.AwaitWithTimeout(ctx, idle, func() bool { return ch.Len() > 0 })
			if err != nil {
				return nil, err
			}
			if !got {
				s.closeIdleSession(wf, in)
				return nil, nil
			}
		}

		carry, nextTurnID, err = s.runTurn(wf, in, cfg, ch, carry, nextTurnID)
		if err != nil {
			return nil, err
		}
	}
}

// runTurn drives one logical turn. It returns the messages that must seed
// the successor turn (supersede paths) and a fatal error only when the
// whole session workflow should stop.
func (s *Scheduler) runTurn(wf engine.WorkflowContext, in *WorkflowInput, cfg config.Config, ch engine.SignalChannel, seed []message.RawMessage, presetTurnID string) ([]message.RawMessage, string, error) {
	ctx := wf.Context()
	turnID := presetTurnID
	if turnID == "" {
		turnID = wf.NewUUID()
	}
	startedAt := wf.Now().UTC()

	s.emitWf(wf, in, turnID, event.MutexAcquired, nil)

	var open openSessionOutput
	if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  activityOpenSession,
		Input: &openSessionInput{SessionKey: in.SessionKey, TenantID: in.TenantID, AgentID: in.AgentID},
	}, &open); err != nil {
		return nil, "", err
	}
	if open.Created {
		s.emitWf(wf, in, turnID, event.SessionCreated, nil)
	}

	msgs := seed
	if len(msgs) == 0 {
		var sig MessageSignal
		if !ch.ReceiveAsync(&sig) {
			// The caller guarantees a message is pending; treat an empty
			// channel as a spurious wake.
			s.emitWf(wf, in, turnID, event.MutexReleased, nil)
			return nil, "", nil
		}
		msgs = append(msgs, sig.Message)
	}

	s.emitWf(wf, in, turnID, event.TurnStarted, map[string]any{
		"channel":             string(in.Channel),
		"provider_message_id": msgs[0].ProviderMessageID,
		"seed_count":          len(msgs),
	})
	for i := range msgs {
		s.emitWf(wf, in, turnID, event.TurnMessageAbsorbed, map[string]any{"count": i + 1})
	}

	msgs, err := s.aggregate(wf, in, cfg, ch, turnID, msgs)
	if err != nil {
		return nil, "", err
	}

	pin := &pipelineInput{
		LogicalTurnID: turnID,
		SessionKey:    in.SessionKey,
		TenantID:      in.TenantID,
		AgentID:       in.AgentID,
		Messages:      msgs,
		State:         open.State,
		Config:        cfg,
		StartedAt:     startedAt,
	}
	brain := cfg.Timeouts.Brain
	if brain <= 0 {
		brain = config.Default().Timeouts.Brain
	}
	total := cfg.Timeouts.Total
	if total <= 0 {
		total = config.Default().Timeouts.Total
	}

	cwf, cancelPipeline := wf.WithCancel()
	fut, err := cwf.ExecuteActivityAsync(ctx, engine.ActivityRequest{
		Name:    activityRunPipeline,
		Input:   pin,
		Timeout: brain + 5*time.Second,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        total,
		},
	})
	if err != nil {
		cancelPipeline()
		return nil, "", err
	}

	nextSeed, successor, err := s.watchSupersede(wf, in, cfg, ch, turnID, fut, cancelPipeline)
	if err != nil {
		return nil, "", err
	}
	if successor != "" {
		// Successor aggregates the current and the queued messages.
		return append(msgs, nextSeed...), successor, nil
	}

	var pout pipelineOutput
	gerr := fut.Get(ctx, &pout)
	cancelPipeline()
	switch {
	case gerr != nil && engine.IsCanceled(gerr):
		// Cancellation raced completion; treat as superseded.
		succ := s.emitSuperseded(wf, in, turnID, "cancel_in_progress")
		seed := append(append(msgs, nextSeed...), drain(ch)...)
		return seed, succ, nil
	case gerr != nil:
		s.emitWf(wf, in, turnID, event.TurnFailed, map[string]any{
			"code":    string(acf.CodeOf(gerr)),
			"message": gerr.Error(),
		})
		s.emitWf(wf, in, turnID, event.MutexReleased, nil)
		return nextSeed, "", nil
	case pout.Failure != nil:
		if pout.Failure.Code == acf.CodeEnforcement {
			s.emitWf(wf, in, turnID, event.EnforcementViolation, map[string]any{"message": pout.Failure.Message})
		}
		s.emitWf(wf, in, turnID, event.TurnFailed, map[string]any{
			"code":    string(pout.Failure.Code),
			"message": pout.Failure.Message,
		})
		s.emitWf(wf, in, turnID, event.MutexReleased, nil)
		return nextSeed, "", nil
	case pout.Result != nil && pout.Result.Abort:
		s.emitWf(wf, in, turnID, event.SupersedeDecision, map[string]any{"decision": "allow", "cooperative": true})
		succ := s.emitSuperseded(wf, in, turnID, "cooperative_abort")
		seed := append(append(msgs, nextSeed...), drain(ch)...)
		return seed, succ, nil
	}

	state := open.State
	if pout.State != nil {
		state = *pout.State
	}
	state.TurnCount++
	state.LastTurnAt = wf.Now().UTC()

	var cres commitOutput
	if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  activityCommitTurn,
		Input: &commitInput{SessionKey: in.SessionKey, State: state, ExpectedVersion: open.State.Version},
	}, &cres); err != nil {
		return nil, "", err
	}
	if cres.Conflict {
		// The only writer for this key is this workflow; a conflict means
		// the slot invariant broke somewhere else. Fatal for the turn.
		s.emitWf(wf, in, turnID, event.TurnFailed, map[string]any{
			"code":    string(acf.CodeInternalConflict),
			"message": "session state CAS conflict",
		})
		s.emitWf(wf, in, turnID, event.MutexReleased, nil)
		return nextSeed, "", nil
	}

	var segments []acf.Segment
	if pout.Result != nil {
		segments = pout.Result.Segments
	}
	s.emitWf(wf, in, turnID, event.TurnCompleted, map[string]any{
		"session_version": cres.Version,
		"segment_count":   len(segments),
	})
	if len(segments) > 0 {
		var ignored struct{}
		if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
			Name:  activityDeliverResponse,
			Input: &deliverInput{SessionKey: in.SessionKey, LogicalTurnID: turnID, Segments: segments},
		}, &ignored); err != nil {
			wf.Logger().Error(ctx, "response delivery failed", "turn", turnID, "err", err)
		}
	}
	s.emitWf(wf, in, turnID, event.MutexReleased, nil)
	return nextSeed, "", nil
}

// aggregate runs the accumulation window: it absorbs messages until the
// quiet window elapses, a cap is hit, or a message explicitly supersedes.
func (s *Scheduler) aggregate(wf engine.WorkflowContext, in *WorkflowInput, cfg config.Config, ch engine.SignalChannel, turnID string, msgs []message.RawMessage) ([]message.RawMessage, error) {
	ctx := wf.Context()
	window := cfg.AggregationWindow(in.Channel)
	bytes := 0
	for _, m := range msgs {
		bytes += m.PayloadBytes()
	}

	for window > 0 {
		if len(msgs) >= cfg.Aggregation.MaxMessages || bytes >= cfg.Aggregation.MaxBytes {
			return msgs, nil
		}
		got, err := wf.AwaitWithTimeout(ctx, window, func() bool { return ch.Len() > 0 })
		if err != nil {
			return nil, err
		}
		if !got {
			return msgs, nil
		}
		for {
			var sig MessageSignal
			if !ch.ReceiveAsync(&sig) {
				break
			}
			msgs = append(msgs, sig.Message)
			bytes += sig.Message.PayloadBytes()
			s.emitWf(wf, in, turnID, event.TurnMessageAbsorbed, map[string]any{"count": len(msgs)})
			if sig.Supersede {
				// Explicit supersede closes the window immediately.
				return msgs, nil
			}
			if len(msgs) >= cfg.Aggregation.MaxMessages || bytes >= cfg.Aggregation.MaxBytes {
				return msgs, nil
			}
		}
	}
	return msgs, nil
}

// watchSupersede waits for pipeline completion while reacting to messages
// arriving behind the running turn.
//
// Queue policy: arrivals stay on the signal channel so the next turn
// aggregates them normally; only the supersede events are emitted here.
// Cancel policy: arrivals are drained so a cancelled turn can seed its
// successor with both message sets. The returned messages are the drained
// ones; the successor turn ID is non-empty when this turn was superseded.
func (s *Scheduler) watchSupersede(wf engine.WorkflowContext, in *WorkflowInput, cfg config.Config, ch engine.SignalChannel, turnID string, fut engine.Future, cancelPipeline func()) ([]message.RawMessage, string, error) {
	ctx := wf.Context()
	var queued []message.RawMessage
	seen := 0

	for !fut.IsReady() {
		if err := wf.Await(ctx, func() bool { return fut.IsReady() || ch.Len() > seen }); err != nil {
			cancelPipeline()
			return nil, "", err
		}
		if fut.IsReady() {
			break
		}

		if cfg.Concurrency.Strategy != config.CancelInProgress {
			n := ch.Len()
			for i := seen; i < n; i++ {
				s.emitWf(wf, in, turnID, event.SupersedeRequested, map[string]any{"queued_behind": i + 1})
				s.emitWf(wf, in, turnID, event.SupersedeDecision, map[string]any{"decision": "queued"})
			}
			if n > seen {
				seen = n
			}
			continue
		}

		var sig MessageSignal
		if !ch.ReceiveAsync(&sig) {
			continue
		}
		queued = append(queued, sig.Message)
		s.emitWf(wf, in, turnID, event.SupersedeRequested, map[string]any{
			"provider_message_id": sig.Message.ProviderMessageID,
		})

		var committed bool
		if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
			Name:  activityCheckCommit,
			Input: &checkCommitInput{LogicalTurnID: turnID},
		}, &committed); err != nil {
			wf.Logger().Error(ctx, "commit probe failed, queueing instead of cancelling", "turn", turnID, "err", err)
			s.emitWf(wf, in, turnID, event.SupersedeDecision, map[string]any{"decision": "queued"})
			continue
		}
		if committed {
			// Commit monotonicity: a reached commit point blocks supersede.
			s.emitWf(wf, in, turnID, event.SupersedeDecision, map[string]any{"decision": "deny"})
			continue
		}

		s.emitWf(wf, in, turnID, event.SupersedeDecision, map[string]any{"decision": "allow"})
		cancelPipeline()
		var ignored pipelineOutput
		if err := fut.Get(ctx, &ignored); err != nil && !engine.IsCanceled(err) {
			wf.Logger().Warn(ctx, "pipeline ended non-cancelled during supersede", "turn", turnID, "err", err)
		}
		successor := s.emitSuperseded(wf, in, turnID, "cancel_in_progress")
		return queued, successor, nil
	}
	return queued, "", nil
}

// drain empties the signal channel, used when a superseding successor must
// absorb everything queued behind the aborted turn.
func drain(ch engine.SignalChannel) []message.RawMessage {
	var out []message.RawMessage
	for {
		var sig MessageSignal
		if !ch.ReceiveAsync(&sig) {
			return out
		}
		out = append(out, sig.Message)
	}
}

// emitSuperseded emits the supersede execution pair, releases the slot,
// and returns the pre-assigned successor turn ID recorded in the event.
func (s *Scheduler) emitSuperseded(wf engine.WorkflowContext, in *WorkflowInput, turnID, reason string) string {
	successor := wf.NewUUID()
	s.emitWf(wf, in, turnID, event.SupersedeExecuted, map[string]any{"reason": reason})
	s.emitWf(wf, in, turnID, event.TurnSuperseded, map[string]any{
		"reason":            reason,
		"successor_turn_id": successor,
	})
	s.emitWf(wf, in, turnID, event.MutexReleased, nil)
	return successor
}

// closeIdleSession closes the session after the idle window and emits the
// lifecycle event. Failures are logged; an idle session that fails to
// close re-opens on its next message anyway.
func (s *Scheduler) closeIdleSession(wf engine.WorkflowContext, in *WorkflowInput) {
	ctx := wf.Context()
	var ignored struct{}
	if err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  activityCloseSession,
		Input: &closeSessionInput{SessionKey: in.SessionKey, Reason: "idle_timeout"},
	}, &ignored); err != nil {
		wf.Logger().Warn(ctx, "idle session close failed", "session", in.SessionKey, "err", err)
		return
	}
	s.emitWf(wf, in, "", event.SessionClosed, map[string]any{"reason": "idle_timeout"})
}

// emitWf emits one event through the emit activity, so durable audit
// appends happen on the activity side with orchestrator retries.
func (s *Scheduler) emitWf(wf engine.WorkflowContext, in *WorkflowInput, turnID string, t event.Type, payload map[string]any) {
	evt := event.Event{
		ID:             wf.NewUUID(),
		Type:           t,
		LogicalTurnID:  turnID,
		SessionKey:     in.SessionKey,
		Timestamp:      wf.Now().UTC(),
		TenantID:       in.TenantID,
		AgentID:        in.AgentID,
		InterlocutorID: in.InterlocutorID,
		Payload:        payload,
	}
	var ignored struct{}
	if err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{
		Name:  activityEmitEvent,
		Input: &evt,
	}, &ignored); err != nil {
		wf.Logger().Error(wf.Context(), "event emission failed", "type", t, "turn", turnID, "err", err)
	}
}
