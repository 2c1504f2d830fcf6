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
)

// Activity names registered by the scheduler.
const (
	activityLoadConfig      = "acf.load_config"
	activityOpenSession     = "acf.open_session"
	activityRunPipeline     = "acf.run_pipeline"
	activityCommitTurn      = "acf.commit_turn"
	activityEmitEvent       = "acf.emit_event"
	activityCheckCommit     = "acf.check_commit"
	activityDeliverResponse = "acf.deliver_response"
	activityCloseSession    = "acf.close_session"
)

type (
	scopeInput struct {
		TenantID acf.TenantID `json:"tenant_id"`
		AgentID  acf.AgentID  `json:"agent_id"`
	}

	openSessionInput struct {
		SessionKey string       `json:"session_key"`
		TenantID   acf.TenantID `json:"tenant_id"`
		AgentID    acf.AgentID  `json:"agent_id"`
	}

	openSessionOutput struct {
		State   session.State `json:"state"`
		Created bool          `json:"created"`
	}

	pipelineInput struct {
		LogicalTurnID string               `json:"logical_turn_id"`
		SessionKey    string               `json:"session_key"`
		TenantID      acf.TenantID         `json:"tenant_id"`
		AgentID       acf.AgentID          `json:"agent_id"`
		Messages      []message.RawMessage `json:"messages"`
		State         session.State        `json:"state"`
		Config        config.Config        `json:"config"`
		StartedAt     time.Time            `json:"started_at"`
	}

	pipelineOutput struct {
		Result *pipeline.TurnResult `json:"result,omitempty"`
		// State is the post-navigation, post-pipeline state to commit.
		State *session.State `json:"state,omitempty"`
		// Failure carries non-retryable pipeline failures; retryable ones
		// surface as activity errors so the orchestrator re-drives them.
		Failure *acf.Error `json:"failure,omitempty"`
	}

	commitInput struct {
		SessionKey      string        `json:"session_key"`
		State           session.State `json:"state"`
		ExpectedVersion int64         `json:"expected_version"`
	}

	commitOutput struct {
		Version  int64 `json:"version"`
		Conflict bool  `json:"conflict"`
	}

	checkCommitInput struct {
		LogicalTurnID string `json:"logical_turn_id"`
	}

	deliverInput struct {
		SessionKey    string        `json:"session_key"`
		LogicalTurnID string        `json:"logical_turn_id"`
		Segments      []acf.Segment `json:"segments"`
	}

	closeSessionInput struct {
		SessionKey string `json:"session_key"`
		Reason     string `json:"reason"`
	}
)

func (s *Scheduler) registerActivities(ctx context.Context, eng engine.Engine, queue string) error {
	defs := []engine.ActivityDefinition{
		{Name: activityLoadConfig, Handler: s.loadConfigActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 10 * time.Second,
				RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2}}},
		{Name: activityOpenSession, Handler: s.openSessionActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 10 * time.Second,
				RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2}}},
		{Name: activityRunPipeline, Handler: s.runPipelineActivity,
			Options: engine.ActivityOptions{Queue: queue}},
		{Name: activityCommitTurn, Handler: s.commitTurnActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 10 * time.Second}},
		{Name: activityEmitEvent, Handler: s.emitEventActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 10 * time.Second,
				RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2}}},
		{Name: activityCheckCommit, Handler: s.checkCommitActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 5 * time.Second}},
		{Name: activityDeliverResponse, Handler: s.deliverResponseActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 30 * time.Second,
				RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, BackoffCoefficient: 2}}},
		{Name: activityCloseSession, Handler: s.closeSessionActivity,
			Options: engine.ActivityOptions{Queue: queue, Timeout: 10 * time.Second}},
	}
	for _, def := range defs {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) loadConfigActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[scopeInput](input)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configs.Snapshot(ctx, in.TenantID, in.AgentID)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Scheduler) openSessionActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[openSessionInput](input)
	if err != nil {
		return nil, err
	}
	key, err := acf.ParseSessionKey(in.SessionKey)
	if err != nil {
		return nil, err
	}
	state, err := s.sessions.Get(ctx, key)
	switch {
	case err == nil:
		if state.Status == session.StatusClosed {
			// Closed sessions are terminal: a new message reopens a fresh
			// state under the same key.
			if derr := s.sessions.Delete(ctx, key); derr != nil {
				return nil, derr
			}
			return s.createSession(ctx, key)
		}
		return &openSessionOutput{State: state}, nil
	case errors.Is(err, session.ErrNotFound):
		return s.createSession(ctx, key)
	default:
		return nil, err
	}
}

func (s *Scheduler) createSession(ctx context.Context, key acf.SessionKey) (*openSessionOutput, error) {
	state, err := s.sessions.Create(ctx, session.State{
		Key:       key,
		Status:    session.StatusActive,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, session.ErrAlreadyExists) {
		state, err = s.sessions.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return &openSessionOutput{State: state}, nil
	}
	if err != nil {
		return nil, err
	}
	return &openSessionOutput{State: state, Created: true}, nil
}

// runPipelineActivity reconciles the scenario, runs navigation, and drives
// the cognitive pipeline.
//
// Error contract: the activity returns a Go error only for retryable
// failures before any irreversible commit; everything else lands in
// pipelineOutput.Failure so the orchestrator does not re-drive turns whose
// effects cannot be replayed.
func (s *Scheduler) runPipelineActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[pipelineInput](input)
	if err != nil {
		return nil, err
	}
	key, err := acf.ParseSessionKey(in.SessionKey)
	if err != nil {
		return nil, err
	}
	state := in.State.Clone()
	state.Key = key

	reconciled, err := s.prepareScenario(ctx, in, &state)
	if err != nil {
		return nil, err
	}

	tc := &pipeline.TurnContext{
		LogicalTurnID: in.LogicalTurnID,
		SessionKey:    key,
		Messages:      in.Messages,
		Session:       state,
		Scenario:      reconciled,
		Config:        in.Config,
		HasPendingMessages: func() bool {
			pending, perr := s.mailbox.EnqueuedSince(ctx, in.SessionKey, in.StartedAt)
			if perr != nil {
				s.logger.Warn(ctx, "mailbox probe failed", "session", in.SessionKey, "err", perr)
				return false
			}
			return pending
		},
		Emit: func(ectx context.Context, evt event.Event) error {
			evt.LogicalTurnID = in.LogicalTurnID
			evt.SessionKey = in.SessionKey
			evt.TenantID = in.TenantID
			evt.AgentID = in.AgentID
			return s.emitter.Emit(ectx, evt)
		},
	}

	brain := in.Config.Timeouts.Brain
	if brain <= 0 {
		brain = config.Default().Timeouts.Brain
	}
	pctx, cancel := context.WithTimeout(ctx, brain)
	defer cancel()

	result, err := s.pipeline.Run(pctx, tc)
	if err != nil {
		return s.classifyPipelineError(ctx, in, err)
	}
	if result == nil {
		result = &pipeline.TurnResult{}
	}
	if result.Err != nil {
		if result.Err.Retryable {
			if committed, _ := s.ledger.Committed(ctx, in.LogicalTurnID); !committed {
				return nil, result.Err
			}
		}
		return &pipelineOutput{Failure: result.Err}, nil
	}

	out := &pipelineOutput{Result: result}
	if result.NewState != nil {
		committed := result.NewState.Clone()
		committed.Key = key
		out.State = &committed
	} else {
		out.State = &state
	}
	return out, nil
}

// prepareScenario reconciles the active scenario version and applies the
// per-turn navigation decision to the state snapshot.
func (s *Scheduler) prepareScenario(ctx context.Context, in *pipelineInput, state *session.State) (*scenario.Reconciled, error) {
	if s.navigator == nil || s.scenarios == nil || !state.ScenarioActive() {
		return nil, nil
	}
	current, err := s.scenarios.Current(ctx, in.TenantID, in.AgentID, state.ActiveScenarioID)
	if err != nil {
		if errors.Is(err, scenario.ErrScenarioNotFound) {
			// The scenario was unpublished; exit rather than fail the turn.
			state.ClearScenario()
			return nil, nil
		}
		return nil, err
	}
	var prev *scenario.Scenario
	if state.ActiveScenarioVersion != 0 && state.ActiveScenarioVersion != current.Version {
		prev, _ = s.scenarios.Version(ctx, in.TenantID, in.AgentID, state.ActiveScenarioID, state.ActiveScenarioVersion)
	}

	navIn := s.navigator.BuildInput(ctx, recentTexts(in.Messages), "", 0)
	reconciled, err := s.navigator.Reconcile(ctx, navIn, current, prev, state)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	decision := reconciled.ForcedDecision
	if decision == nil {
		d, err := s.navigator.Navigate(ctx, navIn, current, state)
		if err != nil {
			s.logger.Warn(ctx, "navigation failed, continuing on current step", "err", err)
		} else {
			decision = &d
		}
	}
	if decision != nil {
		scenario.ApplyDecision(state, current, *decision, now)
		reconciled.TurnDecision = decision
	}
	state.ActiveScenarioVersion = current.Version
	if !state.ScenarioActive() {
		// Navigation exited the scenario; version bookkeeping goes with it.
		state.ClearScenario()
	}
	return reconciled, nil
}

func (s *Scheduler) classifyPipelineError(ctx context.Context, in *pipelineInput, err error) (any, error) {
	committed, lerr := s.ledger.Committed(ctx, in.LogicalTurnID)
	if lerr != nil {
		s.logger.Warn(ctx, "commit ledger probe failed", "turn", in.LogicalTurnID, "err", lerr)
	}
	var ce *acf.Error
	switch {
	case errors.As(err, &ce) && ce.Retryable && !committed:
		return nil, err
	case errors.Is(err, context.DeadlineExceeded) && !committed:
		return nil, acf.WrapError(acf.CodeProviderTimeout, "pipeline timed out", err)
	case errors.Is(err, context.Canceled):
		return nil, err
	}
	failure := &acf.Error{Code: acf.CodeOf(err), Message: err.Error()}
	if failure.Code == acf.CodeInternal && committed {
		failure.Message = "pipeline failed after commit point: " + err.Error()
	}
	return &pipelineOutput{Failure: failure}, nil
}

func (s *Scheduler) commitTurnActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[commitInput](input)
	if err != nil {
		return nil, err
	}
	key, err := acf.ParseSessionKey(in.SessionKey)
	if err != nil {
		return nil, err
	}
	state := in.State
	state.Key = key
	updated, err := s.sessions.Put(ctx, state, in.ExpectedVersion)
	if errors.Is(err, session.ErrVersionConflict) {
		return &commitOutput{Conflict: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &commitOutput{Version: updated.Version}, nil
}

func (s *Scheduler) emitEventActivity(ctx context.Context, input any) (any, error) {
	evt, err := engine.Decode[event.Event](input)
	if err != nil {
		return nil, err
	}
	if err := s.emitter.Emit(ctx, *evt); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

func (s *Scheduler) checkCommitActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[checkCommitInput](input)
	if err != nil {
		return nil, err
	}
	committed, err := s.ledger.Committed(ctx, in.LogicalTurnID)
	if err != nil {
		return nil, err
	}
	return &committed, nil
}

func (s *Scheduler) deliverResponseActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[deliverInput](input)
	if err != nil {
		return nil, err
	}
	if s.responder == nil || len(in.Segments) == 0 {
		return &struct{}{}, nil
	}
	if err := s.responder.Deliver(ctx, in.SessionKey, in.LogicalTurnID, in.Segments); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

func (s *Scheduler) closeSessionActivity(ctx context.Context, input any) (any, error) {
	in, err := engine.Decode[closeSessionInput](input)
	if err != nil {
		return nil, err
	}
	key, err := acf.ParseSessionKey(in.SessionKey)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		state, gerr := s.sessions.Get(ctx, key)
		if errors.Is(gerr, session.ErrNotFound) {
			return &struct{}{}, nil
		}
		if gerr != nil {
			return nil, gerr
		}
		if state.Status == session.StatusClosed {
			return &struct{}{}, nil
		}
		state.Status = session.StatusClosed
		if _, perr := s.sessions.Put(ctx, state, state.Version); perr == nil {
			return &struct{}{}, nil
		} else if !errors.Is(perr, session.ErrVersionConflict) {
			return nil, perr
		}
	}
	return nil, errors.New("close session: persistent version conflict")
}

func recentTexts(msgs []message.RawMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}
