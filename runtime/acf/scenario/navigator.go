package scenario

import (
	"context"
	"sort"

	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/model"
	"github.com/ruche-ai/fabric/runtime/acf/session"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
)

type (
	// Signal is an explicit navigation hint extracted by the pipeline from
	// the conversation.
	Signal string

	// DecisionKind classifies a navigator outcome.
	DecisionKind string

	// Input is the per-turn context the navigator decides on.
	Input struct {
		// Embedding is the embedding of the turn's utterance(s).
		Embedding []float32
		// RecentTurns is a short history of interlocutor utterances, newest
		// last; used by adjudication and re-localization.
		RecentTurns []string
		// Signal is the explicit scenario signal, if any.
		Signal Signal
		// SignalConfidence qualifies the signal; exit requires a high value.
		SignalConfidence float64
	}

	// Decision is the navigator's outcome for one turn.
	Decision struct {
		Kind DecisionKind `json:"kind"`
		// TargetStep is set for transition and relocalize decisions.
		TargetStep string  `json:"target_step,omitempty"`
		Confidence float64 `json:"confidence"`
		// Reason is a compact trace of the deciding stage, recorded in step
		// history ("transition", "ambiguous", "relocalize:step_deleted", ...).
		Reason string `json:"reason,omitempty"`
		// MaxScore is the best transition score observed, for streak
		// bookkeeping.
		MaxScore float64 `json:"max_score"`
		// LowScore reports that the best score fell below the sanity
		// threshold this turn.
		LowScore bool `json:"low_score,omitempty"`
	}

	// Navigator computes step transitions and re-localization for active
	// scenarios. It is stateless across turns; streak bookkeeping lives on
	// the session.
	Navigator struct {
		cfg        config.NavigatorConfig
		models     *model.Router
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		embedCache *embedCache
	}

	scoredTransition struct {
		transition Transition
		index      int
		score      float64
	}
)

const (
	// SignalExit requests scenario exit.
	SignalExit Signal = "exit"
	// SignalWrongStep reports the session is on the wrong step.
	SignalWrongStep Signal = "wrong_step"

	// DecisionContinue stays on the current step.
	DecisionContinue DecisionKind = "continue"
	// DecisionTransition moves to TargetStep.
	DecisionTransition DecisionKind = "transition"
	// DecisionExit leaves the scenario.
	DecisionExit DecisionKind = "exit"
	// DecisionRelocalize moves to the best-matching reachable step.
	DecisionRelocalize DecisionKind = "relocalize"
)

// exitSignalConfidence is the floor for honoring an explicit exit signal.
const exitSignalConfidence = 0.8

// NewNavigator constructs a Navigator.
func NewNavigator(cfg config.NavigatorConfig, models *model.Router, logger telemetry.Logger, metrics telemetry.Metrics) *Navigator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Navigator{
		cfg:        cfg,
		models:     models,
		logger:     logger,
		metrics:    metrics,
		embedCache: newEmbedCache(512),
	}
}

// Navigate runs the staged decision algorithm for one turn.
func (n *Navigator) Navigate(ctx context.Context, in Input, sc *Scenario, sess *session.State) (Decision, error) {
	current := sc.Step(sess.ActiveStepID)

	// Stage 1: consistency. A missing step forces re-localization; a stale
	// version with a surviving step is tolerated.
	if current == nil {
		n.logger.Warn(ctx, "active step missing from scenario, relocalizing",
			"scenario", sc.ID, "step", sess.ActiveStepID)
		return n.Relocalize(ctx, in, sc, sess, "relocalize:step_missing")
	}
	if sess.ActiveScenarioVersion != sc.Version {
		n.logger.Warn(ctx, "session scenario version is stale",
			"scenario", sc.ID, "session_version", sess.ActiveScenarioVersion, "version", sc.Version)
	}

	// Explicit wrong-step signal arms re-localization regardless of scores.
	if in.Signal == SignalWrongStep {
		return n.Relocalize(ctx, in, sc, sess, "relocalize:wrong_step")
	}

	// Stage 2: enumerate outgoing transitions.
	if len(current.Transitions) == 0 {
		if current.IsTerminal {
			return Decision{Kind: DecisionExit, Confidence: 1, Reason: "terminal"}, nil
		}
		return Decision{Kind: DecisionContinue, Confidence: 1, Reason: "no_transitions"}, nil
	}

	// Stage 3: semantic scoring.
	scored := make([]scoredTransition, 0, len(current.Transitions))
	maxScore := 0.0
	for i, tr := range current.Transitions {
		score := 1.0
		if tr.ConditionEmbedding != nil {
			score = model.Cosine(in.Embedding, tr.ConditionEmbedding)
		}
		if score > maxScore {
			maxScore = score
		}
		if score >= n.cfg.TransitionThreshold {
			scored = append(scored, scoredTransition{transition: tr, index: i, score: score})
		}
	}
	lowScore := maxScore < n.cfg.SanityThreshold

	// Stage 4: sanity gate.
	if lowScore && sess.LowScoreStreak+1 >= n.cfg.RelocalizationTriggerTurns {
		return n.Relocalize(ctx, in, sc, sess, "relocalize:low_score_streak")
	}

	// Stage 5: decide.
	decision := n.decide(ctx, in, current, scored, maxScore)
	decision.MaxScore = maxScore
	decision.LowScore = lowScore

	// Loop guard: suppress transitions into over-visited steps.
	if decision.Kind == DecisionTransition && n.loops(sess, decision.TargetStep) {
		n.metrics.IncCounter("acf_navigator_loop_suppressed_total", 1, "scenario", sc.ID)
		return Decision{Kind: DecisionContinue, Confidence: decision.Confidence, Reason: "loop_suppressed", MaxScore: maxScore, LowScore: lowScore}, nil
	}

	// Stage 6: exit checks.
	if decision.Kind == DecisionContinue {
		if current.IsTerminal {
			return Decision{Kind: DecisionExit, Confidence: decision.Confidence, Reason: "terminal", MaxScore: maxScore}, nil
		}
		if in.Signal == SignalExit && in.SignalConfidence >= exitSignalConfidence {
			return Decision{Kind: DecisionExit, Confidence: in.SignalConfidence, Reason: "exit_signal", MaxScore: maxScore}, nil
		}
	}
	return decision, nil
}

func (n *Navigator) decide(ctx context.Context, in Input, current *Step, scored []scoredTransition, maxScore float64) Decision {
	switch len(scored) {
	case 0:
		return Decision{Kind: DecisionContinue, Confidence: 1 - maxScore, Reason: "no_candidates"}
	case 1:
		return Decision{
			Kind:       DecisionTransition,
			TargetStep: scored[0].transition.ToStepID,
			Confidence: scored[0].score,
			Reason:     "transition",
		}
	}

	if n.cfg.AdjudicationEnabled && n.models != nil {
		if d, ok := n.adjudicate(ctx, in, current, scored); ok {
			return d
		}
	}

	// Deterministic tie-break: priority desc, score desc, definition order.
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.transition.Priority != b.transition.Priority {
			return a.transition.Priority > b.transition.Priority
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.index < b.index
	})
	top, runnerUp := scored[0], scored[1]
	if top.score-runnerUp.score < n.cfg.MinMargin {
		return Decision{Kind: DecisionContinue, Confidence: top.score, Reason: "ambiguous"}
	}
	return Decision{
		Kind:       DecisionTransition,
		TargetStep: top.transition.ToStepID,
		Confidence: top.score,
		Reason:     "transition",
	}
}

func (n *Navigator) adjudicate(ctx context.Context, in Input, current *Step, scored []scoredTransition) (Decision, bool) {
	adj, err := n.models.Adjudicator(n.cfg.AdjudicationModel)
	if err != nil {
		n.logger.Warn(ctx, "adjudicator unavailable, falling back to tie-break", "err", err)
		return Decision{}, false
	}
	ranked := make([]scoredTransition, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	req := model.AdjudicationRequest{
		CurrentStep: current.Name,
		RecentTurns: in.RecentTurns,
	}
	for _, s := range ranked {
		req.Candidates = append(req.Candidates, model.AdjudicationCandidate{
			TargetStep:    s.transition.ToStepID,
			ConditionText: s.transition.ConditionText,
			Score:         s.score,
		})
	}
	res, err := adj.Adjudicate(ctx, req)
	if err != nil {
		n.logger.Warn(ctx, "adjudication failed, falling back to tie-break", "err", err)
		return Decision{}, false
	}
	if res.Uncertain {
		return Decision{}, false
	}
	for _, s := range ranked {
		if s.transition.ToStepID == res.TargetStep {
			return Decision{
				Kind:       DecisionTransition,
				TargetStep: res.TargetStep,
				Confidence: s.score,
				Reason:     "adjudicated",
			}, true
		}
	}
	n.logger.Warn(ctx, "adjudicator picked a non-candidate step, ignoring", "step", res.TargetStep)
	return Decision{}, false
}

// loops reports whether target appears at least MaxLoopIterations times in
// the last LoopDetectionWindow step-history entries.
func (n *Navigator) loops(sess *session.State, target string) bool {
	window := n.cfg.LoopDetectionWindow
	if window <= 0 || n.cfg.MaxLoopIterations <= 0 {
		return false
	}
	hist := sess.StepHistory
	if len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	count := 0
	for _, v := range hist {
		if v.StepID == target {
			count++
		}
	}
	return count >= n.cfg.MaxLoopIterations
}
