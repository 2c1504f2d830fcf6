package scenario

import (
	"context"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf/session"
)

// BuildInput assembles the navigator input for a turn: the embedding of
// the latest utterance (best-effort) plus the recent turn texts. Embedding
// failures degrade to a nil embedding, which scores transitions at zero
// and leaves the session on its current step.
func (n *Navigator) BuildInput(ctx context.Context, recentTurns []string, signal Signal, signalConfidence float64) Input {
	in := Input{
		RecentTurns:      recentTurns,
		Signal:           signal,
		SignalConfidence: signalConfidence,
	}
	if len(recentTurns) == 0 {
		return in
	}
	emb, err := n.embed(ctx, recentTurns[len(recentTurns)-1])
	if err != nil {
		n.logger.Warn(ctx, "utterance embedding failed", "err", err)
		return in
	}
	in.Embedding = emb
	return in
}

// ApplyDecision folds a navigation decision into the session state:
// transitions and re-localizations enter their target step, exits clear
// the scenario triple, and the low-score streak advances or resets.
func ApplyDecision(sess *session.State, sc *Scenario, d Decision, at time.Time) {
	if d.LowScore {
		sess.LowScoreStreak++
	} else {
		sess.LowScoreStreak = 0
	}

	switch d.Kind {
	case DecisionTransition:
		sess.EnterStep(d.TargetStep, at, d.Reason, d.Confidence)
	case DecisionRelocalize:
		sess.RelocalizationCount++
		sess.EnterStep(d.TargetStep, at, d.Reason, d.Confidence)
	case DecisionExit:
		sess.ClearScenario()
		sess.LowScoreStreak = 0
	case DecisionContinue:
		// Stay put; streak bookkeeping above is the only effect.
	}
	if sess.ScenarioActive() && sc != nil {
		sess.ActiveScenarioVersion = sc.Version
	}
}
