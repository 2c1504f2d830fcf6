package scenario

import (
	"context"

	"github.com/ruche-ai/fabric/runtime/acf/model"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

type (
	// Reconciled is the scenario state handed to the pipeline after version
	// reconciliation at turn entry.
	Reconciled struct {
		// Scenario is the current published version.
		Scenario *Scenario
		// ForcedDecision is set when reconciliation itself resolved the
		// step (re-localization after a deletion, or an upstream-fork
		// jump); the scheduler applies it before the pipeline runs.
		ForcedDecision *Decision
		// GapFillVariables lists session variables required by newly added
		// upstream steps that the session does not hold. The scheduler
		// fetches them from profile stores; unresolved names become a
		// pipeline hint to re-ask.
		GapFillVariables []string
		// TurnDecision is the navigation decision applied for this turn,
		// forced or computed; nil when navigation was skipped.
		TurnDecision *Decision
	}
)

// Reconcile aligns the session with a scenario version change at turn
// entry. Behavior per delta:
//
//   - active step survives → keep it and adopt the new version;
//   - active step deleted → force re-localization;
//   - a new upstream fork was added → evaluate the fork condition and jump
//     only when doing so does not cross a checkpoint step the session has
//     already passed;
//   - newly added upstream steps requiring missing variables → report them
//     for gap-fill.
func (n *Navigator) Reconcile(ctx context.Context, in Input, sc *Scenario, prev *Scenario, sess *session.State) (*Reconciled, error) {
	out := &Reconciled{Scenario: sc}
	if !sess.ScenarioActive() || sess.ActiveScenarioVersion == sc.Version {
		return out, nil
	}

	current := sc.Step(sess.ActiveStepID)
	if current == nil {
		d, err := n.Relocalize(ctx, in, sc, sess, "relocalize:step_deleted")
		if err != nil {
			return nil, err
		}
		out.ForcedDecision = &d
		return out, nil
	}

	added := addedSteps(sc, prev)
	out.GapFillVariables = n.missingVariables(added, sess)

	if fork := n.upstreamFork(ctx, in, sc, added, sess); fork != nil {
		out.ForcedDecision = fork
	}
	return out, nil
}

// addedSteps returns the steps present in sc but not in prev. A nil prev
// yields none: without the prior version there is no delta to evaluate.
func addedSteps(sc, prev *Scenario) []*Step {
	if prev == nil {
		return nil
	}
	var out []*Step
	for i := range sc.Steps {
		if prev.Step(sc.Steps[i].ID) == nil {
			out = append(out, &sc.Steps[i])
		}
	}
	return out
}

// missingVariables collects required variables of added upstream steps
// that the session does not hold.
func (n *Navigator) missingVariables(added []*Step, sess *session.State) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, st := range added {
		for _, v := range st.RequiredVariables {
			if _, dup := seen[v]; dup {
				continue
			}
			if _, ok := sess.Variables[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// upstreamFork evaluates newly added steps that can reach the current step:
// when the fork condition scores at or above the entry threshold and the
// jump does not cross a passed checkpoint, the session moves to the fork.
func (n *Navigator) upstreamFork(ctx context.Context, in Input, sc *Scenario, added []*Step, sess *session.State) *Decision {
	hops := n.cfg.MaxRelocalizationHops
	passed := passedCheckpoints(sc, sess)
	for _, st := range added {
		if !sc.Reaches(st.ID, sess.ActiveStepID, hops) {
			continue
		}
		if crossesCheckpoint(sc, st.ID, sess.ActiveStepID, hops, passed) {
			continue
		}
		score := n.forkScore(ctx, in, st)
		if score < n.cfg.EntryThreshold {
			continue
		}
		return &Decision{
			Kind:       DecisionRelocalize,
			TargetStep: st.ID,
			Confidence: score,
			Reason:     "reconcile:upstream_fork",
			MaxScore:   score,
		}
	}
	return nil
}

// forkScore scores the fork step's descriptor against the turn embedding.
func (n *Navigator) forkScore(ctx context.Context, in Input, st *Step) float64 {
	ctxEmbedding, err := n.turnEmbedding(ctx, in)
	if err != nil || ctxEmbedding == nil {
		return 0
	}
	emb, err := n.embed(ctx, st.Descriptor())
	if err != nil {
		return 0
	}
	return model.Cosine(ctxEmbedding, emb)
}

// passedCheckpoints collects checkpoint steps recorded in the session's
// step history.
func passedCheckpoints(sc *Scenario, sess *session.State) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range sess.StepHistory {
		if st := sc.Step(v.StepID); st != nil && st.IsCheckpoint {
			out[v.StepID] = struct{}{}
		}
	}
	return out
}

// crossesCheckpoint reports whether any path position between from and the
// current step passes a checkpoint the session has already completed.
// Jumping upstream of a committed checkpoint would replay committed work.
func crossesCheckpoint(sc *Scenario, from, current string, hops int, passed map[string]struct{}) bool {
	if len(passed) == 0 {
		return false
	}
	for _, id := range sc.ReachableWithin(from, hops) {
		if id == current {
			continue
		}
		if _, ok := passed[id]; ok && sc.Reaches(id, current, hops) {
			return true
		}
	}
	return false
}
