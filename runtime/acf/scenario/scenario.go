// Package scenario implements the graph state machine driving multi-step
// flows: local transition decisions, LLM adjudication for ambiguous
// candidates, re-localization recovery, and version reconciliation.
package scenario

import (
	"errors"
	"fmt"
)

type (
	// Scenario is one immutable version of a flow graph.
	Scenario struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
		Name    string `json:"name,omitempty"`
		// EntryStepID must be a member of Steps.
		EntryStepID string `json:"entry_step_id"`
		Steps       []Step `json:"steps"`
	}

	// Step is one node of the flow graph.
	Step struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		IsEntry     bool   `json:"is_entry,omitempty"`
		IsTerminal  bool   `json:"is_terminal,omitempty"`
		// ReachableFromAnywhere marks steps always eligible as
		// re-localization targets.
		ReachableFromAnywhere bool `json:"reachable_from_anywhere,omitempty"`
		// IsCheckpoint marks steps whose completion must not be undone by
		// reconciliation jumps.
		IsCheckpoint bool `json:"is_checkpoint,omitempty"`
		// RequiredVariables lists session variables the step needs; version
		// reconciliation gap-fills them when a new upstream step appears.
		RequiredVariables []string `json:"required_variables,omitempty"`
		// Transitions are evaluated in definition order.
		Transitions []Transition `json:"transitions,omitempty"`
	}

	// Transition is one outgoing edge of a step.
	Transition struct {
		ToStepID      string `json:"to_step_id"`
		ConditionText string `json:"condition_text"`
		// ConditionEmbedding is the precomputed embedding of ConditionText.
		// Nil means unscored; the navigator treats it as a match.
		ConditionEmbedding []float32 `json:"condition_embedding,omitempty"`
		Priority           int       `json:"priority,omitempty"`
	}
)

// ErrInvalidScenario reports a scenario violating structural invariants.
var ErrInvalidScenario = errors.New("invalid scenario")

// Validate checks the structural invariants: the entry step is a member of
// Steps, and every transition target resolves within this version.
func (s *Scenario) Validate() error {
	if s.ID == "" || len(s.Steps) == 0 {
		return fmt.Errorf("%w: id and steps are required", ErrInvalidScenario)
	}
	ids := make(map[string]struct{}, len(s.Steps))
	for _, st := range s.Steps {
		if st.ID == "" {
			return fmt.Errorf("%w: step without id", ErrInvalidScenario)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidScenario, st.ID)
		}
		ids[st.ID] = struct{}{}
	}
	if _, ok := ids[s.EntryStepID]; !ok {
		return fmt.Errorf("%w: entry step %q not in steps", ErrInvalidScenario, s.EntryStepID)
	}
	for _, st := range s.Steps {
		for _, tr := range st.Transitions {
			if _, ok := ids[tr.ToStepID]; !ok {
				return fmt.Errorf("%w: step %q targets unknown step %q", ErrInvalidScenario, st.ID, tr.ToStepID)
			}
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil.
func (s *Scenario) Step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the entry step.
func (s *Scenario) EntryStep() *Step {
	return s.Step(s.EntryStepID)
}

// ReachableWithin returns the IDs of steps reachable from the given step in
// at most hops transitions, excluding the start step itself. Traversal is
// breadth-first over transition edges.
func (s *Scenario) ReachableWithin(fromStepID string, hops int) []string {
	start := s.Step(fromStepID)
	if start == nil || hops <= 0 {
		return nil
	}
	visited := map[string]struct{}{fromStepID: {}}
	frontier := []string{fromStepID}
	var out []string
	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			st := s.Step(id)
			if st == nil {
				continue
			}
			for _, tr := range st.Transitions {
				if _, seen := visited[tr.ToStepID]; seen {
					continue
				}
				visited[tr.ToStepID] = struct{}{}
				out = append(out, tr.ToStepID)
				next = append(next, tr.ToStepID)
			}
		}
		frontier = next
	}
	return out
}

// Reaches reports whether target is reachable from fromStepID within hops.
func (s *Scenario) Reaches(fromStepID, target string, hops int) bool {
	if fromStepID == target {
		return true
	}
	for _, id := range s.ReachableWithin(fromStepID, hops) {
		if id == target {
			return true
		}
	}
	return false
}

// Descriptor renders the text a re-localization candidate is embedded from:
// the step name, its description, and up to three transition conditions.
func (st *Step) Descriptor() string {
	out := st.Name
	if st.Description != "" {
		out += " | " + st.Description
	}
	for i, tr := range st.Transitions {
		if i == 3 {
			break
		}
		out += " | " + tr.ConditionText
	}
	return out
}
