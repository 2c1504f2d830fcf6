// Package session defines durable per-session state and the CAS store
// contract that serializes writers.
//
// State is the single value persisted under a session key. Every
// mutation increments Version and is written with compare-and-swap; there
// is no application-level lock around session state.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
)

// StepHistoryCap bounds the step history kept on a session.
const StepHistoryCap = 50

type (
	// Status is the session lifecycle state.
	Status string

	// State is the durable session record keyed by the session key.
	State struct {
		// Key is the owning session key.
		Key acf.SessionKey `json:"-" bson:"-"`
		// Version is the monotonic CAS token. Every persisted mutation
		// increments it by exactly one.
		Version int64 `json:"version" bson:"version"`

		// ActiveScenarioID, ActiveScenarioVersion and ActiveStepID are set
		// together or all unset.
		ActiveScenarioID      string `json:"active_scenario_id,omitempty" bson:"active_scenario_id,omitempty"`
		ActiveScenarioVersion int    `json:"active_scenario_version,omitempty" bson:"active_scenario_version,omitempty"`
		ActiveStepID          string `json:"active_step_id,omitempty" bson:"active_step_id,omitempty"`

		// StepHistory is the bounded trail of scenario steps entered.
		StepHistory []StepVisit `json:"step_history,omitempty" bson:"step_history,omitempty"`

		RelocalizationCount int `json:"relocalization_count" bson:"relocalization_count"`
		// LowScoreStreak counts consecutive turns whose best transition
		// score fell below the sanity threshold; it arms re-localization.
		LowScoreStreak int       `json:"low_score_streak,omitempty" bson:"low_score_streak,omitempty"`
		LastTurnAt          time.Time `json:"last_turn_at,omitempty" bson:"last_turn_at,omitempty"`
		TurnCount           int64     `json:"turn_count" bson:"turn_count"`
		Status              Status    `json:"status" bson:"status"`
		CreatedAt           time.Time `json:"created_at" bson:"created_at"`

		// Variables is the small customer/flow variable map. Opaque to the
		// fabric; scenario gap-fill and pipelines read and write it.
		Variables map[string]string `json:"variables,omitempty" bson:"variables,omitempty"`
	}

	// StepVisit records one entry into a scenario step.
	StepVisit struct {
		StepID     string    `json:"step_id" bson:"step_id"`
		EnteredAt  time.Time `json:"entered_at" bson:"entered_at"`
		TurnNumber int64     `json:"turn_number" bson:"turn_number"`
		// Reason describes why the step was entered, e.g. "transition",
		// "entry", "relocalize:step_deleted".
		Reason     string  `json:"reason" bson:"reason"`
		Confidence float64 `json:"confidence" bson:"confidence"`
	}

	// Store persists session state with compare-and-swap semantics.
	//
	// Contract:
	//   - Get returns ErrNotFound when no state exists under the key.
	//   - Put succeeds only when the stored version equals expectedVersion;
	//     it persists state with Version = expectedVersion + 1 and returns
	//     the new version. ErrVersionConflict otherwise.
	//   - Create inserts version 1 iff no state exists; ErrAlreadyExists
	//     otherwise.
	Store interface {
		Get(ctx context.Context, key acf.SessionKey) (State, error)
		Create(ctx context.Context, state State) (State, error)
		Put(ctx context.Context, state State, expectedVersion int64) (State, error)
		// Delete removes the state; used by retention sweeps, not by turns.
		Delete(ctx context.Context, key acf.SessionKey) error
	}
)

const (
	// StatusActive marks a session accepting turns.
	StatusActive Status = "active"
	// StatusIdle marks a session past its idle window but not closed.
	StatusIdle Status = "idle"
	// StatusClosed is terminal; new messages open a fresh session.
	StatusClosed Status = "closed"
)

var (
	// ErrNotFound indicates no session state exists under the key.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists indicates Create raced a concurrent insert.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrVersionConflict indicates a CAS write lost to a concurrent writer.
	ErrVersionConflict = errors.New("session version conflict")
)

// ScenarioActive reports whether the scenario triple is set.
func (s *State) ScenarioActive() bool {
	return s.ActiveScenarioID != "" && s.ActiveStepID != ""
}

// ClearScenario unsets the scenario triple together, preserving history.
func (s *State) ClearScenario() {
	s.ActiveScenarioID = ""
	s.ActiveScenarioVersion = 0
	s.ActiveStepID = ""
}

// EnterStep sets the active step and appends a bounded history entry.
func (s *State) EnterStep(stepID string, at time.Time, reason string, confidence float64) {
	s.ActiveStepID = stepID
	s.StepHistory = append(s.StepHistory, StepVisit{
		StepID:     stepID,
		EnteredAt:  at,
		TurnNumber: s.TurnCount,
		Reason:     reason,
		Confidence: confidence,
	})
	if n := len(s.StepHistory); n > StepHistoryCap {
		s.StepHistory = append(s.StepHistory[:0], s.StepHistory[n-StepHistoryCap:]...)
	}
}

// Clone returns a deep copy safe to hand to pipelines.
func (s *State) Clone() State {
	out := *s
	if s.StepHistory != nil {
		out.StepHistory = append([]StepVisit(nil), s.StepHistory...)
	}
	if s.Variables != nil {
		out.Variables = make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			out.Variables[k] = v
		}
	}
	return out
}
