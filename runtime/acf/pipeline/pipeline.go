// Package pipeline defines the contract between the turn scheduler and the
// cognitive pipeline. The pipeline is an external collaborator: the fabric
// hands it a frozen TurnContext and receives a TurnResult; the only
// callback upward is Emit, and the only mid-run probe is
// HasPendingMessages.
package pipeline

import (
	"context"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/scenario"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

type (
	// TurnContext is the frozen input to one pipeline run.
	TurnContext struct {
		LogicalTurnID string
		SessionKey    acf.SessionKey

		// Messages are the aggregated inbound messages in arrival order.
		Messages []message.RawMessage

		// Session is a snapshot of the session state at turn entry. The
		// pipeline mutates the copy; the scheduler commits it via CAS.
		Session session.State

		// Scenario carries the reconciled scenario state for the turn, nil
		// when the session has no active scenario.
		Scenario *scenario.Reconciled

		// Config is the configuration snapshot loaded at turn entry.
		Config config.Config

		// HasPendingMessages reports whether fresh messages have queued
		// behind this turn. Pipelines are expected to check it before
		// invoking irreversible tools and may abort cooperatively when it
		// returns true and no commit point has been reached.
		HasPendingMessages func() bool

		// Emit routes an event through the fabric's router.
		Emit func(ctx context.Context, evt event.Event) error
	}

	// TurnResult is the single terminal outcome of a pipeline run.
	TurnResult struct {
		// Segments is the normalized response delivered on commit.
		Segments []acf.Segment `json:"segments,omitempty"`

		// NewState is the session state to persist. Nil means keep the
		// entry snapshot (the scheduler still advances turn counters).
		NewState *session.State `json:"new_state,omitempty"`

		// Abort requests cooperative supersede: the scheduler marks the
		// turn superseded and starts the successor with both message sets.
		Abort bool `json:"abort,omitempty"`

		// Err carries a classified failure. Only unexpected faults
		// propagate as Go errors from Run.
		Err *acf.Error `json:"error,omitempty"`
	}

	// Pipeline turns a TurnContext into a TurnResult. Implementations may
	// call tools through the toolbox and must respect the context deadline
	// (brain_timeout_ms).
	Pipeline interface {
		Run(ctx context.Context, tc *TurnContext) (*TurnResult, error)
	}

	// Func adapts a function to the Pipeline interface.
	Func func(ctx context.Context, tc *TurnContext) (*TurnResult, error)
)

// Run implements Pipeline.
func (f Func) Run(ctx context.Context, tc *TurnContext) (*TurnResult, error) {
	return f(ctx, tc)
}
