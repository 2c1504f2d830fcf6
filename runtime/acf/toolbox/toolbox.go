// Package toolbox executes tools on behalf of the cognitive pipeline with
// declared side-effect policies and idempotency keys. Irreversible
// successes flip the turn's commit point: once a commit is recorded, no
// supersede may cancel the turn.
package toolbox

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

type (
	// SideEffectPolicy declares how a tool's effects interact with
	// supersede and retry.
	SideEffectPolicy string

	// ResultStatus classifies a tool attempt outcome.
	ResultStatus string

	// ToolFunc is a tool implementation. Args and output are
	// JSON-serializable maps.
	ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

	// Registration declares a tool and its execution policy.
	Registration struct {
		Name   string
		Policy SideEffectPolicy
		// Timeout bounds one execution; zero means the executor default.
		Timeout time.Duration
		Handler ToolFunc
	}

	// Request describes one tool invocation within a turn.
	Request struct {
		ToolID string
		Args   map[string]any
		// IdempotencyKey dedups retried invocations. Required for
		// irreversible tools.
		IdempotencyKey string

		// Turn attribution, stamped onto emitted events.
		LogicalTurnID string
		SessionKey    string
		TenantID      acf.TenantID
		AgentID       acf.AgentID
	}

	// Result is the outcome of a tool attempt.
	Result struct {
		Status ResultStatus   `json:"status"`
		Output map[string]any `json:"output,omitempty"`
		Error  string         `json:"error,omitempty"`
		// Policy echoes the tool's declared side-effect policy.
		Policy SideEffectPolicy `json:"policy"`
	}

	// Attempt is the per-turn record of one tool invocation, kept on the
	// logical turn for audit and supersede decisions.
	Attempt struct {
		ToolName       string           `json:"tool_name"`
		IdempotencyKey string           `json:"idempotency_key,omitempty"`
		Policy         SideEffectPolicy `json:"side_effect_policy"`
		Status         ResultStatus     `json:"result_status"`
	}

	// Ledger records commit points per logical turn. The scheduler consults
	// it when deciding whether a supersede cancel may be honored, so the
	// ledger must be visible across activity workers in production (the
	// Redis implementation under features/ledger).
	Ledger interface {
		// MarkCommitted records that an irreversible tool succeeded in the
		// turn. Idempotent.
		MarkCommitted(ctx context.Context, logicalTurnID string) error
		// Committed reports whether the turn has reached its commit point.
		Committed(ctx context.Context, logicalTurnID string) (bool, error)
	}
)

const (
	// PolicyNone marks tools with no external side effects.
	PolicyNone SideEffectPolicy = "none"
	// PolicyReversible marks tools whose effects can be compensated.
	PolicyReversible SideEffectPolicy = "reversible"
	// PolicyIrreversible marks tools whose effects cannot be undone. A
	// successful irreversible tool sets the turn's commit point.
	PolicyIrreversible SideEffectPolicy = "irreversible"

	StatusOK     ResultStatus = "ok"
	StatusFailed ResultStatus = "failed"
)

var (
	// ErrUnknownTool indicates no registration exists for the tool ID.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrMissingIdempotencyKey indicates an irreversible tool was invoked
	// without an idempotency key.
	ErrMissingIdempotencyKey = errors.New("irreversible tool requires an idempotency key")
)

// eventPayload builds the common payload for tool events.
func (r Request) eventPayload(reg Registration) map[string]any {
	return map[string]any{
		"tool_name":          reg.Name,
		"side_effect_policy": string(reg.Policy),
		"idempotency_key":    r.IdempotencyKey,
	}
}

// baseEvent stamps turn attribution onto a tool event.
func (r Request) baseEvent(t event.Type, payload map[string]any) event.Event {
	return event.Event{
		Type:          t,
		LogicalTurnID: r.LogicalTurnID,
		SessionKey:    r.SessionKey,
		TenantID:      r.TenantID,
		AgentID:       r.AgentID,
		Payload:       payload,
	}
}
