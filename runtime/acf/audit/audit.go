// Package audit defines the append-only event persistence contract. Events
// of categories turn, tool, and commit must be durable before their turn is
// marked committed; the router enforces that ordering, the store only
// appends.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

type (
	// Query filters audit reads. Zero fields are unconstrained.
	Query struct {
		TenantID      acf.TenantID
		SessionKey    string
		LogicalTurnID string
		Type          event.Type
		Since         time.Time
		Until         time.Time
		// Limit caps the result size; zero means the store default.
		Limit int
	}

	// Store persists fabric events append-only, ordered by
	// (tenant_id, logical_turn_id, event_type, timestamp).
	//
	// Append must preserve emission order for events of the same turn:
	// the router appends sequentially per turn, so stores only need to keep
	// insertion order stable.
	Store interface {
		Append(ctx context.Context, evt event.Event) error
		List(ctx context.Context, q Query) ([]event.Event, error)
	}
)

// ErrClosed indicates the store has shut down and rejects appends.
var ErrClosed = errors.New("audit store closed")
