// Package stream defines the live-stream fan-out seam of the event router.
// Sinks deliver fabric events to SSE/WebSocket subscribers or message buses
// (Pulse); delivery is best-effort and never blocks a turn.
package stream

import (
	"context"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf/event"
)

type (
	// Sink publishes fabric events to a live transport. Implementations
	// must be safe for concurrent Send calls.
	Sink interface {
		// Send publishes one event. Errors are reported to the router's
		// metrics and logger; they never fail the emitting turn.
		Send(ctx context.Context, env Envelope) error
		// Close releases transport resources. Idempotent.
		Close(ctx context.Context) error
	}

	// Envelope is the wire form published to live streams.
	Envelope struct {
		Type          string         `json:"type"`
		EventID       string         `json:"event_id"`
		SessionKey    string         `json:"session_key"`
		LogicalTurnID string         `json:"logical_turn_id,omitempty"`
		Timestamp     time.Time      `json:"timestamp"`
		Payload       map[string]any `json:"payload,omitempty"`
	}

	// Profile selects which event categories a sink receives. The zero
	// profile receives nothing.
	Profile struct {
		Turn        bool
		Tool        bool
		Supersede   bool
		Commit      bool
		Enforcement bool
		Session     bool
		Mutex       bool
	}
)

// DefaultProfile streams the client-facing categories and omits mutex
// bookkeeping.
func DefaultProfile() Profile {
	return Profile{
		Turn:        true,
		Tool:        true,
		Supersede:   true,
		Commit:      true,
		Enforcement: true,
		Session:     true,
	}
}

// Wants reports whether the profile includes the event's category.
func (p Profile) Wants(cat event.Category) bool {
	switch cat {
	case event.CategoryTurn:
		return p.Turn
	case event.CategoryTool:
		return p.Tool
	case event.CategorySupersede:
		return p.Supersede
	case event.CategoryCommit:
		return p.Commit
	case event.CategoryEnforcement:
		return p.Enforcement
	case event.CategorySession:
		return p.Session
	case event.CategoryMutex:
		return p.Mutex
	}
	return false
}

// FromEvent builds the wire envelope for a fabric event.
func FromEvent(evt event.Event) Envelope {
	return Envelope{
		Type:          string(evt.Type),
		EventID:       evt.ID,
		SessionKey:    evt.SessionKey,
		LogicalTurnID: evt.LogicalTurnID,
		Timestamp:     evt.Timestamp,
		Payload:       evt.Payload,
	}
}
