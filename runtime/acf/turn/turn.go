// Package turn implements the fabric's core workflow: per-session-key turn
// scheduling on the durable orchestrator. The workflow aggregates inbound
// messages into logical turns, drives the cognitive pipeline, coordinates
// supersede against commit points, and commits session state via CAS.
//
// One workflow execution runs per session key; the orchestrator's
// signal-with-start primitive is the session slot. The workflow stays
// resident across turns and completes when the session idles out or
// closes, so session singleness holds without an application lock.
package turn

import (
	"context"
	"sync"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/toolbox"
)

// Workflow and signal identifiers.
const (
	// WorkflowName is the turn scheduler workflow.
	WorkflowName = "TurnWorkflow"
	// SignalMessage delivers normalized envelopes to the session workflow.
	SignalMessage = "acf.message"
)

type (
	// State is the lifecycle of a logical turn.
	State string

	// LogicalTurn is the unit of work produced by aggregation.
	LogicalTurn struct {
		ID string `json:"id"`
		// Messages are the absorbed envelopes in arrival order.
		Messages  []message.RawMessage `json:"messages"`
		StartedAt time.Time            `json:"started_at"`
		State     State                `json:"state"`
		// CommitReached is set once an irreversible tool succeeded.
		CommitReached bool `json:"commit_reached"`
		// AttemptedTools records tool invocations for audit.
		AttemptedTools []toolbox.Attempt `json:"attempted_tools,omitempty"`
	}

	// WorkflowInput starts a session workflow.
	WorkflowInput struct {
		SessionKey     string             `json:"session_key"`
		TenantID       acf.TenantID       `json:"tenant_id"`
		AgentID        acf.AgentID        `json:"agent_id"`
		InterlocutorID acf.InterlocutorID `json:"interlocutor_id"`
		Channel        acf.Channel        `json:"channel"`
	}

	// MessageSignal is the payload of SignalMessage.
	MessageSignal struct {
		Message message.RawMessage `json:"message"`
		// Supersede requests immediate window close and, under the
		// cancel_in_progress policy, cancellation of the in-flight turn.
		Supersede bool `json:"supersede,omitempty"`
	}

	// Mailbox tracks message enqueue times per session key so pipeline
	// activities can answer HasPendingMessages without reaching into the
	// workflow. The ingress marks enqueues; production deployments use the
	// Redis-backed mailbox so all workers share the view.
	Mailbox interface {
		// MarkEnqueued records a message enqueue for the session.
		MarkEnqueued(ctx context.Context, sessionKey string, at time.Time) error
		// EnqueuedSince reports whether any message was enqueued after the
		// given instant.
		EnqueuedSince(ctx context.Context, sessionKey string, since time.Time) (bool, error)
	}

	// Responder delivers committed response segments to the channel
	// adapter. The fabric treats delivery as fire-and-forget; adapters own
	// provider-specific retries.
	Responder interface {
		Deliver(ctx context.Context, sessionKey string, turnID string, segments []acf.Segment) error
	}

	// MemMailbox is a process-local Mailbox.
	MemMailbox struct {
		mu   sync.Mutex
		last map[string]time.Time
	}
)

const (
	// StateAccumulating marks the aggregation window.
	StateAccumulating State = "accumulating"
	// StateRunning marks pipeline execution.
	StateRunning State = "running"
	// StateSuperseded is terminal: a newer turn replaced this one.
	StateSuperseded State = "superseded"
	// StateCommitted is terminal and blocks supersede.
	StateCommitted State = "committed"
	// StateFailed is terminal with a classified error.
	StateFailed State = "failed"
)

// NewMemMailbox returns an empty mailbox.
func NewMemMailbox() *MemMailbox {
	return &MemMailbox{last: make(map[string]time.Time)}
}

// MarkEnqueued implements Mailbox.
func (m *MemMailbox) MarkEnqueued(_ context.Context, sessionKey string, at time.Time) error {
	m.mu.Lock()
	if at.After(m.last[sessionKey]) {
		m.last[sessionKey] = at
	}
	m.mu.Unlock()
	return nil
}

// EnqueuedSince implements Mailbox.
func (m *MemMailbox) EnqueuedSince(_ context.Context, sessionKey string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[sessionKey]
	return ok && last.After(since), nil
}
