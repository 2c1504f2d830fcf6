// Package webhook implements signed, at-least-once event delivery to tenant
// endpoints: pattern-based subscription matching, payload construction,
// durable delivery workflows with exponential backoff, and automatic
// disabling of failing subscriptions.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
)

// MinSecretLen is the minimum accepted signing secret length in bytes.
const MinSecretLen = 32

// SchemaVersion is the wire schema version stamped on every payload.
const SchemaVersion = "1.0"

type (
	// SubscriptionStatus is the lifecycle state of a subscription.
	SubscriptionStatus string

	// DeliveryStatus is the lifecycle state of one delivery.
	DeliveryStatus string

	// Subscription is a tenant's registration for event delivery.
	Subscription struct {
		ID       string       `json:"id"`
		TenantID acf.TenantID `json:"tenant_id"`
		URL      string       `json:"url"`
		// Secret signs payloads; at least MinSecretLen bytes.
		Secret string `json:"-"`
		// EventPatterns follow the router grammar: "*", "{category}.*",
		// or an exact "{category}.{name}".
		EventPatterns []string `json:"event_patterns"`
		// AgentIDs restricts delivery to specific agents; nil matches all.
		AgentIDs []acf.AgentID `json:"agent_ids,omitempty"`

		Status              SubscriptionStatus `json:"status"`
		TimeoutMs           int                `json:"timeout_ms,omitempty"`
		MaxRetries          int                `json:"max_retries,omitempty"`
		ConsecutiveFailures int                `json:"consecutive_failures"`
		LastSuccessAt       *time.Time         `json:"last_success_at,omitempty"`
		LastFailureAt       *time.Time         `json:"last_failure_at,omitempty"`
	}

	// Delivery tracks one payload's journey to one subscription.
	Delivery struct {
		ID             string         `json:"id"`
		SubscriptionID string         `json:"subscription_id"`
		EventID        string         `json:"event_id"`
		EventType      string         `json:"event_type"`
		Status         DeliveryStatus `json:"status"`
		AttemptCount   int            `json:"attempt_count"`
		NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`

		ResponseStatusCode int    `json:"response_status_code,omitempty"`
		ResponseTimeMs     int64  `json:"response_time_ms,omitempty"`
		LastError          string `json:"last_error,omitempty"`
	}

	// Payload is the wire body POSTed to tenant endpoints. WebhookID is the
	// receiver-side deduplication token for at-least-once delivery.
	Payload struct {
		WebhookID     string          `json:"webhook_id"`
		Timestamp     int64           `json:"timestamp"`
		EventType     string          `json:"event_type"`
		EventID       string          `json:"event_id"`
		TenantID      acf.TenantID    `json:"tenant_id"`
		AgentID       acf.AgentID     `json:"agent_id,omitempty"`
		SessionKey    string          `json:"session_key,omitempty"`
		LogicalTurnID string          `json:"logical_turn_id,omitempty"`
		Payload       json.RawMessage `json:"payload,omitempty"`
		SchemaVersion string          `json:"schema_version"`
	}

	// SubscriptionStore persists subscriptions and their health counters.
	SubscriptionStore interface {
		Create(ctx context.Context, sub Subscription) error
		Get(ctx context.Context, id string) (Subscription, error)
		// ListActive returns the active subscriptions for a tenant.
		ListActive(ctx context.Context, tenant acf.TenantID) ([]Subscription, error)
		// RecordSuccess resets the failure counter and stamps
		// last_success_at.
		RecordSuccess(ctx context.Context, id string, at time.Time) error
		// RecordFailure increments the failure counter, stamps
		// last_failure_at, and returns the new count.
		RecordFailure(ctx context.Context, id string, at time.Time) (int, error)
		// SetStatus transitions the subscription lifecycle state.
		SetStatus(ctx context.Context, id string, status SubscriptionStatus) error
	}

	// DeliveryStore persists delivery records for observability. Delivery
	// durability itself is the orchestrator's concern; this store is the
	// queryable ledger.
	DeliveryStore interface {
		Put(ctx context.Context, d Delivery) error
		Get(ctx context.Context, id string) (Delivery, error)
	}
)

const (
	// SubscriptionPending awaits challenge-response verification.
	SubscriptionPending SubscriptionStatus = "pending"
	// SubscriptionActive receives deliveries.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPaused is excluded from matching until resumed.
	SubscriptionPaused SubscriptionStatus = "paused"
	// SubscriptionDisabled is terminal until operator intervention;
	// reached automatically after the failure threshold.
	SubscriptionDisabled SubscriptionStatus = "disabled"

	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

var (
	// ErrSubscriptionNotFound indicates an unknown subscription ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrDeliveryNotFound indicates an unknown delivery ID.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrWeakSecret indicates a signing secret below MinSecretLen.
	ErrWeakSecret = errors.New("webhook secret must be at least 32 bytes")
	// ErrInsecureURL indicates a plain-http endpoint where HTTPS is
	// required.
	ErrInsecureURL = errors.New("webhook url must use https")
)

// MatchesAgent reports whether the subscription covers the agent.
func (s *Subscription) MatchesAgent(agent acf.AgentID) bool {
	if len(s.AgentIDs) == 0 {
		return true
	}
	for _, a := range s.AgentIDs {
		if a == agent {
			return true
		}
	}
	return false
}
