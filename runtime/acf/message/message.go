// Package message defines the normalized ingress envelope and its
// validation rules. Channel adapters produce RawMessage values; the ingress
// validates them before identity resolution and dispatch.
package message

import (
	"encoding/json"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// RawMessage is the normalized inbound envelope. Decoders ignore unknown
	// fields; Metadata carries only the envelope's own "metadata" object.
	RawMessage struct {
		TenantID      acf.TenantID    `json:"tenant_id"`
		AgentID       acf.AgentID     `json:"agent_id"`
		Channel       acf.Channel     `json:"channel"`
		ChannelUserID string          `json:"channel_user_id"`
		ContentType   acf.ContentType `json:"content_type"`
		// Text may be empty when ContentType is not text and media, location
		// or structured content carries the payload.
		Text      string     `json:"text,omitempty"`
		Media     []Media    `json:"media,omitempty"`
		Location  *Location  `json:"location,omitempty"`
		Contact   *Contact   `json:"contact,omitempty"`
		Structured json.RawMessage `json:"structured,omitempty"`
		// ProviderMessageID is the channel provider's message identifier,
		// used for tracing and provider-side dedup.
		ProviderMessageID string `json:"provider_message_id"`
		// IdempotencyKey, when set, dedups ingress submissions within the
		// configured window (spec: chat 5 min, mutation 1 min).
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
		ReceivedAt     time.Time      `json:"received_at"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}

	// Media references one media attachment.
	Media struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type,omitempty"`
		Caption  string `json:"caption,omitempty"`
		// SizeBytes is the provider-reported size, zero when unknown.
		SizeBytes int64 `json:"size_bytes,omitempty"`
	}

	// Location is a shared geographic point.
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name,omitempty"`
		Address   string  `json:"address,omitempty"`
	}

	// Contact is a shared contact card.
	Contact struct {
		Name   string   `json:"name"`
		Phones []string `json:"phones,omitempty"`
		Emails []string `json:"emails,omitempty"`
	}
)

// SessionHint returns the advisory session hint from upstream routers, if
// present in the envelope metadata. The hint never overrides the derived
// session key.
func (m *RawMessage) SessionHint() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["session_hint"].(string); ok {
		return v
	}
	return ""
}

// PayloadBytes approximates the envelope size used against the ingress cap
// and the aggregation byte cap. It is the JSON length of the envelope.
func (m *RawMessage) PayloadBytes() int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}
