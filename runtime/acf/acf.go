// Package acf defines the shared domain types of the Agent Conversation
// Fabric: tenant/agent scoping, session keys, channel tags, content types,
// and the normalized response segments produced by a committed turn.
//
// The fabric's unit of work is a logical turn keyed by a SessionKey. All
// other packages under runtime/acf build on the identifiers defined here.
package acf

import (
	"fmt"
	"strings"
)

type (
	// TenantID identifies a tenant. Opaque; the fabric never parses it beyond
	// equality and key derivation.
	TenantID string

	// AgentID identifies an agent within a tenant.
	AgentID string

	// InterlocutorID identifies the party a session converses with. Assigned
	// by the identity service.
	InterlocutorID string

	// Channel tags the transport a message arrived on (e.g. "whatsapp",
	// "web", "sms", "voice"). Lowercase by convention.
	Channel string

	// SessionKey is the identity on which per-session serialization is
	// enforced. At most one turn workflow runs per key at any moment; the
	// durable orchestrator uses the key as its workflow-group identity.
	SessionKey struct {
		Tenant       TenantID
		Agent        AgentID
		Interlocutor InterlocutorID
		Channel      Channel
	}

	// ContentType classifies the payload of a normalized inbound message.
	ContentType string

	// SegmentType classifies an outbound response segment.
	SegmentType string

	// Segment is one element of a committed turn's normalized response.
	// Channel adapters translate segments into provider wire formats.
	Segment struct {
		Type         SegmentType `json:"type"`
		Text         string      `json:"text,omitempty"`
		MediaURL     string      `json:"media_url,omitempty"`
		MimeType     string      `json:"mime_type,omitempty"`
		Buttons      []Button    `json:"buttons,omitempty"`
		QuickReplies []string    `json:"quick_replies,omitempty"`
	}

	// Button is an interactive element attached to a segment.
	Button struct {
		Label   string `json:"label"`
		Payload string `json:"payload,omitempty"`
		URL     string `json:"url,omitempty"`
	}
)

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
	ContentMixed    ContentType = "mixed"
)

const (
	SegmentText     SegmentType = "text"
	SegmentImage    SegmentType = "image"
	SegmentAudio    SegmentType = "audio"
	SegmentVideo    SegmentType = "video"
	SegmentDocument SegmentType = "document"
)

// sessionKeyPrefix is the literal prefix of the serialized key format.
const sessionKeyPrefix = "sess"

// String renders the key in its canonical wire format:
// sess:{tenant}:{agent}:{interlocutor}:{channel}.
func (k SessionKey) String() string {
	return strings.Join([]string{
		sessionKeyPrefix,
		string(k.Tenant),
		string(k.Agent),
		string(k.Interlocutor),
		string(k.Channel),
	}, ":")
}

// IsZero reports whether the key has no components set.
func (k SessionKey) IsZero() bool {
	return k.Tenant == "" && k.Agent == "" && k.Interlocutor == "" && k.Channel == ""
}

// ParseSessionKey parses the canonical session key format. It rejects keys
// with a wrong prefix, a wrong component count, or empty components.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != sessionKeyPrefix {
		return SessionKey{}, fmt.Errorf("malformed session key %q", s)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return SessionKey{}, fmt.Errorf("session key %q has empty component", s)
		}
	}
	return SessionKey{
		Tenant:       TenantID(parts[1]),
		Agent:        AgentID(parts[2]),
		Interlocutor: InterlocutorID(parts[3]),
		Channel:      Channel(parts[4]),
	}, nil
}

// ValidContentType reports whether ct is one of the normalized content types.
func ValidContentType(ct ContentType) bool {
	switch ct {
	case ContentText, ContentImage, ContentAudio, ContentVideo,
		ContentDocument, ContentLocation, ContentContact, ContentMixed:
		return true
	}
	return false
}
