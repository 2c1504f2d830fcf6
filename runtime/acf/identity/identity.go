// Package identity defines the interlocutor resolution contract consumed by
// the ingress. Channel identities map to interlocutors under a unique index
// on (tenant, agent, channel, channel_user_id); resolution is atomic
// insert-or-select.
package identity

import (
	"context"
	"errors"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// Kind tags the nature of an interlocutor.
	Kind string

	// Interlocutor is the resolved conversational party.
	Interlocutor struct {
		ID   acf.InterlocutorID
		Kind Kind
		// Identities are the channel identities owned by this interlocutor,
		// in link order.
		Identities []ChannelIdentity
		// Phone and Email support cross-channel auto-link when the tenant
		// policy enables it.
		Phone string
		Email string
	}

	// ChannelIdentity is one (channel, channel_user_id) pair.
	ChannelIdentity struct {
		Channel       acf.Channel
		ChannelUserID string
	}

	// Service resolves and links channel identities.
	Service interface {
		// ResolveOrCreate returns the interlocutor owning the channel
		// identity, creating one when absent. Concurrent creates for the
		// same identity resolve to a single interlocutor.
		ResolveOrCreate(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, ch acf.Channel, channelUserID string) (acf.InterlocutorID, bool, error)

		// Link attaches a channel identity to an existing interlocutor.
		// Idempotent when the identity already belongs to it; ErrConflict
		// when it belongs to a different interlocutor.
		Link(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID, ch acf.Channel, channelUserID string) error

		// Unlink detaches a channel identity. When createNew is true the
		// identity is moved onto a freshly created interlocutor whose ID is
		// returned.
		Unlink(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID, ch acf.Channel, channelUserID string, createNew bool) (acf.InterlocutorID, error)

		// Get returns the interlocutor record.
		Get(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID) (Interlocutor, error)
	}
)

const (
	KindHuman  Kind = "human"
	KindAgent  Kind = "agent"
	KindSystem Kind = "system"
	KindBot    Kind = "bot"
)

var (
	// ErrNotFound indicates the interlocutor or identity does not exist.
	ErrNotFound = errors.New("interlocutor not found")
	// ErrConflict indicates the channel identity already belongs to a
	// different interlocutor.
	ErrConflict = errors.New("channel identity conflict")
	// ErrUnavailable indicates a transient backend failure; retryable.
	ErrUnavailable = errors.New("identity service unavailable")
)
