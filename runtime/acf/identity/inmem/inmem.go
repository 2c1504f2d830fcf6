// Package inmem provides an in-memory identity service for tests and local
// development. It enforces the unique-index semantics of the contract with
// a single mutex standing in for the database constraint.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/identity"
)

type (
	// Service is a process-local identity.Service.
	Service struct {
		mu sync.Mutex
		// byIdentity maps the unique identity key to its owner.
		byIdentity map[identityKey]acf.InterlocutorID
		records    map[recordKey]*identity.Interlocutor
	}

	identityKey struct {
		tenant        acf.TenantID
		agent         acf.AgentID
		channel       acf.Channel
		channelUserID string
	}

	recordKey struct {
		tenant acf.TenantID
		agent  acf.AgentID
		id     acf.InterlocutorID
	}
)

// New returns an empty in-memory identity service.
func New() *Service {
	return &Service{
		byIdentity: make(map[identityKey]acf.InterlocutorID),
		records:    make(map[recordKey]*identity.Interlocutor),
	}
}

// ResolveOrCreate implements identity.Service.
func (s *Service) ResolveOrCreate(_ context.Context, tenant acf.TenantID, agent acf.AgentID, ch acf.Channel, channelUserID string) (acf.InterlocutorID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ik := identityKey{tenant, agent, ch, channelUserID}
	if id, ok := s.byIdentity[ik]; ok {
		return id, false, nil
	}
	id := acf.InterlocutorID(uuid.NewString())
	s.byIdentity[ik] = id
	s.records[recordKey{tenant, agent, id}] = &identity.Interlocutor{
		ID:   id,
		Kind: identity.KindHuman,
		Identities: []identity.ChannelIdentity{
			{Channel: ch, ChannelUserID: channelUserID},
		},
	}
	return id, true, nil
}

// Link implements identity.Service.
func (s *Service) Link(_ context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID, ch acf.Channel, channelUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenant, agent, id}]
	if !ok {
		return identity.ErrNotFound
	}
	ik := identityKey{tenant, agent, ch, channelUserID}
	if owner, ok := s.byIdentity[ik]; ok {
		if owner == id {
			return nil
		}
		return identity.ErrConflict
	}
	s.byIdentity[ik] = id
	rec.Identities = append(rec.Identities, identity.ChannelIdentity{Channel: ch, ChannelUserID: channelUserID})
	return nil
}

// Unlink implements identity.Service.
func (s *Service) Unlink(_ context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID, ch acf.Channel, channelUserID string, createNew bool) (acf.InterlocutorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenant, agent, id}]
	if !ok {
		return "", identity.ErrNotFound
	}
	ik := identityKey{tenant, agent, ch, channelUserID}
	if owner, ok := s.byIdentity[ik]; !ok || owner != id {
		return "", identity.ErrNotFound
	}
	delete(s.byIdentity, ik)
	for i, ci := range rec.Identities {
		if ci.Channel == ch && ci.ChannelUserID == channelUserID {
			rec.Identities = append(rec.Identities[:i], rec.Identities[i+1:]...)
			break
		}
	}
	if !createNew {
		return "", nil
	}
	newID := acf.InterlocutorID(uuid.NewString())
	s.byIdentity[ik] = newID
	s.records[recordKey{tenant, agent, newID}] = &identity.Interlocutor{
		ID:   newID,
		Kind: rec.Kind,
		Identities: []identity.ChannelIdentity{
			{Channel: ch, ChannelUserID: channelUserID},
		},
	}
	return newID, nil
}

// Get implements identity.Service.
func (s *Service) Get(_ context.Context, tenant acf.TenantID, agent acf.AgentID, id acf.InterlocutorID) (identity.Interlocutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenant, agent, id}]
	if !ok {
		return identity.Interlocutor{}, identity.ErrNotFound
	}
	out := *rec
	out.Identities = append([]identity.ChannelIdentity(nil), rec.Identities...)
	return out, nil
}
