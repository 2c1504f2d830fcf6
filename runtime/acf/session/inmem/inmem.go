// Package inmem provides an in-memory session store for tests and local
// development. It honors the CAS contract of session.Store.
package inmem

import (
	"context"
	"sync"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

// Store is a process-local session.Store.
type Store struct {
	mu     sync.Mutex
	states map[string]session.State
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{states: make(map[string]session.State)}
}

// Get implements session.Store.
func (s *Store) Get(_ context.Context, key acf.SessionKey) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key.String()]
	if !ok {
		return session.State{}, session.ErrNotFound
	}
	out := st.Clone()
	out.Key = key
	return out, nil
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, state session.State) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := state.Key.String()
	if _, ok := s.states[k]; ok {
		return session.State{}, session.ErrAlreadyExists
	}
	state.Version = 1
	s.states[k] = state.Clone()
	return state, nil
}

// Put implements session.Store.
func (s *Store) Put(_ context.Context, state session.State, expectedVersion int64) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := state.Key.String()
	cur, ok := s.states[k]
	if !ok {
		return session.State{}, session.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return session.State{}, session.ErrVersionConflict
	}
	state.Version = expectedVersion + 1
	s.states[k] = state.Clone()
	return state, nil
}

// Delete implements session.Store.
func (s *Store) Delete(_ context.Context, key acf.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key.String())
	return nil
}
