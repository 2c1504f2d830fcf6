// Package inmem provides an in-memory audit store for tests and local
// development.
package inmem

import (
	"context"
	"sync"

	"github.com/ruche-ai/fabric/runtime/acf/audit"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

// Store is a process-local audit.Store preserving insertion order.
type Store struct {
	mu     sync.RWMutex
	events []event.Event
	closed bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audit.ErrClosed
	}
	s.events = append(s.events, evt)
	return nil
}

// List implements audit.Store.
func (s *Store) List(_ context.Context, q audit.Query) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if q.TenantID != "" && e.TenantID != q.TenantID {
			continue
		}
		if q.SessionKey != "" && e.SessionKey != q.SessionKey {
			continue
		}
		if q.LogicalTurnID != "" && e.LogicalTurnID != q.LogicalTurnID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Close marks the store closed; subsequent appends fail.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
