package webhook

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

type (
	// MemSubscriptionStore is a process-local SubscriptionStore.
	MemSubscriptionStore struct {
		mu   sync.RWMutex
		subs map[string]Subscription
	}

	// MemDeliveryStore is a process-local DeliveryStore.
	MemDeliveryStore struct {
		mu         sync.RWMutex
		deliveries map[string]Delivery
	}
)

// NewMemSubscriptionStore returns an empty subscription store.
func NewMemSubscriptionStore() *MemSubscriptionStore {
	return &MemSubscriptionStore{subs: make(map[string]Subscription)}
}

// Create validates and stores a subscription. New subscriptions start
// pending until challenge-response activation.
func (s *MemSubscriptionStore) Create(_ context.Context, sub Subscription) error {
	if len(sub.Secret) < MinSecretLen {
		return ErrWeakSecret
	}
	if !strings.HasPrefix(sub.URL, "https://") && !strings.HasPrefix(sub.URL, "http://") {
		return ErrInsecureURL
	}
	for _, p := range sub.EventPatterns {
		if !event.ValidPattern(p) {
			return &acf.Error{Code: acf.CodeInvalidRequest, Message: "invalid event pattern " + p}
		}
	}
	if sub.Status == "" {
		sub.Status = SubscriptionPending
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return nil
}

// Get implements SubscriptionStore.
func (s *MemSubscriptionStore) Get(_ context.Context, id string) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListActive implements SubscriptionStore.
func (s *MemSubscriptionStore) ListActive(_ context.Context, tenant acf.TenantID) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenant && sub.Status == SubscriptionActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

// RecordSuccess implements SubscriptionStore.
func (s *MemSubscriptionStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.ConsecutiveFailures = 0
	sub.LastSuccessAt = &at
	s.subs[id] = sub
	return nil
}

// RecordFailure implements SubscriptionStore.
func (s *MemSubscriptionStore) RecordFailure(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return 0, ErrSubscriptionNotFound
	}
	sub.ConsecutiveFailures++
	sub.LastFailureAt = &at
	s.subs[id] = sub
	return sub.ConsecutiveFailures, nil
}

// SetStatus implements SubscriptionStore.
func (s *MemSubscriptionStore) SetStatus(_ context.Context, id string, status SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Status = status
	s.subs[id] = sub
	return nil
}

// NewMemDeliveryStore returns an empty delivery store.
func NewMemDeliveryStore() *MemDeliveryStore {
	return &MemDeliveryStore{deliveries: make(map[string]Delivery)}
}

// Put implements DeliveryStore.
func (s *MemDeliveryStore) Put(_ context.Context, d Delivery) error {
	s.mu.Lock()
	s.deliveries[d.ID] = d
	s.mu.Unlock()
	return nil
}

// Get implements DeliveryStore.
func (s *MemDeliveryStore) Get(_ context.Context, id string) (Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	return d, nil
}
