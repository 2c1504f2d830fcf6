package scenario

import (
	"context"
	"errors"
	"sync"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// Store resolves published scenario versions per (tenant, agent).
	Store interface {
		// Current returns the latest published version of the scenario.
		Current(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, scenarioID string) (*Scenario, error)
		// Version returns one specific version, used by reconciliation to
		// diff against the session's stored version.
		Version(ctx context.Context, tenant acf.TenantID, agent acf.AgentID, scenarioID string, version int) (*Scenario, error)
	}

	// MemStore is an in-process scenario store.
	MemStore struct {
		mu        sync.RWMutex
		scenarios map[memKey]map[int]*Scenario
		latest    map[memKey]int
	}

	memKey struct {
		tenant acf.TenantID
		agent  acf.AgentID
		id     string
	}
)

// ErrScenarioNotFound indicates no such scenario or version is published.
var ErrScenarioNotFound = errors.New("scenario not found")

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		scenarios: make(map[memKey]map[int]*Scenario),
		latest:    make(map[memKey]int),
	}
}

// Publish validates and installs a scenario version. Versions must be
// monotonically increasing per scenario.
func (s *MemStore) Publish(tenant acf.TenantID, agent acf.AgentID, sc *Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{tenant, agent, sc.ID}
	if sc.Version <= s.latest[k] {
		return errors.New("scenario version must increase")
	}
	if s.scenarios[k] == nil {
		s.scenarios[k] = make(map[int]*Scenario)
	}
	s.scenarios[k][sc.Version] = sc
	s.latest[k] = sc.Version
	return nil
}

// Current implements Store.
func (s *MemStore) Current(_ context.Context, tenant acf.TenantID, agent acf.AgentID, scenarioID string) (*Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := memKey{tenant, agent, scenarioID}
	v, ok := s.latest[k]
	if !ok {
		return nil, ErrScenarioNotFound
	}
	return s.scenarios[k][v], nil
}

// Version implements Store.
func (s *MemStore) Version(_ context.Context, tenant acf.TenantID, agent acf.AgentID, scenarioID string, version int) (*Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[memKey{tenant, agent, scenarioID}][version]
	if !ok {
		return nil, ErrScenarioNotFound
	}
	return sc, nil
}
