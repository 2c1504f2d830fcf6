package toolbox

import (
	"context"
	"sync"
)

// MemLedger is a process-local commit ledger for tests and single-node
// deployments. Production deployments use the Redis-backed ledger so all
// activity workers observe commit points.
type MemLedger struct {
	mu        sync.RWMutex
	committed map[string]struct{}
}

// NewMemLedger returns an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{committed: make(map[string]struct{})}
}

// MarkCommitted implements Ledger.
func (l *MemLedger) MarkCommitted(_ context.Context, logicalTurnID string) error {
	l.mu.Lock()
	l.committed[logicalTurnID] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Committed implements Ledger.
func (l *MemLedger) Committed(_ context.Context, logicalTurnID string) (bool, error) {
	l.mu.RLock()
	_, ok := l.committed[logicalTurnID]
	l.mu.RUnlock()
	return ok, nil
}
