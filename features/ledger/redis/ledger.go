// Package redis implements the commit-point ledger on Redis so every
// activity worker observes commit markers, not just the process that ran
// the irreversible tool.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements toolbox.Ledger on Redis.
type Ledger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLedger builds a Redis-backed commit ledger. Markers expire after ttl;
// a day covers any turn lifetime with a wide margin.
func NewLedger(client *redis.Client, ttl time.Duration) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{client: client, prefix: "acf:commit:", ttl: ttl}, nil
}

// MarkCommitted implements toolbox.Ledger.
func (l *Ledger) MarkCommitted(ctx context.Context, logicalTurnID string) error {
	return l.client.Set(ctx, l.prefix+logicalTurnID, "1", l.ttl).Err()
}

// Committed implements toolbox.Ledger.
func (l *Ledger) Committed(ctx context.Context, logicalTurnID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+logicalTurnID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
