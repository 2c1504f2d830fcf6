// Package redis implements the ingress idempotency cache and the session
// mailbox on Redis, so the deduplication window and the pending-message
// probe are shared across fabric nodes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// Cache implements ingress.Cache on Redis.
	Cache struct {
		client *redis.Client
		prefix string
	}

	// Mailbox implements turn.Mailbox on Redis.
	Mailbox struct {
		client *redis.Client
		prefix string
		// ttl bounds mailbox entries; stale entries only matter within a
		// turn's lifetime.
		ttl time.Duration
	}
)

// NewCache builds a Redis-backed idempotency cache.
func NewCache(client *redis.Client) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Cache{client: client, prefix: "acf:idem:"}, nil
}

// Get implements ingress.Cache.
func (c *Cache) Get(ctx context.Context, tenant acf.TenantID, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(tenant, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements ingress.Cache. NX keeps the first writer's turn ID under
// concurrent duplicate submissions.
func (c *Cache) Set(ctx context.Context, tenant acf.TenantID, key, turnID string, window time.Duration) error {
	return c.client.SetNX(ctx, c.key(tenant, key), turnID, window).Err()
}

func (c *Cache) key(tenant acf.TenantID, key string) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, tenant, key)
}

// NewMailbox builds a Redis-backed mailbox.
func NewMailbox(client *redis.Client, ttl time.Duration) (*Mailbox, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Mailbox{client: client, prefix: "acf:mailbox:", ttl: ttl}, nil
}

// MarkEnqueued implements turn.Mailbox. The stored value is the latest
// enqueue instant in unix nanoseconds.
func (m *Mailbox) MarkEnqueued(ctx context.Context, sessionKey string, at time.Time) error {
	key := m.prefix + sessionKey
	// Keep the maximum: concurrent marks must not move the instant back.
	script := redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1`)
	return script.Run(ctx, m.client, []string{key},
		at.UnixNano(), m.ttl.Milliseconds()).Err()
}

// EnqueuedSince implements turn.Mailbox.
func (m *Mailbox) EnqueuedSince(ctx context.Context, sessionKey string, since time.Time) (bool, error) {
	val, err := m.client.Get(ctx, m.prefix+sessionKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	last, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("malformed mailbox entry: %w", err)
	}
	return last > since.UnixNano(), nil
}
