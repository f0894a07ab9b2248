// Package concurrency caps dial slots across every dispatcher instance that
// shares one Redis.
package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// GlobalGuard is a Redis counter bounding concurrent calls cluster-wide. The
// key expires after ttl without activity so that slots held by a crashed
// instance are eventually returned.
type GlobalGuard struct {
	client *redis.Client
	key    string
	limit  int
	ttl    time.Duration
}

// NewGlobalGuard constructs a guard. A limit of zero or less admits everything.
func NewGlobalGuard(client *redis.Client, prefix string, limit int, ttl time.Duration) *GlobalGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "broadcast:slots"
	}
	return &GlobalGuard{client: client, key: prefix + ":active", limit: limit, ttl: ttl}
}

// TryAcquire reserves one slot if the cluster is under its limit.
func (g *GlobalGuard) TryAcquire(ctx context.Context) (bool, error) {
	if g.limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, g.client, []string{g.key}, g.limit, g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("global guard acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (g *GlobalGuard) Release(ctx context.Context) error {
	if g.limit <= 0 {
		return nil
	}
	if _, err := releaseScript.Run(ctx, g.client, []string{g.key}).Int(); err != nil {
		return fmt.Errorf("global guard release: %w", err)
	}
	return nil
}
