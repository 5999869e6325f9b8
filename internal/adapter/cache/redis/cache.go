// Package redis implements the short-TTL status cache on go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// StatusCache caches rendered job status payloads so hot polling does not
// hit postgres on every request.
type StatusCache struct {
	client *goredis.Client
}

// New constructs a StatusCache backed by the redis instance at addr.
func New(addr string) *StatusCache {
	return &StatusCache{client: goredis.NewClient(&goredis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client; tests use this with miniredis.
func NewWithClient(c *goredis.Client) *StatusCache { return &StatusCache{client: c} }

func statusKey(jobID string) string { return "job:status:" + jobID }

// GetStatus returns the cached payload and whether it was present.
func (c *StatusCache) GetStatus(ctx context.Context, jobID string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, statusKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=cache.get_status: %w", err)
	}
	return b, true, nil
}

// SetStatus stores the payload with the given TTL.
func (c *StatusCache) SetStatus(ctx context.Context, jobID string, body []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, statusKey(jobID), body, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set_status: %w", err)
	}
	return nil
}

// Invalidate drops the cached payload, typically after a phase change.
func (c *StatusCache) Invalidate(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, statusKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=cache.invalidate: %w", err)
	}
	return nil
}

// Ping probes the redis connection for readiness checks.
func (c *StatusCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=cache.ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *StatusCache) Close() error { return c.client.Close() }
