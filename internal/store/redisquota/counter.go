// Package redisquota keeps API-key usage windows in Redis so every API
// instance sees the same counters.
package redisquota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

const defaultPrefix = "cargolane:quota:"

// incrementScript resets an elapsed window and increments below the limit.
// Returns {allowed, count, window_start_ms}.
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'start', 'count')
local start = tonumber(state[1] or '')
local count = tonumber(state[2] or '') or 0

if start == nil or now >= start + window then
	start = now
	count = 0
end
if count >= limit then
	return {0, count, start}
end

count = count + 1
redis.call('HSET', KEYS[1], 'start', start, 'count', count)
local ttl = start + window - now
if ttl < 1 then
	ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, count, start}
`)

// UsageRecorder persists the last-use time of a key kept outside Redis.
type UsageRecorder interface {
	TouchAPIKey(ctx context.Context, keyID string, now time.Time) error
}

// Counter implements auth.UsageCounter on Redis.
type Counter struct {
	client   redis.UniversalClient
	prefix   string
	recorder UsageRecorder
}

var _ auth.UsageCounter = (*Counter)(nil)

type Option func(*Counter)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(c *Counter) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithUsageRecorder stamps every allowed call on r. Recorder failures are
// logged and never deny the call.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(c *Counter) {
		c.recorder = r
	}
}

func New(client redis.UniversalClient, opts ...Option) *Counter {
	c := &Counter{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Counter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, opts...), nil
}

func (c *Counter) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *Counter) Close() error { return c.client.Close() }

// IncrementUsage runs the window script for keyID. Existence of the key is
// the identity store's concern; an unknown id simply starts a window.
func (c *Counter) IncrementUsage(ctx context.Context, keyID string, limit int64, window time.Duration, now time.Time) (auth.UsageResult, error) {
	if keyID == "" {
		return auth.UsageResult{}, auth.ErrRecordNotFound
	}
	if window < time.Millisecond {
		return auth.UsageResult{}, errors.New("quota window must be at least 1ms")
	}
	vals, err := incrementScript.Run(ctx, c.client, []string{c.prefix + keyID},
		limit, window.Milliseconds(), now.UnixMilli()).Int64Slice()
	if err != nil {
		return auth.UsageResult{}, fmt.Errorf("increment usage: %w", err)
	}
	if len(vals) != 3 {
		return auth.UsageResult{}, fmt.Errorf("increment usage: unexpected reply %v", vals)
	}
	res := auth.UsageResult{
		Allowed:     vals[0] == 1,
		Count:       vals[1],
		WindowStart: time.UnixMilli(vals[2]).UTC(),
	}
	if res.Allowed && c.recorder != nil {
		if err := c.recorder.TouchAPIKey(ctx, keyID, now); err != nil {
			obs.Log("warn", "record api key use failed", map[string]any{"key_id": keyID, "error": err})
		}
	}
	return res, nil
}
