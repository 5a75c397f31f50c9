package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "unearth:ratelimit"

// fixedWindowScript mirrors decide() inside redis so the read and the write
// happen atomically.
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local data = redis.call('HMGET', KEYS[1], 'attempts', 'window_start')
local attempts = tonumber(data[1])
local start = tonumber(data[2])
if attempts == nil or start == nil or now - start >= window then
  redis.call('HSET', KEYS[1], 'attempts', 1, 'window_start', now)
  return {1, 1, 0}
end
if attempts >= max then
  return {0, attempts, window - (now - start)}
end
attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return {1, attempts, 0}
`)

// RedisStore keeps counters in redis for deployments with several API
// instances sharing one limiter.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides the key namespace.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(rdb redis.Scripter, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	store := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// CheckAndRecord implements Store.
func (s *RedisStore) CheckAndRecord(ctx context.Context, key string, maxAttempts int, window time.Duration, now time.Time) (Decision, error) {
	redisKey := s.prefix + ":" + key
	values, err := fixedWindowScript.Run(ctx, s.rdb, []string{redisKey},
		now.UnixMilli(), window.Milliseconds(), maxAttempts).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", values)
	}
	return Decision{
		Allowed:    values[0] == 1,
		Attempts:   int(values[1]),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
