package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript is the atomic sliding-window check. It evicts entries older
// than the window, admits the member if the log is under the limit, and
// otherwise returns the score of the oldest surviving entry (milliseconds).
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now_ms, member)
  redis.call('PEXPIRE', key, window_ms * 2)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, oldest[2]}
`)

// RedisStore is a Store backed by a shared Redis instance, for deployments
// where multiple workers must coordinate rate limiting and share the
// extraction cache.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Admit implements Window.
func (s *RedisStore) Admit(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	res, err := admitScript.Run(ctx, s.client,
		[]string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("window admit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, time.Time{}, fmt.Errorf("window admit: unexpected reply %v", res)
	}

	admitted, _ := vals[0].(int64)
	if admitted == 1 {
		return true, time.Time{}, nil
	}

	var oldestMs int64
	switch v := vals[1].(type) {
	case int64:
		oldestMs = v
	case string:
		// WITHSCORES returns scores as strings.
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("window admit: bad oldest score %q", v)
		}
		oldestMs = int64(f)
	}
	return false, time.UnixMilli(oldestMs), nil
}

// Get implements Cache.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return val, true, nil
}

// Set implements Cache.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
