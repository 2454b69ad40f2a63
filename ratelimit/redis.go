package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript restarts or bumps a window atomically.
// KEYS[1] = counter hash; ARGV = now (ms), window (ms).
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
local count
if start == nil or now - start > window then
  start = now
  count = 1
  redis.call('HSET', KEYS[1], 'count', 1, 'window_start', now, 'last_attempt', now)
else
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  redis.call('HSET', KEYS[1], 'last_attempt', now)
end
local ttl = start + window - now + 1
if ttl < 1 then ttl = 1 end
redis.call('PEXPIRE', KEYS[1], ttl)
return count
`)

// RedisStore keeps counters in Redis hashes, one per key, expiring with the
// window.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix (default "ratelimit").
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisStore creates a RedisStore on top of rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "ratelimit"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

// Get reads the counter hash for key.
func (s *RedisStore) Get(ctx context.Context, key string, now time.Time, window time.Duration) (Record, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.redisKey(key), "count", "window_start", "last_attempt").Result()
	if err != nil {
		return Record{}, false, unavailable("get", err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}
	count, err1 := strconv.Atoi(asString(vals[0]))
	start, err2 := strconv.ParseInt(asString(vals[1]), 10, 64)
	last, err3 := strconv.ParseInt(asString(vals[2]), 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return Record{}, false, unavailable("decode", err)
	}
	if err3 != nil {
		last = start
	}
	rec := Record{
		Key:         key,
		Count:       count,
		WindowStart: time.UnixMilli(start),
		LastAttempt: time.UnixMilli(last),
	}
	// PEXPIRE removes the hash; deleting here could drop a window that an
	// Increment restarted after the HMGET.
	if rec.Expired(now, window) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Increment runs incrementScript for key.
func (s *RedisStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	n, err := incrementScript.Run(ctx, s.rdb, []string{s.redisKey(key)}, now.UnixMilli(), window.Milliseconds()).Int()
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return n, nil
}

// Clear deletes the counter hash for key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
