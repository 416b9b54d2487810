package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces rate limit keys.
const DefaultRedisPrefix = "smsd:rl:"

// KEYS[1] counter; ARGV[1] window ms; ARGV[2] limit (0 = no limit check).
// Returns {allowed, count, pttl}.
var allowScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and current >= limit then
  return {0, current, redis.call('PTTL', KEYS[1])}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore shares counters between processes. Redis key expiry closes
// windows, so no sweep is needed.
type RedisStore struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client. The client is closed by Close.
func NewRedisStore(rdb *redis.Client, cfg Config) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb, cfg: cfg, prefix: DefaultRedisPrefix, now: time.Now}, nil
}

// OpenRedisStore parses a redis:// URL, connects and pings.
func OpenRedisStore(ctx context.Context, url string, cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStore(rdb, cfg)
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Check(ctx context.Context, key string) (bool, error) {
	st, err := s.Status(ctx, key)
	if err != nil {
		return false, err
	}
	return st.Allowed(), nil
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int, error) {
	_, count, _, err := s.run(ctx, key, 0)
	return count, err
}

func (s *RedisStore) Allow(ctx context.Context, key string) (bool, Status, error) {
	allowed, count, ttl, err := s.run(ctx, key, s.cfg.MaxRequests)
	if err != nil {
		return false, Status{}, err
	}
	return allowed, newStatus(count, s.cfg.MaxRequests, s.resetAt(ttl)), nil
}

func (s *RedisStore) run(ctx context.Context, key string, limit int) (bool, int, time.Duration, error) {
	res, err := allowScript.Run(ctx, s.rdb, []string{s.key(key)}, s.cfg.Window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res[0] == 1, int(res[1]), time.Duration(res[2]) * time.Millisecond, nil
}

func (s *RedisStore) Status(ctx context.Context, key string) (Status, error) {
	k := s.key(key)
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("rate limit status: %w", err)
	}
	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return newStatus(0, s.cfg.MaxRequests, time.Time{}), nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("rate limit status: %w", err)
	}
	return newStatus(count, s.cfg.MaxRequests, s.resetAt(pttl.Val())), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) resetAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
