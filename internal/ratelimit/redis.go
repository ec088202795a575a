package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// hitScript increments the counter and starts the window on the first hit,
// returning the new count and the remaining window in milliseconds. A key
// that somehow lost its TTL gets a fresh one so it cannot live forever.
var hitScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// RedisStore keeps counters in Redis so every instance shares one budget per
// client. Expiry is handled by Redis, so there is nothing to sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces counter keys. Defaults to "ratelimit:".
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// WithRedisClock sets the clock used to turn TTLs into reset times.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "ratelimit:", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (Entry, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Entry{}, xerrors.Wrap(err, "ratelimit: redis hit")
	}
	if len(vals) != 2 {
		return Entry{}, xerrors.Newf("ratelimit: redis hit returned %d values", len(vals))
	}
	return Entry{
		Count:   int(vals[0]),
		ResetAt: s.now().Add(time.Duration(vals[1]) * time.Millisecond),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Entry, bool, error) {
	k := s.prefix + key
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, xerrors.Wrap(err, "ratelimit: redis peek")
	}

	n, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "ratelimit: redis peek count")
	}
	d, err := ttl.Result()
	if err != nil || d < 0 {
		return Entry{}, false, nil
	}
	return Entry{Count: n, ResetAt: s.now().Add(d)}, true, nil
}

// Ping reports whether Redis is reachable, for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "ratelimit: redis ping")
	}
	return nil
}
