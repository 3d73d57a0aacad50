package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	sgerrors "signguard/internal/errors"
	"signguard/internal/storage"
)

// takeScript refills and decrements one bucket atomically inside Redis, so
// concurrent instances never admit beyond capacity.
//
// KEYS[1] bucket hash; ARGV: capacity, refill rate (tokens/s), now (ms), ttl (ms).
// Returns {allowed, tokens}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
local allowed = 0

if tokens == nil or last == nil then
  tokens = capacity - 1
  last = now
  if capacity > 0 then allowed = 1 end
  if tokens < 0 then tokens = 0 end
else
  if tokens > capacity then tokens = capacity end
  if tokens < 0 then tokens = 0 end
  local elapsed = now - last
  if elapsed > 0 then
    local added = math.floor(elapsed * rate / 1000 + 1e-9)
    tokens = math.min(capacity, tokens + added)
    last = now
  end
  if tokens > 0 then
    tokens = tokens - 1
    allowed = 1
  end
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', last, 'capacity', capacity, 'rate', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tokens}
`)

// RedisStore keeps buckets in Redis for multi-instance deployments.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on an existing client. Keys are written as
// prefix + "rl:" + hash(key).
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return storage.HashKey(s.prefix, "rl", key)
}

// Take runs the refill-and-decrement script.
func (s *RedisStore) Take(ctx context.Context, key string, p Params, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	res, err := takeScript.Run(ctx, s.client, []string{s.key(key)},
		p.Capacity,
		strconv.FormatFloat(p.RefillRate, 'f', -1, 64),
		now.UnixMilli(),
		bucketTTL(p).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, sgerrors.Store("ratelimit.take", err)
	}
	if len(res) != 2 {
		return Decision{}, sgerrors.Store("ratelimit.take", errors.New("unexpected script reply"))
	}

	return decide(res[0] == 1, res[1], now, p), nil
}

// Get reads a bucket.
func (s *RedisStore) Get(ctx context.Context, key string) (Bucket, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Bucket{}, false, sgerrors.Store("ratelimit.get", err)
	}
	if len(vals) == 0 {
		return Bucket{}, false, nil
	}

	tokens, _ := strconv.ParseInt(vals["tokens"], 10, 64)
	last, _ := strconv.ParseInt(vals["last"], 10, 64)
	capacity, _ := strconv.ParseInt(vals["capacity"], 10, 64)
	rate, _ := strconv.ParseFloat(vals["rate"], 64)

	return Bucket{
		Tokens:     tokens,
		LastRefill: time.UnixMilli(last),
		Capacity:   capacity,
		RefillRate: rate,
	}, true, nil
}

// Set writes a bucket with an idle TTL.
func (s *RedisStore) Set(ctx context.Context, key string, b Bucket, ttl time.Duration) error {
	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"tokens", b.Tokens,
			"last", b.LastRefill.UnixMilli(),
			"capacity", b.Capacity,
			"rate", strconv.FormatFloat(b.RefillRate, 'f', -1, 64),
		)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	return sgerrors.Store("ratelimit.set", err)
}

// Delete removes a bucket.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return sgerrors.Store("ratelimit.delete", s.client.Del(ctx, s.key(key)).Err())
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
