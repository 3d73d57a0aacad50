package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	sgerrors "signguard/internal/errors"
	"signguard/internal/storage"
)

// CounterStore holds window counters keyed by rule and subject.
//
// Hit counts one occurrence in a single atomic step: it starts a fresh window
// at 1 when no counter exists or the current one is older than window,
// otherwise increments. When the count reaches threshold the counter is
// removed in the same step and fired is true, so each window fires at most once.
type CounterStore interface {
	Hit(ctx context.Context, key string, threshold int64, window time.Duration, now time.Time) (count int64, fired bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type counter struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// MemoryCounterStore keeps counters in process and sweeps stale ones
// periodically.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryCounterStore creates the store. A zero cleanup period disables
// the background sweep.
func NewMemoryCounterStore(cleanupPeriod time.Duration, logger *slog.Logger) *MemoryCounterStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryCounterStore{
		counters: make(map[string]*counter),
		batch:    1000,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cleanupPeriod > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(cleanupPeriod)
	}
	return s
}

// Hit implements CounterStore.
func (s *MemoryCounterStore) Hit(ctx context.Context, key string, threshold int64, window time.Duration, now time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) > window {
		c = &counter{windowStart: now, window: window}
		s.counters[key] = c
	}
	c.count++

	if c.count >= threshold {
		delete(s.counters, key)
		return c.count, true, nil
	}
	return c.count, false, nil
}

// Delete removes a counter.
func (s *MemoryCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live counters.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Sweep removes up to one batch of counters whose window has passed.
func (s *MemoryCounterStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		if removed >= s.batch {
			break
		}
		if now.Sub(c.windowStart) > c.window {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryCounterStore) cleanupLoop(period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("swept alert counters", "removed", n)
			}
		}
	}
}

// Close stops the sweeper.
func (s *MemoryCounterStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

// hitScript is the Redis form of MemoryCounterStore.Hit.
//
// KEYS[1] counter hash; ARGV: now (ms), window (ms), threshold.
// Returns {count, fired}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])

local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count
if start == nil or now - start > window then
  start = now
  count = 1
  redis.call('HSET', KEYS[1], 'count', 1, 'start', start)
else
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end

if count >= threshold then
  redis.call('DEL', KEYS[1])
  return {count, 1}
end

local ttl = start + window - now + 1
if ttl < 1 then ttl = 1 end
redis.call('PEXPIRE', KEYS[1], ttl)
return {count, 0}
`)

// RedisCounterStore keeps counters in Redis so every instance shares them.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounterStore creates a store on an existing client.
func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) key(key string) string {
	return storage.HashKey(s.prefix, "alert", key)
}

// Hit implements CounterStore.
func (s *RedisCounterStore) Hit(ctx context.Context, key string, threshold int64, window time.Duration, now time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	res, err := hitScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		threshold,
	).Int64Slice()
	if err != nil {
		return 0, false, sgerrors.Store("alerting.hit", err)
	}
	if len(res) != 2 {
		return 0, false, sgerrors.Store("alerting.hit", errors.New("unexpected script reply"))
	}
	return res[0], res[1] == 1, nil
}

// Delete removes a counter.
func (s *RedisCounterStore) Delete(ctx context.Context, key string) error {
	return sgerrors.Store("alerting.delete", s.client.Del(ctx, s.key(key)).Err())
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisCounterStore) Close() error {
	return nil
}
