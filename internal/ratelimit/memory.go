package ratelimit

import (
	"container/heap"
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 32

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// CleanupPeriod is the sweep interval. Zero disables the background sweeper.
	CleanupPeriod time.Duration
	// SweepBatch bounds how many expired buckets one sweep removes.
	SweepBatch int
	Logger     *slog.Logger
}

// MemoryStore keeps buckets in process. Keys are spread over mutex-guarded
// shards; each shard keeps an expiry-ordered min-heap so one periodic sweep
// evicts idle buckets without a timer per key.
type MemoryStore struct {
	shards [shardCount]*shard
	batch  int
	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	expiry  expiryHeap
}

type entry struct {
	key       string
	bucket    Bucket
	expiresAt time.Time
	index     int
}

// NewMemoryStore creates a memory store and starts its sweeper.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 1000
	}

	s := &MemoryStore{
		batch:  opts.SweepBatch,
		logger: opts.Logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}

	if opts.CleanupPeriod > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(opts.CleanupPeriod)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the live bucket for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Bucket, bool, error) {
	if err := ctx.Err(); err != nil {
		return Bucket{}, false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || !e.expiresAt.After(s.now()) {
		return Bucket{}, false, nil
	}
	return e.bucket, true, nil
}

// Set stores a bucket that expires after ttl of inactivity.
func (s *MemoryStore) Set(ctx context.Context, key string, b Bucket, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.put(key, b, s.now().Add(ttl))
	return nil
}

// Take refills and decrements the bucket for key under the shard lock.
func (s *MemoryStore) Take(ctx context.Context, key string, p Params, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current *Bucket
	if e, ok := sh.entries[key]; ok && e.expiresAt.After(now) {
		b := e.bucket
		current = &b
	}

	next, d := take(current, p, now)
	sh.put(key, next, now.Add(bucketTTL(p)))
	return d, nil
}

// Delete removes the bucket for key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		heap.Remove(&sh.expiry, e.index)
		delete(sh.entries, key)
	}
	return nil
}

// put inserts or updates an entry. Caller must hold the shard lock.
func (sh *shard) put(key string, b Bucket, expiresAt time.Time) {
	if e, ok := sh.entries[key]; ok {
		e.bucket = b
		e.expiresAt = expiresAt
		heap.Fix(&sh.expiry, e.index)
		return
	}
	e := &entry{key: key, bucket: b, expiresAt: expiresAt}
	sh.entries[key] = e
	heap.Push(&sh.expiry, e)
}

// Sweep removes up to the configured batch of expired buckets and returns
// how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		if removed >= s.batch {
			break
		}
		sh.mu.Lock()
		for len(sh.expiry) > 0 && removed < s.batch && !sh.expiry[0].expiresAt.After(now) {
			e := heap.Pop(&sh.expiry).(*entry)
			delete(sh.entries, e.key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) cleanupLoop(period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(s.now()); removed > 0 {
				s.logger.Debug("rate limiter sweep", "removed", removed, "remaining", s.Len())
			}
		case <-s.stop:
			return
		}
	}
}

// Len returns the number of tracked buckets, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

// expiryHeap is a min-heap of entries ordered by expiry time.
type expiryHeap []*entry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
