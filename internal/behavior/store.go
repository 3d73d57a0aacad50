package behavior

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ProfileStore keeps profiles in a bounded LRU. The least recently observed
// subject is evicted when the store is full.
type ProfileStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Profile]
	batch int
}

// NewProfileStore creates a store holding up to size profiles.
func NewProfileStore(size int) (*ProfileStore, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, *Profile](size)
	if err != nil {
		return nil, err
	}
	return &ProfileStore{cache: cache, batch: 1000}, nil
}

// Get returns a copy of the profile for key.
func (s *ProfileStore) Get(key string) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.Get(key)
	return p.Clone(), ok
}

// Apply runs fn on the current profile for key (nil if absent) and stores
// what it returns, all under the store lock. A nil result leaves the store
// unchanged.
func (s *ProfileStore) Apply(key string, fn func(current *Profile) *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.cache.Get(key)
	if next := fn(current); next != nil {
		s.cache.Add(key, next)
	}
}

// Delete removes a profile.
func (s *ProfileStore) Delete(key string) {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
}

// Len returns the number of stored profiles.
func (s *ProfileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Sweep removes up to one batch of profiles not updated within ttl.
func (s *ProfileStore) Sweep(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.cache.Keys() {
		if removed >= s.batch {
			break
		}
		p, ok := s.cache.Peek(key)
		if ok && now.Sub(p.LastUpdated) > ttl {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// sweeper periodically removes stale profiles.
type sweeper struct {
	store  *ProfileStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func startSweeper(store *ProfileStore, period, ttl time.Duration, logger *slog.Logger) *sweeper {
	sw := &sweeper{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if period > 0 && ttl > 0 {
		sw.wg.Add(1)
		go sw.loop(period)
	}
	return sw
}

func (sw *sweeper) loop(period time.Duration) {
	defer sw.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			if n := sw.store.Sweep(sw.now(), sw.ttl); n > 0 {
				sw.logger.Debug("swept behavioral profiles", "removed", n)
			}
		}
	}
}

func (sw *sweeper) close() {
	sw.stopOnce.Do(func() { close(sw.stop) })
	sw.wg.Wait()
}
