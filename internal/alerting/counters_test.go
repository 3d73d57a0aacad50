package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	sgerrors "signguard/internal/errors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testCounterStores(t *testing.T) map[string]CounterStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]CounterStore{
		"memory": NewMemoryCounterStore(0, nil),
		"redis":  NewRedisCounterStore(client, "signguard:"),
	}
}

func TestCounterStore_HitSemantics(t *testing.T) {
	for name, store := range testCounterStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			for i, want := range []int64{1, 2} {
				n, fired, err := store.Hit(ctx, "r:alice", 3, time.Minute, t0.Add(time.Duration(i)*time.Second))
				if err != nil {
					t.Fatal(err)
				}
				if n != want || fired {
					t.Fatalf("hit %d: got count=%d fired=%v", i, n, fired)
				}
			}

			n, fired, err := store.Hit(ctx, "r:alice", 3, time.Minute, t0.Add(2*time.Second))
			if err != nil || n != 3 || !fired {
				t.Fatalf("third hit should fire: n=%d fired=%v err=%v", n, fired, err)
			}

			// Counter was consumed by the firing.
			n, fired, _ = store.Hit(ctx, "r:alice", 3, time.Minute, t0.Add(3*time.Second))
			if n != 1 || fired {
				t.Errorf("counter should restart after firing, got %d", n)
			}

			// Window expiry resets.
			n, _, _ = store.Hit(ctx, "r:alice", 3, time.Minute, t0.Add(3*time.Second+time.Minute+time.Millisecond))
			if n != 1 {
				t.Errorf("stale counter should reset, got %d", n)
			}

			if err := store.Delete(ctx, "r:alice"); err != nil {
				t.Fatal(err)
			}
			n, _, _ = store.Hit(ctx, "r:alice", 3, time.Minute, t0.Add(2*time.Minute))
			if n != 1 {
				t.Errorf("deleted counter should restart, got %d", n)
			}
		})
	}
}

func TestCounterStore_ConcurrentHitsFireOncePerThreshold(t *testing.T) {
	for name, store := range testCounterStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			var fires atomic.Int64
			var wg sync.WaitGroup

			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, fired, err := store.Hit(context.Background(), "r:bob", 10, time.Hour, t0)
					if err != nil {
						t.Error(err)
					}
					if fired {
						fires.Add(1)
					}
				}()
			}
			wg.Wait()

			if fires.Load() != 3 {
				t.Errorf("30 hits with threshold 10 should fire exactly 3 times, got %d", fires.Load())
			}
		})
	}
}

func TestCounterStore_CancelledContext(t *testing.T) {
	for name, store := range testCounterStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			if _, _, err := store.Hit(ctx, "r:carol", 2, time.Minute, t0); err == nil {
				t.Fatal("expected context error")
			}
			n, _, _ := store.Hit(context.Background(), "r:carol", 2, time.Minute, t0)
			if n != 1 {
				t.Errorf("cancelled hit must not count, got %d", n)
			}
		})
	}
}

func TestMemoryCounterStore_Sweep(t *testing.T) {
	s := NewMemoryCounterStore(0, nil)
	defer s.Close()
	ctx := context.Background()

	s.Hit(ctx, "a", 10, time.Minute, t0)
	s.Hit(ctx, "b", 10, time.Hour, t0)

	if n := s.Sweep(t0.Add(30 * time.Second)); n != 0 {
		t.Errorf("nothing stale yet, swept %d", n)
	}
	if n := s.Sweep(t0.Add(2 * time.Minute)); n != 1 {
		t.Errorf("expected 1 stale counter, swept %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live counter, got %d", s.Len())
	}
}

func TestRedisCounterStore_TTLAndUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisCounterStore(client, "signguard:")

	if _, _, err := s.Hit(context.Background(), "r:dave", 5, time.Minute, t0); err != nil {
		t.Fatal(err)
	}
	key := s.key("r:dave")
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute+time.Second {
		t.Errorf("counter TTL should cover the window, got %v", ttl)
	}

	mr.Close()
	_, _, err := s.Hit(context.Background(), "r:dave", 5, time.Minute, t0)
	if !sgerrors.IsStore(err) {
		t.Errorf("expected store error, got %v", err)
	}
}
