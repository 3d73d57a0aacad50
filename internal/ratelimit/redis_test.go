package ratelimit

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

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func TestRedisStore_FivePerMinute(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	p := NewParams(5, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		d, err := s.Take(ctx, "client", p, start.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if !d.Allowed || d.Remaining != int64(4-i) {
			t.Fatalf("request %d: %+v", i+1, d)
		}
	}

	d, err := s.Take(ctx, "client", p, start.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.RetryAfter != 12*time.Second {
		t.Fatalf("6th request should be denied with 12s retry, got %+v", d)
	}

	d, err = s.Take(ctx, "client", p, start.Add(5*time.Second+time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("request after window should be allowed with 4 left, got %+v", d)
	}
}

func TestRedisStore_SetsExpiryAndHashesKeys(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := s.Take(ctx, "10.0.0.5:alice", NewParams(5, time.Minute), time.Now()); err != nil {
		t.Fatal(err)
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %v", keys)
	}
	if keys[0] != s.key("10.0.0.5:alice") {
		t.Errorf("unexpected key %q", keys[0])
	}
	if ttl := mr.TTL(keys[0]); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
}

func TestRedisStore_ConcurrentTakeNeverOveradmits(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	p := NewParams(25, time.Hour)
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if d, err := s.Take(ctx, "shared", p, now); err == nil && d.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 25 {
		t.Errorf("admitted %d, want 25", got)
	}
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	last := time.UnixMilli(1_700_000_000_123)

	if err := s.Set(ctx, "k", Bucket{Tokens: 2, LastRefill: last, Capacity: 5, RefillRate: 0.5}, time.Minute); err != nil {
		t.Fatal(err)
	}
	b, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v %v", ok, err)
	}
	if b.Tokens != 2 || b.Capacity != 5 || b.RefillRate != 0.5 || !b.LastRefill.Equal(last) {
		t.Errorf("unexpected bucket %+v", b)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("bucket should be deleted")
	}
}

func TestRedisStore_UnavailableIsStoreError(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	_, err := s.Take(context.Background(), "k", NewParams(5, time.Minute), time.Now())
	if err == nil {
		t.Fatal("expected an error with redis down")
	}
	if !sgerrors.IsStore(err) {
		t.Errorf("expected store error kind, got %v", err)
	}
}
