package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, size int) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStoreWithSize(size)
	s.now = clock.Now
	t.Cleanup(s.Stop)
	return s, clock
}

func resp(body string) *Response {
	return &Response{StatusCode: 201, Body: []byte(body), BodyHash: "h-" + body}
}

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 10)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("empty store returned a response")
	}
	if err := s.Set(ctx, "k", resp("a"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(ctx, "k")
	if !ok || string(got.Body) != "a" || got.StatusCode != 201 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	if err := s.Set(ctx, "k", resp("b"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := s.Get(ctx, "k"); string(got.Body) != "b" {
		t.Fatalf("overwrite not applied: %q", got.Body)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, 10)

	_ = s.Set(ctx, "short", resp("a"), time.Minute)
	_ = s.Set(ctx, "long", resp("b"), time.Hour)

	clock.Advance(time.Minute)
	if _, ok := s.Get(ctx, "short"); ok {
		t.Fatal("key readable at its expiry instant")
	}
	if _, ok := s.Get(ctx, "long"); !ok {
		t.Fatal("live key missing")
	}

	_ = s.Set(ctx, "short2", resp("c"), time.Minute)
	clock.Advance(2 * time.Minute)
	s.sweepExpired()
	if s.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", s.Len())
	}
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 3)

	for _, k := range []string{"a", "b", "c"} {
		_ = s.Set(ctx, k, resp(k), time.Hour)
	}
	// Touch "a" so "b" becomes the oldest.
	if _, ok := s.Get(ctx, "a"); !ok {
		t.Fatal("a missing")
	}
	_ = s.Set(ctx, "d", resp("d"), time.Hour)

	if _, ok := s.Get(ctx, "b"); ok {
		t.Fatal("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := s.Get(ctx, k); !ok {
			t.Fatalf("%s evicted", k)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
}

func TestMemoryStore_ConcurrentSetNeverExceedsBound(t *testing.T) {
	ctx := context.Background()
	const size = 50
	s, _ := newTestStore(t, size)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				_ = s.Set(ctx, key, resp(key), time.Hour)
				s.Get(ctx, key)
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != size {
		t.Fatalf("Len = %d, want %d", s.Len(), size)
	}
	if s.order.Len() != len(s.entries) {
		t.Fatalf("order %d != entries %d", s.order.Len(), len(s.entries))
	}
}

func TestMemoryStore_StopTwice(t *testing.T) {
	s := NewMemoryStoreWithSize(0)
	if s.maxSize != defaultMaxKeys {
		t.Fatalf("maxSize = %d, want default", s.maxSize)
	}
	s.Stop()
	s.Stop()
}
