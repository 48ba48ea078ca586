package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultMaxKeys  = 10000
	cleanupInterval = 5 * time.Minute
)

// Response is a cached response together with the fingerprint of the
// request body that produced it.
type Response struct {
	StatusCode int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body"`
	BodyHash   string            `json:"body_hash,omitempty"`
	CachedAt   time.Time         `json:"cached_at"`
}

// Store keeps the first response of each Idempotency-Key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a single-instance Store bounded to maxSize keys. The least
// recently used key is evicted first.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

// NewMemoryStore returns a store holding up to 10000 keys.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(defaultMaxKeys)
}

// NewMemoryStoreWithSize returns a store holding up to maxSize keys and
// starts its expiry janitor. Call Stop to release it.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = defaultMaxKeys
	}
	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Get returns the live response for key and marks it recently used.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memoryEntry)
	if !s.now().Before(e.expiresAt) {
		s.remove(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.response, true
}

// Set stores response under key for ttl, replacing any previous value.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.response = response
		e.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return nil
	}

	for len(s.entries) >= s.maxSize {
		s.remove(s.order.Back())
	}
	s.entries[key] = s.order.PushFront(&memoryEntry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

// Delete forgets key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.remove(el)
	}
	return nil
}

// Len reports the number of stored keys, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// remove drops el. Caller holds s.mu.
func (s *MemoryStore) remove(el *list.Element) {
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.entries, el.Value.(*memoryEntry).key)
}

func (s *MemoryStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*memoryEntry).expiresAt) {
			s.remove(el)
		}
		el = prev
	}
}

func (s *MemoryStore) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// Stop ends the janitor. Safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
