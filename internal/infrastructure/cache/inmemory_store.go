package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/marketsync/backend/internal/domain/shared"
)

// item is a string value with an optional expiry
type item struct {
	value     string
	expiresAt time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// InMemoryStore implements shared.AtomicStore with process-local maps.
// A single mutex makes each method atomic within the process. State is not
// shared across instances, so it only suits single-instance deployments and tests.
type InMemoryStore struct {
	mu        sync.Mutex
	values    map[string]item
	lists     map[string][][]byte
	hashes    map[string]map[string]int64
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// InMemoryOption configures an InMemoryStore
type InMemoryOption func(*InMemoryStore)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemoryStore creates a new in-memory store.
// It starts a background goroutine to clean up expired values.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		values:   make(map[string]item),
		lists:    make(map[string][][]byte),
		hashes:   make(map[string]map[string]int64),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// live returns the unexpired value for key, removing it when expired. Caller holds mu.
func (s *InMemoryStore) live(key string) (item, bool) {
	it, ok := s.values[key]
	if !ok {
		return item{}, false
	}
	if it.expired(s.now()) {
		delete(s.values, key)
		return item{}, false
	}
	return it, true
}

// IncrWithExpiry implements shared.AtomicStore
func (s *InMemoryStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok {
		s.values[key] = item{value: "1", expiresAt: s.now().Add(ttl)}
		return 1, nil
	}
	n, _ := strconv.ParseInt(it.value, 10, 64)
	n++
	it.value = strconv.FormatInt(n, 10)
	s.values[key] = it
	return n, nil
}

// SetIfAbsent implements shared.AtomicStore
func (s *InMemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	it := item{value: value}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = it
	return true, nil
}

// DeleteIfEquals implements shared.AtomicStore
func (s *InMemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok || it.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// Get implements shared.AtomicStore
func (s *InMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	return it.value, ok, nil
}

// Delete implements shared.AtomicStore
func (s *InMemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	_, isList := s.lists[key]
	_, isHash := s.hashes[key]
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.hashes, key)
	return ok || isList || isHash, nil
}

// PushCapped implements shared.AtomicStore. Index 0 is the head (newest).
func (s *InMemoryStore) PushCapped(_ context.Context, key string, value []byte, capacity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := append([]byte(nil), value...)
	list := append([][]byte{cp}, s.lists[key]...)
	if capacity > 0 && int64(len(list)) > capacity {
		list = list[:capacity]
	}
	s.lists[key] = list
	return nil
}

// Pop implements shared.AtomicStore
func (s *InMemoryStore) Pop(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if len(list) == 0 {
		return nil, false, nil
	}
	last := list[len(list)-1]
	s.lists[key] = list[:len(list)-1]
	if len(s.lists[key]) == 0 {
		delete(s.lists, key)
	}
	return last, true, nil
}

// Len implements shared.AtomicStore
func (s *InMemoryStore) Len(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

// AdvanceMax implements shared.AtomicStore
func (s *InMemoryStore) AdvanceMax(_ context.Context, key string, value int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if it, ok := s.live(key); ok {
		current, _ = strconv.ParseInt(it.value, 10, 64)
	}
	if value > current {
		s.values[key] = item{value: strconv.FormatInt(value, 10)}
		return value, nil
	}
	return current, nil
}

// HashIncrBy implements shared.AtomicStore
func (s *InMemoryStore) HashIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]int64)
		s.hashes[key] = h
	}
	h[field] += delta
	return h[field], nil
}

// HashGetAll implements shared.AtomicStore
func (s *InMemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

// Ping implements shared.AtomicStore
func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *InMemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *InMemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, it := range s.values {
		if it.expired(now) {
			delete(s.values, key)
		}
	}
}

// Ensure InMemoryStore implements AtomicStore
var _ shared.AtomicStore = (*InMemoryStore)(nil)
