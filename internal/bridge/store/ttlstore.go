// Package store provides a generic in-memory map whose entries expire.
package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// TTLStore is a concurrency-safe map with per-entry expiry. A background loop
// removes expired entries and hands each to the eviction callback, which runs
// outside the store lock.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	onEvict  func(key K, value V)
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a store that sweeps expired entries every cleanupInterval.
// onEvict may be nil. A non-positive interval disables the sweep loop.
func New[K comparable, V any](cleanupInterval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:   make(map[K]*entry[V]),
		onEvict: onEvict,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Insert stores value under key unless a live entry already exists.
// It reports whether the value was stored. A ttl of zero never expires.
// An expired entry that was not swept yet is replaced and handed to the
// eviction callback.
func (s *TTLStore[K, V]) Insert(key K, value V, ttl time.Duration) bool {
	s.mu.Lock()
	now := s.now()
	old, exists := s.items[key]
	if exists && !old.expired(now) {
		s.mu.Unlock()
		return false
	}
	e := &entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.items[key] = e
	onEvict := s.onEvict
	s.mu.Unlock()

	if exists && onEvict != nil {
		onEvict(key, old.value)
	}
	return true
}

// Get returns the live value stored under key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || e.expired(s.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take removes key and returns its value. Only the first caller for a given
// entry observes ok=true.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	return e.value, true
}

// CompareAndTake removes key only if match reports true for its value.
func (s *TTLStore[K, V]) CompareAndTake(key K, match func(V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || !match(e.value) {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Values returns a snapshot of live values in no particular order.
func (s *TTLStore[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]V, 0, len(s.items))
	for _, e := range s.items {
		if !e.expired(now) {
			out = append(out, e.value)
		}
	}
	return out
}

// Close stops the sweep loop. Stored entries are left untouched.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes expired entries and invokes the eviction callback for each.
func (s *TTLStore[K, V]) Sweep() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []evicted
	for k, e := range s.items {
		if e.expired(now) {
			expired = append(expired, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict == nil {
		return
	}
	for _, e := range expired {
		onEvict(e.key, e.value)
	}
}
