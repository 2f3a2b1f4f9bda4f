// Package idlemap provides a generic time-to-idle map: values are evicted
// once they have gone untouched for longer than their configured TTL.
// Deadlines are pushed lazily onto a min-heap; staleness is reconciled at
// pop time against the deadline currently recorded for that key, so a
// refresh does not require a heap fix-up.
package idlemap

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/comfy-gateway/gateway/metrics"
)

// EvictFunc is invoked once per evicted key, outside of the map's lock, so
// it may safely call back into the map (e.g. to evict a paired key).
type EvictFunc[T any] func(key string, value T)

type entry[T any] struct {
	value    T
	deadline time.Time
}

type heapItem struct {
	key      string
	deadline time.Time
}

type minHeap []heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Map is a TTL-evicting map safe for concurrent use.
type Map[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[T]
	heap    minHeap
	onEvict EvictFunc[T]
}

// New returns a Map with the given default TTL. onEvict may be nil.
func New[T any](ttl time.Duration, onEvict EvictFunc[T]) *Map[T] {
	return &Map[T]{
		ttl:     ttl,
		entries: make(map[string]entry[T]),
		onEvict: onEvict,
	}
}

// Set stores value under key with the map's default TTL, lazily pushing a
// new deadline onto the heap.
func (m *Map[T]) Set(key string, value T) {
	m.SetTTL(key, value, m.ttl)
}

// SetTTL stores value under key with an explicit TTL.
func (m *Map[T]) SetTTL(key string, value T, ttl time.Duration) {
	deadline := time.Now().Add(ttl)
	m.mu.Lock()
	m.entries[key] = entry[T]{value: value, deadline: deadline}
	heap.Push(&m.heap, heapItem{key: key, deadline: deadline})
	m.mu.Unlock()
}

// Get returns the value for key and whether it was present (and not
// expired).
func (m *Map[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.deadline) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Refresh pushes key's deadline forward by the map's default TTL without
// changing its value. Returns false if key is not present.
func (m *Map[T]) Refresh(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	deadline := time.Now().Add(m.ttl)
	e.deadline = deadline
	m.entries[key] = e
	heap.Push(&m.heap, heapItem{key: key, deadline: deadline})
	m.mu.Unlock()
	return true
}

// Pop removes key immediately and returns its value. If key was present,
// onEvict is invoked once, after the lock is released, same as a
// sweep-driven eviction — per §4.A, pop is just an eviction with its
// deadline forced to now.
func (m *Map[T]) Pop(key string) (T, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if !ok {
		var zero T
		return zero, false
	}
	if m.onEvict != nil {
		m.onEvict(key, e.value)
	}
	return e.value, true
}

// Keys returns a snapshot of the currently live keys.
func (m *Map[T]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of live entries.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep evicts every entry whose deadline has passed, invoking onEvict for
// each (outside the lock, so callbacks may re-enter the map).
func (m *Map[T]) Sweep() {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := start
	var evicted []entry[T]
	var evictedKeys []string

	m.mu.Lock()
	for m.heap.Len() > 0 {
		top := m.heap[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&m.heap)

		e, ok := m.entries[top.key]
		if !ok {
			continue // key was popped/evicted already
		}
		if !e.deadline.Equal(top.deadline) {
			continue // stale heap entry superseded by a refresh/re-set
		}
		delete(m.entries, top.key)
		evicted = append(evicted, e)
		evictedKeys = append(evictedKeys, top.key)
	}
	m.mu.Unlock()

	if m.onEvict == nil {
		return
	}
	for i, e := range evicted {
		m.onEvict(evictedKeys[i], e.value)
	}
}

// RunSweepForever calls Sweep on the given interval until ctx is done.
func (m *Map[T]) RunSweepForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
