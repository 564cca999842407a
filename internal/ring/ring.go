// Package ring holds the bounded FIFO of the most recently enriched
// results, used to seed the read API. It carries no persistence guarantees.
package ring

import (
	"sync"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// DefaultCapacity is the default ring size N.
const DefaultCapacity = 500

// Ring is a thread-safe bounded FIFO of enriched results. The oldest entry
// is evicted on overflow.
type Ring struct {
	mu       sync.RWMutex
	buf      []domain.EnrichedResult
	head     int
	count    int
	capacity int
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:      make([]domain.EnrichedResult, capacity),
		capacity: capacity,
	}
}

// Add appends a result, evicting the oldest entry when full.
func (r *Ring) Add(res domain.EnrichedResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = res
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Recent returns up to limit results, newest first. limit <= 0 returns
// everything held.
func (r *Ring) Recent(limit int) []domain.EnrichedResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.EnrichedResult, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.capacity*2) % r.capacity
		out = append(out, r.buf[idx])
	}
	return out
}

// Len reports how many results are currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the configured bound N.
func (r *Ring) Capacity() int { return r.capacity }
