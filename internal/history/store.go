// Package history maintains bounded per-entity sliding windows of past
// transactions, keyed independently by user, merchant, and source IP.
package history

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// Entry is a single observation kept in a window. Entries are immutable
// once appended and evicted FIFO past the window capacity.
type Entry struct {
	Timestamp time.Time
	UserID    string
	Amount    float64
	Type      domain.TransactionType
}

// View is a read snapshot of the three windows relevant to one transaction.
// Snapshots are taken before the transaction is appended, so a transaction
// never contributes to its own aggregates.
type View struct {
	User     []Entry
	Merchant []Entry
	IP       []Entry
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	windows map[string][]Entry
}

type namespace struct {
	shards [shardCount]*shard
}

func newNamespace() *namespace {
	ns := &namespace{}
	for i := range ns.shards {
		ns.shards[i] = &shard{windows: make(map[string][]Entry)}
	}
	return ns
}

func (ns *namespace) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ns.shards[h.Sum32()%shardCount]
}

func (ns *namespace) snapshot(key string) []Entry {
	if key == "" {
		return nil
	}
	s := ns.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.windows[key]
	if len(w) == 0 {
		return nil
	}
	out := make([]Entry, len(w))
	copy(out, w)
	return out
}

func (ns *namespace) append(key string, e Entry, capacity int) {
	if key == "" {
		return
	}
	s := ns.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[key]
	if len(w) >= capacity {
		// Evict oldest in place to avoid holding the full backing array.
		copy(w, w[1:])
		w = w[:capacity-1]
	}
	s.windows[key] = append(w, e)
}

func (ns *namespace) sweep(cutoff time.Time) int {
	removed := 0
	for _, s := range ns.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if len(w) == 0 || w[len(w)-1].Timestamp.Before(cutoff) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (ns *namespace) keys() int {
	n := 0
	for _, s := range ns.shards {
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}

// Store owns all history windows. Memory is bounded by
// active-keys x capacity x entry size; Sweep ages out idle keys.
type Store struct {
	capacity  int
	users     *namespace
	merchants *namespace
	ips       *namespace
}

// DefaultWindow is the default per-entity window capacity.
const DefaultWindow = 1000

// NewStore creates a store with the given window capacity per entity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Store{
		capacity:  capacity,
		users:     newNamespace(),
		merchants: newNamespace(),
		ips:       newNamespace(),
	}
}

// Snapshot returns read copies of the windows a transaction's features are
// computed from. The transaction itself has not been appended yet.
func (s *Store) Snapshot(tx domain.Transaction) View {
	return View{
		User:     s.users.snapshot(tx.UserID),
		Merchant: s.merchants.snapshot(tx.MerchantID),
		IP:       s.ips.snapshot(tx.IPAddress),
	}
}

// Append records a transaction into every window it belongs to, evicting the
// oldest entry of any window past capacity.
func (s *Store) Append(tx domain.Transaction) {
	e := Entry{
		Timestamp: tx.Timestamp.Time,
		UserID:    tx.UserID,
		Amount:    tx.Amount,
		Type:      tx.TransactionType,
	}
	s.users.append(tx.UserID, e, s.capacity)
	s.merchants.append(tx.MerchantID, e, s.capacity)
	s.ips.append(tx.IPAddress, e, s.capacity)
}

// Sweep drops keys whose newest entry is older than the retention horizon.
// Not required for correctness, only for long-running memory stability.
func (s *Store) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	return s.users.sweep(cutoff) + s.merchants.sweep(cutoff) + s.ips.sweep(cutoff)
}

// ActiveKeys reports the number of tracked entities across all namespaces.
func (s *Store) ActiveKeys() int {
	return s.users.keys() + s.merchants.keys() + s.ips.keys()
}

// Capacity returns the configured window size W.
func (s *Store) Capacity() int { return s.capacity }
