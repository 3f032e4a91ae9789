package trigger

import "sync"

// dedupCache is a bounded set of recently seen event IDs. Insertion
// past capacity evicts the oldest entry. The check-then-insert path is
// a single critical section so concurrent deliveries of the same ID
// cannot both pass.
type dedupCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // ring buffer of insertion order
	next  int
	cap   int
}

// newDedupCache creates a cache holding up to capacity IDs.
func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupCache{
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
		cap:   capacity,
	}
}

// Seen records id and reports whether it was already present. The
// first call for an id returns false; repeat calls within the
// retention window return true.
func (d *dedupCache) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	// Evict the slot we are about to overwrite.
	if old := d.order[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.order[d.next] = id
	d.next = (d.next + 1) % d.cap
	d.seen[id] = struct{}{}
	return false
}

// Len returns the number of retained IDs.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
