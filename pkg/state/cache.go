package state

import (
	"sync"

	"concord/pkg/types"
)

// entry is everything the resolver memoizes about one event.
type entry struct {
	event  *types.Event
	before types.StateMap
	after  types.StateMap
	depth  int
}

// Cache memoizes per-event state. With a positive limit the oldest entries
// are evicted first; evicted entries are recomputed on demand.
type Cache struct {
	mu      sync.RWMutex
	entries map[types.EventID]*entry
	order   []types.EventID
	limit   int
}

// NewCache creates a cache holding at most limit entries; zero means
// unbounded.
func NewCache(limit int) *Cache {
	return &Cache{
		entries: make(map[types.EventID]*entry),
		limit:   limit,
	}
}

func (c *Cache) get(id types.EventID) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

func (c *Cache) put(id types.EventID, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return
	}
	c.entries[id] = e
	if c.limit <= 0 {
		return
	}
	c.order = append(c.order, id)
	for len(c.order) > c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

// Len returns the number of memoized events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
