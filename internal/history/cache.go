// Package history keeps the most recent realtime events in memory, newest first.
package history

import (
	"sort"
	"sync"

	"github.com/splax/callwatch/internal/domain"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 200

// Cache is a fixed-capacity, newest-first buffer of realtime events. Duplicate ids are
// ignored so a backlog fetch can overlap the live stream.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	events   []domain.RealtimeEvent
	ids      map[string]struct{}
}

// NewCache returns an empty cache holding at most capacity events.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, ids: make(map[string]struct{}, capacity)}
}

// Capacity returns the maximum number of retained events.
func (c *Cache) Capacity() int { return c.capacity }

// Push inserts e at its created_at position and evicts the oldest entry on overflow. It
// reports whether the cache changed.
func (c *Cache) Push(e domain.RealtimeEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insert(e)
}

// Seed merges a backlog into the cache and reports how many events were added.
func (c *Cache) Seed(events []domain.RealtimeEvent) int {
	sorted := append([]domain.RealtimeEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Newer(sorted[j]) })

	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, e := range sorted {
		if c.insert(e) {
			added++
		}
	}
	return added
}

func (c *Cache) insert(e domain.RealtimeEvent) bool {
	if e.ID != "" {
		if _, dup := c.ids[e.ID]; dup {
			return false
		}
	}
	// index of the first event older than e; live events almost always land at 0
	idx := sort.Search(len(c.events), func(i int) bool { return e.Newer(c.events[i]) })
	if idx >= c.capacity {
		return false
	}
	c.events = append(c.events, domain.RealtimeEvent{})
	copy(c.events[idx+1:], c.events[idx:])
	c.events[idx] = e
	if e.ID != "" {
		c.ids[e.ID] = struct{}{}
	}
	if len(c.events) > c.capacity {
		evicted := c.events[len(c.events)-1]
		c.events = c.events[:c.capacity]
		delete(c.ids, evicted.ID)
	}
	return true
}

// Snapshot returns a copy of the events, newest first.
func (c *Cache) Snapshot() []domain.RealtimeEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RealtimeEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Remove drops the event with id and reports whether it was cached.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; !ok {
		return false
	}
	delete(c.ids, id)
	for i, e := range c.events {
		if e.ID == id {
			c.events = append(c.events[:i], c.events[i+1:]...)
			break
		}
	}
	return true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.events = nil
	c.ids = make(map[string]struct{}, c.capacity)
	c.mu.Unlock()
}
