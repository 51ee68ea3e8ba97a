package interval

import "sync"

// Cache keeps coverage per fragment in memory. It is safe for concurrent use.
type Cache struct {
	mu   sync.RWMutex
	sets map[string]Set
}

func NewCache() *Cache {
	return &Cache{sets: make(map[string]Set)}
}

// Get returns a copy of the fragment's coverage.
func (c *Cache) Get(fragment string) Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append(Set(nil), c.sets[fragment]...)
}

// Set replaces the fragment's coverage.
func (c *Cache) Set(fragment string, set Set) {
	c.mu.Lock()
	c.sets[fragment] = Union(set, nil)
	c.mu.Unlock()
}

// Merge adds r to the fragment's coverage and returns the result.
func (c *Cache) Merge(fragment string, r Interval) Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := Merge(c.sets[fragment], r)
	c.sets[fragment] = merged
	return append(Set(nil), merged...)
}
