// Package cache implements the in-memory mapping from bucket index to a
// bucket's raw body bytes that the store keeps between commits, mirroring
// pool's two-generation pattern but keyed by bucket index instead of key
// bytes.
package cache

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/flashstore/nudb/arena"
)

// Cache maps bucket index -> body bytes. A bitset tracks which indices are
// resident so Iterate can walk them in ascending order in O(buckets/64)
// instead of sorting a map's keys on every commit; the committer uses it
// to write c0's pre-images to the log in bucket-index order.
type Cache struct {
	a      *arena.Arena
	bodies map[uint64][]byte
	occ    *bitset.BitSet
}

// New returns an empty cache.
func New(label string) *Cache {
	return &Cache{
		a:      arena.New(label),
		bodies: make(map[uint64][]byte),
		occ:    bitset.New(1024),
	}
}

// Find returns the body bytes for bucket index n, if resident.
func (c *Cache) Find(n uint64) ([]byte, bool) {
	b, ok := c.bodies[n]
	return b, ok
}

// Insert stores a copy of body for bucket index n, replacing any prior
// body at that index.
func (c *Cache) Insert(n uint64, body []byte) {
	cp := c.a.Alloc(len(body))
	copy(cp, body)
	c.bodies[n] = cp
	c.occ.Set(uint(n))
}

// Create inserts an empty bucket body at index n, used when a split
// introduces a brand new bucket.
func (c *Cache) Create(n uint64, emptyBody []byte) {
	c.Insert(n, emptyBody)
}

// Len reports how many bucket indices are currently resident.
func (c *Cache) Len() int { return len(c.bodies) }

// Clear empties the cache and releases its arena allocations.
func (c *Cache) Clear() {
	c.bodies = make(map[uint64][]byte)
	c.occ.ClearAll()
	c.a.Clear()
}

// ShrinkToFit forwards to the arena.
func (c *Cache) ShrinkToFit() { c.a.ShrinkToFit() }

// PeriodicActivity forwards to the arena's adaptive block-size logic.
func (c *Cache) PeriodicActivity() { c.a.PeriodicActivity() }

// Iterate calls fn for every resident (index, body) pair in ascending
// bucket-index order, stopping early if fn returns false.
func (c *Cache) Iterate(fn func(n uint64, body []byte) bool) {
	for i, ok := c.occ.NextSet(0); ok; i, ok = c.occ.NextSet(i + 1) {
		n := uint64(i)
		body, present := c.bodies[n]
		if !present {
			continue
		}
		if !fn(n, body) {
			return
		}
	}
}
