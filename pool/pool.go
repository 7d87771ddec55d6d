// Package pool implements the in-memory, arena-backed sorted map from key
// bytes to a pending insert that the store keeps between commits: values
// inserted by callers live here until the background committer flushes
// them to the data file and the index.
package pool

import (
	"bytes"
	"sort"

	"github.com/flashstore/nudb/arena"
)

// Item is one pending insert. Offset starts at zero and is stamped by the
// committer once the value's data-file position is known (commit step 2,
// first pass); everything else is fixed at Insert time.
type Item struct {
	Hash   uint64
	Key    []byte // arena-owned
	Value  []byte // arena-owned
	Offset uint64
}

// Pool is a sorted (by key bytes) slice of *Item backed by an arena for
// the key/value byte storage. It is not safe for concurrent use; the
// store serializes pool-1 inserts on its insert mutex and swaps pool
// generations under its write lock (see store.go).
type Pool struct {
	a        *arena.Arena
	items    []*Item
	dataSize int64
}

// New returns an empty pool.
func New(label string) *Pool {
	return &Pool{a: arena.New(label)}
}

// Insert copies key and data into the pool's arena and inserts a new
// entry in key order. The caller (store.Insert) is responsible for
// rejecting duplicates before calling Insert — duplicate keys within one
// generation are a programming error here, not a runtime check, because
// the duplicate check always precedes the insert under the same lock.
func (p *Pool) Insert(hash uint64, key, data []byte) *Item {
	kc := p.a.Alloc(len(key))
	copy(kc, key)
	var vc []byte
	if len(data) > 0 {
		vc = p.a.Alloc(len(data))
		copy(vc, data)
	}
	item := &Item{Hash: hash, Key: kc, Value: vc}

	i := sort.Search(len(p.items), func(i int) bool {
		return bytes.Compare(p.items[i].Key, kc) >= 0
	})
	p.items = append(p.items, nil)
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = item

	p.dataSize += int64(len(data))
	return item
}

// Find returns the item for key, if present, via binary search on the
// sorted key slice.
func (p *Pool) Find(key []byte) (*Item, bool) {
	i := sort.Search(len(p.items), func(i int) bool {
		return bytes.Compare(p.items[i].Key, key) >= 0
	})
	if i < len(p.items) && bytes.Equal(p.items[i].Key, key) {
		return p.items[i], true
	}
	return nil, false
}

// Len returns the number of pending inserts.
func (p *Pool) Len() int { return len(p.items) }

// Items returns the pool's entries in key order. The committer walks this
// twice per commit: once to stamp Offset, once to perform the actual
// index insert/split work now that offsets are fixed.
func (p *Pool) Items() []*Item { return p.items }

// DataSize returns the running total of copied value bytes, used to decide
// when a commit is due (commit_limit) and when one should be requested
// early (pool_thresh).
func (p *Pool) DataSize() int64 { return p.dataSize }

// Clear empties the pool and releases its arena allocations back to the
// arena's free list.
func (p *Pool) Clear() {
	p.items = p.items[:0]
	p.dataSize = 0
	p.a.Clear()
}

// ShrinkToFit forwards to the arena, releasing free blocks to the system.
func (p *Pool) ShrinkToFit() { p.a.ShrinkToFit() }

// PeriodicActivity forwards to the arena's adaptive block-size logic.
func (p *Pool) PeriodicActivity() { p.a.PeriodicActivity() }
