// Package keyfilter wraps a Bloom filter used as a non-authoritative
// prefilter in front of bucket lookups: a negative answer proves a key is
// absent without touching the index file, while a positive answer is only
// a hint that a real lookup must still confirm.
package keyfilter

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter has no internal synchronization: like the rest of the store's
// in-memory state, both Add and MayContain are expected to be called only
// while the caller holds the store's M lock (shared for MayContain,
// exclusive for Add), so a completed Add happens-before any later
// MayContain that observes it.
type Filter struct {
	bf *bloom.BloomFilter
}

// New returns a filter sized for roughly n keys at the given false
// positive rate (e.g. 0.01 for 1%). A nil *Filter is valid and behaves as
// an always-positive filter (MayContain always true), so callers can
// disable filtering by passing n == 0.
func New(n uint, falsePositiveRate float64) *Filter {
	if n == 0 {
		return nil
	}
	return &Filter{bf: bloom.NewWithEstimates(n, falsePositiveRate)}
}

// Add records hash as present.
func (f *Filter) Add(hash uint64) {
	if f == nil {
		return
	}
	f.bf.Add(keyBytes(hash))
}

// MayContain reports whether hash might be present. false is authoritative;
// true requires a real lookup to confirm.
func (f *Filter) MayContain(hash uint64) bool {
	if f == nil {
		return true
	}
	return f.bf.Test(keyBytes(hash))
}

// reset clears the filter back to empty, reusing its storage. Unexported:
// nothing in the store's production path needs to clear a live filter
// (stale positives after a rolled-back commit are harmless — MayContain
// only ever triggers a real lookup, never a false negative) so this is
// kept only as a test seam.
func (f *Filter) reset() {
	if f == nil {
		return
	}
	f.bf.ClearAll()
}

func keyBytes(hash uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], hash)
	return b[:]
}
