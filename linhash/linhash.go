// Package linhash implements the Litwin linear-hashing mapping used to
// route a key's hash to a bucket index, plus the fractional accumulator
// that schedules one split each time a load-factor threshold is crossed.
//
// The scheme never needs a global rehash: growth happens one bucket split
// at a time, so lookups and inserts never block on a rebuild of the whole
// index the way a classic doubling hash table would.
package linhash

// BucketIndex returns the key-file bucket index for hash h given the
// current bucket count and modulus. modulus must equal CeilPow2(buckets)
// and buckets must be in (modulus/2, modulus].
func BucketIndex(h uint64, buckets, modulus uint64) uint64 {
	n := h % modulus
	if n >= buckets {
		n -= modulus / 2
	}
	return n
}

// FixedFrac is the scale used for fractional load-factor accounting: a
// load factor of 1.0 is represented as 65536.
const FixedFrac = 65536

// Threshold returns the number of FixedFrac-scaled "points" that must
// accumulate before a split is due: max(65536, loadFactor*capacity), with
// loadFactor expressed in the same fixed-point scale as the stored header
// field (load_factor * 65536, saturated to 65535).
func Threshold(loadFactor16 uint16, capacity int) uint64 {
	t := uint64(loadFactor16) * uint64(capacity)
	if t < FixedFrac {
		return FixedFrac
	}
	return t
}

// Accumulator paces splits against committed items; a single commit may
// perform several splits. Each committed item adds FixedFrac to
// Frac; whenever Frac >= Threshold, the caller performs one split and
// subtracts Threshold from Frac.
type Accumulator struct {
	Frac      uint64
	Threshold uint64
}

// NewAccumulator returns an Accumulator with Frac initialized to half the
// threshold, matching the store's Open-time initialization
// (frac = thresh/2) so that roughly the first half-threshold worth of
// inserts after an Open don't immediately trigger a split.
func NewAccumulator(threshold uint64) Accumulator {
	return Accumulator{Frac: threshold / 2, Threshold: threshold}
}

// Add registers one committed item and reports whether a split is now due.
// If it reports true, the caller must perform exactly one split before
// calling Add again (Add only ever signals one split per call, even if
// Frac would cross the threshold twice, matching the "split per item"
// pacing described by the spec).
func (a *Accumulator) Add() bool {
	a.Frac += FixedFrac
	if a.Frac >= a.Threshold {
		a.Frac -= a.Threshold
		return true
	}
	return false
}

// Split computes the pair of bucket indices involved in the next split
// and the post-split (buckets, modulus), given the pre-split values. Per
// the spec (and the resolved Open Question in DESIGN.md), modulus doubles
// before n1 is computed when buckets == modulus.
func Split(buckets, modulus uint64) (n1, n2, newBuckets, newModulus uint64) {
	if buckets == modulus {
		modulus *= 2
	}
	n1 = buckets - modulus/2
	n2 = buckets
	newBuckets = buckets + 1
	newModulus = modulus
	return
}
