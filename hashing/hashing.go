// Package hashing defines the seedable-hasher contract the store uses to
// turn keys into 64-bit digests, plus a default implementation.
//
// The contract is small: constructible from a seed, update with bytes,
// digest to a u64. The store, Create, Rekey and Verify call Hash and
// Pepper from this package directly, so they always use the xxhash-backed
// default; there is no option to substitute another Hasher. Salt/pepper
// (see Pepper below) detects a key file written under a different hash
// function.
package hashing

import "github.com/cespare/xxhash/v2"

// Hasher is a seedable 64-bit hash function.
type Hasher interface {
	// Write feeds more bytes into the running digest. It never returns an
	// error, matching hash.Hash64's io.Writer contract.
	Write(p []byte) (int, error)
	// Sum64 returns the digest of everything written so far.
	Sum64() uint64
}

// New constructs the default Hasher seeded with seed.
func New(seed uint64) Hasher {
	return xxhash.NewWithSeed(seed)
}

// Hash returns the digest of data under seed in one call, without
// requiring the caller to manage a Hasher's lifetime.
func Hash(seed uint64, data []byte) uint64 {
	h := New(seed)
	h.Write(data)
	return h.Sum64()
}

// Pepper computes the pepper for a given salt: the digest of salt's
// 8-byte big-endian encoding, hashed with the hasher itself seeded by
// salt. Reopening a key file with a different hash function than the one
// that created it will, with overwhelming probability, produce a
// different pepper than the one stored in the header, and Open reports
// pepper_mismatch.
func Pepper(salt uint64) uint64 {
	var buf [8]byte
	putUint64(buf[:], salt)
	return Hash(salt, buf[:])
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}
