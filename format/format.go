// Package format provides explicit big-endian encode/decode helpers for the
// fixed-width integers used throughout the on-disk layout, including the
// 6-byte ("uint48") fields used for file offsets and value lengths.
//
// All on-disk integers are big-endian regardless of host byte order; this
// package is the one place that fact is encoded, rather than relying on
// structure layout, which would make the format depend on the compiler and
// host architecture.
package format

import "encoding/binary"

// PutUint48 writes the low 48 bits of v into b[:6] in big-endian order.
func PutUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// Uint48 reads 6 big-endian bytes from b[:6] as an unsigned integer.
func Uint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// PutUint16, Uint16, PutUint32, Uint32, PutUint64, Uint64 re-export the
// standard library's big-endian helpers under names that line up with the
// Uint48 family above, so call sites reading the wire-format code don't
// have to mentally switch between two naming conventions.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func Uint16(b []byte) uint16       { return binary.BigEndian.Uint16(b) }
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
func PutUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func Uint64(b []byte) uint64       { return binary.BigEndian.Uint64(b) }

// CeilPow2 returns the smallest power of two greater than or equal to n.
// n must be >= 1.
func CeilPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
