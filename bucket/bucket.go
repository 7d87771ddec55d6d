// Package bucket implements the in-memory view over a fixed-size block of
// the key file (or a variable-size spill body in the data file): an entry
// count, a spill pointer, and that many entries sorted by hash ascending.
package bucket

import (
	"sort"

	"github.com/flashstore/nudb/format"
)

// EntrySize is the on-disk size, in bytes, of one bucket entry: a 6-byte
// value offset, a 4-byte value size, and an 8-byte hash.
const EntrySize = 6 + 4 + 8

// headerSize is the 2-byte count plus the 6-byte spill pointer that
// precede the entries in both a key-file block and a spill body.
const headerSize = 2 + 6

// Entry is one bucket slot: where the value lives in the data file, how
// big it is, and the hash of its key (the sort key within the bucket).
type Entry struct {
	Offset uint64 // position of the value record in the data file
	Size   uint32 // length of the value
	Hash   uint64
}

// Bucket is a parsed bucket body: a spill pointer and a hash-ordered list
// of entries. The zero value is an empty bucket (Spill 0, no entries).
type Bucket struct {
	Spill   uint64
	Entries []Entry
}

// Capacity returns the maximum number of entries that fit in one
// blockSize-byte key-file block.
func Capacity(blockSize int) int {
	n := (blockSize - headerSize) / EntrySize
	if n < 0 {
		return 0
	}
	return n
}

// Empty returns a freshly zeroed bucket, matching the layout of a bucket
// index position that has never held an entry.
func Empty() *Bucket {
	return &Bucket{}
}

// Size returns the number of entries currently in the bucket.
func (b *Bucket) Size() int { return len(b.Entries) }

// IsEmpty reports whether the bucket holds no entries.
func (b *Bucket) IsEmpty() bool { return len(b.Entries) == 0 }

// BodySize returns the encoded size, in bytes, of the bucket's body (count
// + spill pointer + entries), with no block padding.
func (b *Bucket) BodySize() int {
	return headerSize + len(b.Entries)*EntrySize
}

// LowerBound returns the index of the first entry with Hash >= h, or
// len(Entries) if there is none. Because entries are kept sorted by hash,
// every candidate for a given hash value lives in the contiguous run
// starting here.
func (b *Bucket) LowerBound(h uint64) int {
	return sort.Search(len(b.Entries), func(i int) bool {
		return b.Entries[i].Hash >= h
	})
}

// At returns the i-th entry.
func (b *Bucket) At(i int) Entry { return b.Entries[i] }

// Insert adds an entry, preserving ascending-hash order. The caller is
// responsible for ensuring the bucket has room (see MaybeSpill) — Insert
// itself enforces no capacity limit, since spill bodies in the data file
// are not block-bounded.
func (b *Bucket) Insert(offset uint64, size uint32, hash uint64) {
	i := b.LowerBound(hash)
	b.Entries = append(b.Entries, Entry{})
	copy(b.Entries[i+1:], b.Entries[i:])
	b.Entries[i] = Entry{Offset: offset, Size: size, Hash: hash}
}

// Erase removes the i-th entry, used while redistributing a bucket's
// contents during a split.
func (b *Bucket) Erase(i int) {
	b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
}

// Clear empties the bucket in place and resets its spill pointer to zero;
// callers that need to chain to a prior body (as MaybeSpill does) set
// Spill explicitly after Clear.
func (b *Bucket) Clear() {
	b.Spill = 0
	b.Entries = b.Entries[:0]
}

// Clone returns a deep copy, used when a bucket body must be preserved as
// a pre-image (cache's c0 generation) while the original is mutated.
func (b *Bucket) Clone() *Bucket {
	c := &Bucket{Spill: b.Spill, Entries: make([]Entry, len(b.Entries))}
	copy(c.Entries, b.Entries)
	return c
}

// EncodeBody writes the bucket's body (count, spill pointer, entries, no
// padding) into dst, which must be at least BodySize() bytes, and returns
// the number of bytes written.
func (b *Bucket) EncodeBody(dst []byte) int {
	format.PutUint16(dst[0:2], uint16(len(b.Entries)))
	format.PutUint48(dst[2:8], b.Spill)
	off := headerSize
	for _, e := range b.Entries {
		format.PutUint48(dst[off:off+6], e.Offset)
		format.PutUint32(dst[off+6:off+10], e.Size)
		format.PutUint64(dst[off+10:off+18], e.Hash)
		off += EntrySize
	}
	return off
}

// EncodeBlock returns a blockSize-byte image of the bucket, zero-padded
// after the last entry, suitable for writing directly at a key-file
// bucket's byte offset.
func (b *Bucket) EncodeBlock(blockSize int) []byte {
	buf := make([]byte, blockSize)
	b.EncodeBody(buf)
	return buf
}

// DecodeBody parses a bucket body (as produced by EncodeBody) out of src.
// capacity, if >= 0, bounds how many entries are accepted before the data
// is rejected as corrupt (ErrShortBucket-equivalent callers check this);
// pass -1 to skip the check (spill bodies are not block-bounded).
func DecodeBody(src []byte, capacity int) (*Bucket, bool) {
	if len(src) < headerSize {
		return nil, false
	}
	n := int(format.Uint16(src[0:2]))
	if capacity >= 0 && n > capacity {
		return nil, false
	}
	need := headerSize + n*EntrySize
	if len(src) < need {
		return nil, false
	}
	b := &Bucket{Spill: format.Uint48(src[2:8]), Entries: make([]Entry, n)}
	off := headerSize
	for i := 0; i < n; i++ {
		b.Entries[i] = Entry{
			Offset: format.Uint48(src[off : off+6]),
			Size:   format.Uint32(src[off+6 : off+10]),
			Hash:   format.Uint64(src[off+10 : off+18]),
		}
		off += EntrySize
	}
	return b, true
}

// DecodeBlock parses a blockSize-byte key-file image, which is simply a
// body followed by zero padding, bounding entry count by capacity.
func DecodeBlock(src []byte, capacity int) (*Bucket, bool) {
	return DecodeBody(src, capacity)
}

// SpillWriter appends a spill record (the 6-byte zero-length sentinel, a
// 2-byte body size, and the body itself) to the data file and reports the
// offset the record was written at — the value that becomes the bucket's
// new spill pointer. Implemented by the committer's bulk writer.
type SpillWriter interface {
	WriteSpill(body []byte) (offset uint64, err error)
}

// MaybeSpill is called before inserting into a bucket that is at
// capacity. It writes the bucket's current body as a spill record (which
// transparently preserves any existing spill chain, since the new spill
// body carries the old spill pointer), points the bucket at that new
// spill record, and clears the bucket so the caller's insert can proceed
// into what is now empty room.
func (b *Bucket) MaybeSpill(capacity int, w SpillWriter) error {
	if len(b.Entries) < capacity {
		return nil
	}
	body := make([]byte, b.BodySize())
	b.EncodeBody(body)
	off, err := w.WriteSpill(body)
	if err != nil {
		return err
	}
	b.Clear()
	b.Spill = off
	return nil
}
