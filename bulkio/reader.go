// Package bulkio provides a buffered sequential reader over a range of a
// nfile.File and a buffered appender that batches writes into
// buffer-sized chunks before handing them to the file. The appender's
// writes are not aligned to any block boundary: each flush starts
// wherever the previous one ended.
//
// Both exist because the store's hot paths — streaming the data file
// during recovery/rekey/visit, and appending value/spill records during a
// commit — are sequential by nature; reading or writing one small piece at
// a time through ReadAt/WriteAt would turn every record into its own
// syscall.
package bulkio

import (
	"io"

	"github.com/flashstore/nudb/nfile"
)

const defaultBufferSize = 256 * 1024

// Reader streams bytes sequentially from a nfile.File starting at a given
// offset, refilling its internal buffer from ReadAt as needed. It mirrors
// the teacher's wal/wal_reader.go sequential-decode-loop shape, adapted
// from reading a whole *os.File to reading an arbitrary byte range of the
// File capability.
type Reader struct {
	f      nfile.File
	pos    int64 // absolute file offset of the next byte not yet buffered
	end    int64 // absolute file offset this reader will not read past
	buf    []byte
	bufOff int // read index into buf
	bufLen int // valid bytes in buf
}

// NewReader returns a Reader that will read the half-open range [off, end)
// of f.
func NewReader(f nfile.File, off, end int64) *Reader {
	return &Reader{
		f:   f,
		pos: off,
		end: end,
		buf: make([]byte, defaultBufferSize),
	}
}

// Remaining reports how many bytes are left before the reader reaches its
// end offset, counting bytes already buffered but not yet returned.
func (r *Reader) Remaining() int64 { return r.end - r.pos + int64(r.bufLen-r.bufOff) }

func (r *Reader) fill() error {
	if r.bufOff < r.bufLen {
		return nil
	}
	r.bufOff, r.bufLen = 0, 0
	if r.pos >= r.end {
		return io.EOF
	}
	want := int64(len(r.buf))
	if rem := r.end - r.pos; rem < want {
		want = rem
	}
	n, err := r.f.ReadAt(r.buf[:want], r.pos)
	if n > 0 {
		r.bufLen = n
		r.pos += int64(n)
	}
	if err != nil && err != io.EOF {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

// Read implements io.Reader over the reader's range.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.buf[r.bufOff:r.bufLen])
	r.bufOff += n
	return n, nil
}

// ReadFull reads exactly len(p) bytes or returns io.ErrUnexpectedEOF (or
// io.EOF if zero bytes were read before the range ended — the boundary a
// torn-tail caller needs to distinguish "clean end" from "partial record").
func (r *Reader) ReadFull(p []byte) error {
	read := 0
	for read < len(p) {
		n, err := r.Read(p[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				if read == 0 {
					return io.EOF
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}
