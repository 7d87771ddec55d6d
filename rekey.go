package nudb

import (
	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/hashing"
	"github.com/flashstore/nudb/linhash"
	"github.com/flashstore/nudb/nfile"
)

// ProgressFunc is invoked periodically during Rekey and Verify with the
// work done so far and, when known, the total amount of work. Visit takes
// no progress callback.
type ProgressFunc func(done, total uint64)

// RekeyOptions configures Rekey.
type RekeyOptions struct {
	AppNum     uint64
	KeySize    uint16
	BlockSize  uint16
	LoadFactor float64
	ItemCount  uint64 // estimated number of values in the data file
	Memory     int64  // bytes of stripe buffer budget
	Progress   ProgressFunc
}

// Rekey rebuilds a key file from a data file alone (spec §4.9), for the
// case where the key file was lost or is being resized. datPath must name
// an existing, valid data file; keyPath must not already exist.
func Rekey(datPath, keyPath string, opts RekeyOptions) error {
	capacity := bucket.Capacity(int(opts.BlockSize))
	if capacity < 1 {
		return NewError(ErrInvalidBlockSize)
	}
	buckets := ceilDiv(opts.ItemCount, uint64(capacity)*uint64(saturateLoadFactor(opts.LoadFactor))/linhash.FixedFrac)
	if buckets < 1 {
		buckets = 1
	}
	modulus := format.CeilPow2(buckets)

	datFile, err := nfile.Open(datPath)
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	defer datFile.Close()

	datBuf := make([]byte, datHeaderSize)
	if _, err := datFile.ReadAt(datBuf, 0); err != nil {
		return wrapError(ErrShortRead, err)
	}
	dh, err := decodeDataHeader(datBuf)
	if err != nil {
		return err
	}

	keyFile, err := nfile.Create(keyPath)
	if err != nil {
		return wrapError(ErrShortWrite, err)
	}
	defer keyFile.Close()

	salt := randomUint64()
	kh := KeyHeader{
		Version: currentVersion, UID: dh.UID, AppNum: opts.AppNum, KeySize: opts.KeySize,
		Salt: salt, Pepper: hashing.Pepper(salt),
		BlockSize: opts.BlockSize, LoadFactor: saturateLoadFactor(opts.LoadFactor),
	}
	if err := writeHeaderBlock(keyFile, kh.encode(), int(opts.BlockSize)); err != nil {
		return err
	}

	stripe := opts.Memory / int64(opts.BlockSize)
	if stripe < 1 {
		stripe = 1
	}

	datSize, err := datFile.Size()
	if err != nil {
		return wrapError(ErrShortRead, err)
	}

	numStripes := ceilDiv(buckets, uint64(stripe))
	totalWork := numStripes * opts.ItemCount

	for pass, b0 := uint64(0), uint64(0); b0 < buckets; pass, b0 = pass+1, b0+uint64(stripe) {
		b1 := b0 + uint64(stripe)
		if b1 > buckets {
			b1 = buckets
		}
		var passDone uint64
		live := make(map[uint64]*bucket.Bucket, b1-b0)
		for n := b0; n < b1; n++ {
			live[n] = bucket.Empty()
		}

		appender := &spillAppender{f: datFile}
		var pos int64 = datHeaderSize
		for pos < datSize {
			hdr := make([]byte, 6)
			if _, err := datFile.ReadAt(hdr, pos); err != nil {
				break
			}
			size := format.Uint48(hdr)
			if size == 0 {
				// spill record: 6B zero, 2B body size, body — skip over it.
				lenBuf := make([]byte, 2)
				if _, err := datFile.ReadAt(lenBuf, pos+6); err != nil {
					break
				}
				bodyLen := format.Uint16(lenBuf)
				pos += 8 + int64(bodyLen)
				continue
			}
			keyBuf := make([]byte, opts.KeySize)
			if _, err := datFile.ReadAt(keyBuf, pos+6); err != nil {
				break
			}
			recOffset := uint64(pos)
			h := hashing.Hash(salt, keyBuf)
			n := linhash.BucketIndex(h, buckets, modulus)
			if n >= b0 && n < b1 {
				target := live[n]
				if err := target.MaybeSpill(capacity, appender); err != nil {
					return err
				}
				target.Insert(recOffset, uint32(size), h)
			}
			pos += 6 + int64(opts.KeySize) + int64(size)
			passDone++
			if opts.Progress != nil {
				opts.Progress(pass*opts.ItemCount+passDone, totalWork)
			}
		}

		for n := b0; n < b1; n++ {
			block := live[n].EncodeBlock(int(opts.BlockSize))
			off := int64(n+1) * int64(opts.BlockSize)
			if _, err := keyFile.WriteAt(block, off); err != nil {
				return wrapError(ErrShortWrite, err)
			}
		}
	}

	return wrapErrIfErr(keyFile.Sync())
}

// spillAppender appends spill bodies directly to the end of the data file
// during rekey, tracking the append position across calls by always
// asking the file for its current size (rekey's stripes are processed one
// at a time, so there is no concurrent writer to race with).
type spillAppender struct {
	f nfile.File
}

func (a *spillAppender) WriteSpill(body []byte) (uint64, error) {
	size, err := a.f.Size()
	if err != nil {
		return 0, err
	}
	head := make([]byte, 8)
	format.PutUint16(head[6:8], uint16(len(body)))
	if _, err := a.f.WriteAt(head, size); err != nil {
		return 0, err
	}
	if _, err := a.f.WriteAt(body, size+8); err != nil {
		return 0, err
	}
	return uint64(size), nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}
