package nudb

import (
	"bytes"

	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/hashing"
	"github.com/flashstore/nudb/nfile"
)

// VerifyInfo reports the statistics and consistency checks Verify computes
// over a closed database (no log file present — run Recover first).
type VerifyInfo struct {
	Version    uint16
	UID        uint64
	AppNum     uint64
	KeySize    uint16
	Salt       uint64
	Pepper     uint64
	BlockSize  uint16
	LoadFactor float64

	Capacity   int
	Buckets    uint64
	BucketSize int

	KeyFileSize int64
	DatFileSize int64

	KeyCount   uint64 // entries reachable from a bucket or its spill chain
	ValueCount uint64 // value records found in the data file
	ValueBytes uint64

	SpillCount    uint64 // spill records reachable from a bucket chain
	SpillCountTot uint64 // spill records present in the data file
	SpillBytes    uint64
	SpillBytesTot uint64

	AvgFetch   float64 // average bucket/spill reads per reachable key
	Waste      float64 // percent of the data file not part of a live record
	Overhead   float64 // percent of extra bytes per byte of value
	ActualLoad float64 // KeyCount / (Buckets * Capacity)

	// Hist[i] counts buckets whose chain has exactly i spill records,
	// clamped into the last slot for chains of 9 or more.
	Hist [10]uint64
}

// Verify checks consistency of the key and data files at datPath/keyPath
// (spec §4.10): header agreement, that every bucket entry names a real
// value record with a matching hash and size, that no two reachable
// entries share a key, and that every value record in the data file is
// reachable from some bucket. progress, if non-nil, is called once per
// bucket scanned.
func Verify(datPath, keyPath string, progress ProgressFunc) (VerifyInfo, error) {
	var info VerifyInfo

	datFile, err := nfile.Open(datPath)
	if err != nil {
		return info, wrapError(ErrShortRead, err)
	}
	defer datFile.Close()
	keyFile, err := nfile.Open(keyPath)
	if err != nil {
		return info, wrapError(ErrShortRead, err)
	}
	defer keyFile.Close()

	datBuf := make([]byte, datHeaderSize)
	if _, err := datFile.ReadAt(datBuf, 0); err != nil {
		return info, wrapError(ErrShortRead, err)
	}
	dh, err := decodeDataHeader(datBuf)
	if err != nil {
		return info, err
	}
	keyFileSize, err := keyFile.Size()
	if err != nil {
		return info, wrapError(ErrShortRead, err)
	}
	keyBuf := make([]byte, keyHeaderSize)
	if _, err := keyFile.ReadAt(keyBuf, 0); err != nil {
		return info, wrapError(ErrShortRead, err)
	}
	kh, err := decodeKeyHeader(keyBuf)
	if err != nil {
		return info, err
	}
	if err := verifyHeaderAgreement(dh.UID, kh.UID, dh.AppNum, kh.AppNum, dh.KeySize, kh.KeySize); err != nil {
		return info, err
	}
	if err := verifyPepperSelfCheck(kh.Salt, kh.Pepper); err != nil {
		return info, err
	}

	datFileSize, err := datFile.Size()
	if err != nil {
		return info, wrapError(ErrShortRead, err)
	}

	capacity := bucket.Capacity(int(kh.BlockSize))
	if capacity < 1 {
		return info, NewError(ErrInvalidBlockSize)
	}
	buckets := uint64(keyFileSize/int64(kh.BlockSize)) - 1
	if buckets == 0 {
		buckets = 1
	}

	info.Version = dh.Version
	info.UID = dh.UID
	info.AppNum = dh.AppNum
	info.KeySize = dh.KeySize
	info.Salt = kh.Salt
	info.Pepper = kh.Pepper
	info.BlockSize = kh.BlockSize
	info.LoadFactor = float64(kh.LoadFactor) / 65536
	info.Capacity = capacity
	info.Buckets = buckets
	info.BucketSize = int(kh.BlockSize)
	info.KeyFileSize = keyFileSize
	info.DatFileSize = datFileSize

	reachable := make(map[uint64]uint32) // data-file offset -> recorded size
	seenKeys := make(map[uint64][][]byte) // hash -> keys already seen at that hash
	var fetchSteps uint64

	for n := uint64(0); n < buckets; n++ {
		blockBuf := make([]byte, kh.BlockSize)
		if _, err := keyFile.ReadAt(blockBuf, int64(n+1)*int64(kh.BlockSize)); err != nil {
			return info, wrapError(ErrShortRead, err)
		}
		b, ok := bucket.DecodeBlock(blockBuf, capacity)
		if !ok {
			return info, NewError(ErrShortBucket)
		}

		spills := 0
		for {
			fetchSteps++
			for _, e := range b.Entries {
				size, key, err := verifyValueRecord(datFile, e, int(dh.KeySize), datFileSize)
				if err != nil {
					return info, err
				}
				if hashing.Hash(kh.Salt, key) != e.Hash {
					return info, NewError(ErrHashMismatch)
				}
				if size != e.Size {
					return info, NewError(ErrSizeMismatch)
				}
				for _, prior := range seenKeys[e.Hash] {
					if bytes.Equal(prior, key) {
						return info, NewError(ErrDuplicateValue)
					}
				}
				seenKeys[e.Hash] = append(seenKeys[e.Hash], key)
				reachable[e.Offset] = e.Size
				info.KeyCount++
			}
			if b.Spill == 0 {
				break
			}
			spills++
			info.SpillCount++
			next, spillBytes, err := readSpillBody(datFile, b.Spill)
			if err != nil {
				return info, err
			}
			info.SpillBytes += spillBytes
			b = next
		}
		if spills >= len(info.Hist) {
			spills = len(info.Hist) - 1
		}
		info.Hist[spills]++
		if progress != nil {
			progress(n+1, buckets)
		}
	}

	pos := int64(datHeaderSize)
	for pos < datFileSize {
		head := make([]byte, 6)
		if _, err := datFile.ReadAt(head, pos); err != nil {
			return info, wrapError(ErrShortRead, err)
		}
		size := format.Uint48(head)
		if size == 0 {
			lenBuf := make([]byte, 2)
			if _, err := datFile.ReadAt(lenBuf, pos+6); err != nil {
				return info, wrapError(ErrShortRead, err)
			}
			bodyLen := format.Uint16(lenBuf)
			info.SpillCountTot++
			info.SpillBytesTot += uint64(8 + int(bodyLen))
			pos += 8 + int64(bodyLen)
			continue
		}
		if _, ok := reachable[uint64(pos)]; !ok {
			return info, NewError(ErrOrphanedValue)
		}
		info.ValueCount++
		info.ValueBytes += uint64(size)
		pos += 6 + int64(dh.KeySize) + int64(size)
	}

	if info.ValueCount > 0 {
		info.AvgFetch = float64(fetchSteps) / float64(info.ValueCount)
	}
	if datFileSize > 0 {
		recordHeads := int64(info.ValueCount) * int64(6+int(dh.KeySize))
		used := int64(datHeaderSize) + recordHeads + int64(info.ValueBytes) + int64(info.SpillBytes)
		wasted := datFileSize - used
		if wasted < 0 {
			wasted = 0
		}
		info.Waste = 100 * float64(wasted) / float64(datFileSize)
	}
	if info.ValueBytes > 0 {
		overheadBytes := datFileSize + keyFileSize - int64(info.ValueBytes)
		info.Overhead = 100 * float64(overheadBytes) / float64(info.ValueBytes)
	}
	if buckets > 0 && capacity > 0 {
		info.ActualLoad = float64(info.KeyCount) / (float64(buckets) * float64(capacity))
	}

	return info, nil
}

// verifyValueRecord reads the record at e.Offset, returning its recorded
// size and key bytes. It fails with ErrMissingValue if the offset doesn't
// land on a plausible value record (out of bounds, or a zero-length
// sentinel that marks a spill record instead).
func verifyValueRecord(datFile nfile.File, e bucket.Entry, keySize int, datFileSize int64) (uint32, []byte, error) {
	if int64(e.Offset)+6 > datFileSize {
		return 0, nil, NewError(ErrMissingValue)
	}
	head := make([]byte, 6)
	if _, err := datFile.ReadAt(head, int64(e.Offset)); err != nil {
		return 0, nil, wrapError(ErrShortRead, err)
	}
	size := format.Uint48(head)
	if size == 0 {
		return 0, nil, NewError(ErrMissingValue)
	}
	key := make([]byte, keySize)
	if _, err := datFile.ReadAt(key, int64(e.Offset)+6); err != nil {
		return 0, nil, wrapError(ErrShortRead, err)
	}
	return uint32(size), key, nil
}

// readSpillBody reads a spill record's body from the data file at off,
// returning the parsed bucket and the record's total on-disk byte count
// (8-byte head plus body).
func readSpillBody(datFile nfile.File, off uint64) (*bucket.Bucket, uint64, error) {
	head := make([]byte, 8)
	if _, err := datFile.ReadAt(head, int64(off)); err != nil {
		return nil, 0, wrapError(ErrShortRead, err)
	}
	size := format.Uint16(head[6:8])
	body := make([]byte, size)
	if _, err := datFile.ReadAt(body, int64(off)+8); err != nil {
		return nil, 0, wrapError(ErrShortRead, err)
	}
	b, ok := bucket.DecodeBody(body, -1)
	if !ok {
		return nil, 0, NewError(ErrInvalidSpillSize)
	}
	return b, uint64(8 + len(body)), nil
}
