package nudb

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/hashing"
	"github.com/flashstore/nudb/nfile"
)

// CreateOptions configures Create. Zero-value AppNum is a valid
// application number; every other field must be set explicitly.
type CreateOptions struct {
	AppNum     uint64
	KeySize    uint16
	BlockSize  uint16
	LoadFactor float64 // strictly in (0, 1)
}

// Create writes fresh data-file and key-file headers at datPath/keyPath,
// which must not already exist. uid and salt are generated from a random
// UUID's bits rather than a counter, so concurrently created databases on
// the same host never collide without any coordination.
func Create(datPath, keyPath string, opts CreateOptions) error {
	if opts.KeySize == 0 {
		return NewError(ErrInvalidKeySize)
	}
	capacity := bucket.Capacity(int(opts.BlockSize))
	if capacity < 1 {
		return NewError(ErrInvalidBlockSize)
	}
	if opts.LoadFactor <= 0 || opts.LoadFactor >= 1 {
		return NewError(ErrInvalidLoadFactor)
	}

	uid := randomUint64()
	salt := randomUint64()
	pepper := hashing.Pepper(salt)

	datHeader := DataHeader{
		Version: currentVersion,
		UID:     uid,
		AppNum:  opts.AppNum,
		KeySize: opts.KeySize,
	}
	keyHeader := KeyHeader{
		Version:    currentVersion,
		UID:        uid,
		AppNum:     opts.AppNum,
		KeySize:    opts.KeySize,
		Salt:       salt,
		Pepper:     pepper,
		BlockSize:  opts.BlockSize,
		LoadFactor: saturateLoadFactor(opts.LoadFactor),
	}

	datFile, err := nfile.Create(datPath)
	if err != nil {
		return wrapError(ErrShortWrite, err)
	}
	defer datFile.Close()
	// The data file header is not block-padded: the first value record
	// begins immediately after it.
	if err := writeHeaderBlock(datFile, datHeader.encode(), 0); err != nil {
		return err
	}

	keyFile, err := nfile.Create(keyPath)
	if err != nil {
		return wrapError(ErrShortWrite, err)
	}
	defer keyFile.Close()
	if err := writeHeaderBlock(keyFile, keyHeader.encode(), int(opts.BlockSize)); err != nil {
		return err
	}
	// Bucket 0 exists from the moment the database is created (buckets
	// starts at 1, per the Litwin linear-hashing initial state): write its
	// empty block now so the key file's length already agrees with
	// "buckets == 1" instead of leaving a logical bucket with no physical
	// block for the first insert's commit to read.
	emptyBlock := bucket.Empty().EncodeBlock(int(opts.BlockSize))
	if _, err := keyFile.WriteAt(emptyBlock, int64(opts.BlockSize)); err != nil {
		return wrapError(ErrShortWrite, err)
	}

	if err := datFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	return wrapErrIfErr(keyFile.Sync())
}

// writeHeaderBlock writes header at offset 0, padded to a full block when
// blockSize is larger than the header (the data file header is not
// block-padded per the wire format in §6, but the key file's header
// occupies the whole first block so bucket 0 starts at offset block_size).
func writeHeaderBlock(f nfile.File, header []byte, blockSize int) error {
	if blockSize > len(header) {
		padded := make([]byte, blockSize)
		copy(padded, header)
		header = padded
	}
	if _, err := f.WriteAt(header, 0); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	return nil
}

func wrapErrIfErr(err error) error {
	if err == nil {
		return nil
	}
	return wrapError(ErrShortWrite, err)
}

func saturateLoadFactor(lf float64) uint16 {
	v := lf * 65536
	if v > 65535 {
		return 65535
	}
	if v < 1 {
		return 1
	}
	return uint16(v)
}

func randomUint64() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[0:8]) ^ binary.BigEndian.Uint64(id[8:16])
}
