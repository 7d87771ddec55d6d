package nudb

import (
	"bytes"

	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/hashing"
)

const currentVersion = 2

var (
	datMagic = [8]byte{'n', 'u', 'd', 'b', '.', 'd', 'a', 't'}
	keyMagic = [8]byte{'n', 'u', 'd', 'b', '.', 'k', 'e', 'y'}
	logMagic = [8]byte{'n', 'u', 'd', 'b', '.', 'l', 'o', 'g'}
)

const (
	datHeaderSize = 8 + 2 + 8 + 8 + 2 + 64 // 92
	keyHeaderSize = 8 + 2 + 8 + 8 + 2 + 8 + 8 + 2 + 2 + 64 // 112
	logHeaderSize = 8 + 2 + 8 + 8 + 2 + 8 + 8 + 2 + 8 + 8 // 62
)

// DataHeader is the data file's one-time header, written on Create and
// never modified afterward.
type DataHeader struct {
	Version uint16
	UID     uint64
	AppNum  uint64
	KeySize uint16
}

func (h DataHeader) encode() []byte {
	buf := make([]byte, datHeaderSize)
	copy(buf[0:8], datMagic[:])
	format.PutUint16(buf[8:10], h.Version)
	format.PutUint64(buf[10:18], h.UID)
	format.PutUint64(buf[18:26], h.AppNum)
	format.PutUint16(buf[26:28], h.KeySize)
	return buf
}

func decodeDataHeader(buf []byte) (DataHeader, error) {
	var h DataHeader
	if len(buf) < datHeaderSize {
		return h, NewError(ErrIncompleteDataFileHeader)
	}
	if !bytes.Equal(buf[0:8], datMagic[:]) {
		return h, NewError(ErrNotDataFile)
	}
	h.Version = format.Uint16(buf[8:10])
	h.UID = format.Uint64(buf[10:18])
	h.AppNum = format.Uint64(buf[18:26])
	h.KeySize = format.Uint16(buf[26:28])
	if h.Version != currentVersion {
		return h, NewError(ErrDifferentVersion)
	}
	return h, nil
}

// KeyHeader is the key file's one-time header. Bucket count and modulus
// are deliberately absent from the wire format: they are derived from
// the key file's length at open time (§4.6 step 4), never stored.
type KeyHeader struct {
	Version    uint16
	UID        uint64
	AppNum     uint64
	KeySize    uint16
	Salt       uint64
	Pepper     uint64
	BlockSize  uint16
	LoadFactor uint16 // fixed-point fraction of 65536
}

func (h KeyHeader) encode() []byte {
	buf := make([]byte, keyHeaderSize)
	copy(buf[0:8], keyMagic[:])
	format.PutUint16(buf[8:10], h.Version)
	format.PutUint64(buf[10:18], h.UID)
	format.PutUint64(buf[18:26], h.AppNum)
	format.PutUint16(buf[26:28], h.KeySize)
	format.PutUint64(buf[28:36], h.Salt)
	format.PutUint64(buf[36:44], h.Pepper)
	format.PutUint16(buf[44:46], h.BlockSize)
	format.PutUint16(buf[46:48], h.LoadFactor)
	return buf
}

func decodeKeyHeader(buf []byte) (KeyHeader, error) {
	var h KeyHeader
	if len(buf) < keyHeaderSize {
		return h, NewError(ErrIncompleteKeyFileHeader)
	}
	if !bytes.Equal(buf[0:8], keyMagic[:]) {
		return h, NewError(ErrNotKeyFile)
	}
	h.Version = format.Uint16(buf[8:10])
	h.UID = format.Uint64(buf[10:18])
	h.AppNum = format.Uint64(buf[18:26])
	h.KeySize = format.Uint16(buf[26:28])
	h.Salt = format.Uint64(buf[28:36])
	h.Pepper = format.Uint64(buf[36:44])
	h.BlockSize = format.Uint16(buf[44:46])
	h.LoadFactor = format.Uint16(buf[46:48])
	if h.Version != currentVersion {
		return h, NewError(ErrDifferentVersion)
	}
	return h, nil
}

// LogHeader is written at the start of every commit (present only while
// a commit is in progress) and copies the identity fields from the key
// header so recovery can cross-check them without trusting a possibly
// torn key file.
type LogHeader struct {
	Version    uint16
	UID        uint64
	AppNum     uint64
	KeySize    uint16
	Salt       uint64
	Pepper     uint64
	BlockSize  uint16
	KeyFileSize uint64
	DatFileSize uint64
}

func (h LogHeader) encode() []byte {
	buf := make([]byte, logHeaderSize)
	copy(buf[0:8], logMagic[:])
	format.PutUint16(buf[8:10], h.Version)
	format.PutUint64(buf[10:18], h.UID)
	format.PutUint64(buf[18:26], h.AppNum)
	format.PutUint16(buf[26:28], h.KeySize)
	format.PutUint64(buf[28:36], h.Salt)
	format.PutUint64(buf[36:44], h.Pepper)
	format.PutUint16(buf[44:46], h.BlockSize)
	format.PutUint64(buf[46:54], h.KeyFileSize)
	format.PutUint64(buf[54:62], h.DatFileSize)
	return buf
}

func decodeLogHeader(buf []byte) (LogHeader, error) {
	var h LogHeader
	if len(buf) < logHeaderSize {
		return h, NewError(ErrShortRead)
	}
	if !bytes.Equal(buf[0:8], logMagic[:]) {
		return h, NewError(ErrNotLogFile)
	}
	h.Version = format.Uint16(buf[8:10])
	h.UID = format.Uint64(buf[10:18])
	h.AppNum = format.Uint64(buf[18:26])
	h.KeySize = format.Uint16(buf[26:28])
	h.Salt = format.Uint64(buf[28:36])
	h.Pepper = format.Uint64(buf[36:44])
	h.BlockSize = format.Uint16(buf[44:46])
	h.KeyFileSize = format.Uint64(buf[46:54])
	h.DatFileSize = format.Uint64(buf[54:62])
	return h, nil
}

// verifyHeaderAgreement checks the fields that must match between the data
// header and the key header (or a log header standing in for it).
func verifyHeaderAgreement(uid1, uid2, app1, app2 uint64, ks1, ks2 uint16) error {
	if uid1 != uid2 {
		return NewError(ErrUIDMismatch)
	}
	if app1 != app2 {
		return NewError(ErrAppnumMismatch)
	}
	if ks1 != ks2 {
		return NewError(ErrKeySizeMismatch)
	}
	return nil
}

// verifyPepperSelfCheck recomputes the pepper from salt and confirms it
// matches the stored pepper, detecting a key file reopened under a
// different hasher than the one that created it (spec §3/§6).
func verifyPepperSelfCheck(salt, pepper uint64) error {
	if hashing.Pepper(salt) != pepper {
		return NewError(ErrPepperMismatch)
	}
	return nil
}

func verifyLogAgainstKeyHeader(lh LogHeader, kh KeyHeader) error {
	if err := verifyHeaderAgreement(lh.UID, kh.UID, lh.AppNum, kh.AppNum, lh.KeySize, kh.KeySize); err != nil {
		return err
	}
	if lh.Salt != kh.Salt {
		return NewError(ErrSaltMismatch)
	}
	if lh.Pepper != kh.Pepper {
		return NewError(ErrPepperMismatch)
	}
	if lh.BlockSize != kh.BlockSize {
		return NewError(ErrBlockSizeMismatch)
	}
	return nil
}
