package nudb

import (
	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/bulkio"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/nfile"
)

const logRecordHeaderSize = 8 + 2 // bucket index + body length

// Recover restores consistency at datPath/keyPath/logPath by replaying or
// discarding the log file, per spec §4.8. It must run before a database is
// opened; Open calls it automatically.
func Recover(datPath, keyPath, logPath string) error {
	exists, err := nfile.Exists(logPath)
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	if !exists {
		return nil
	}

	logFile, err := nfile.Open(logPath)
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	defer logFile.Close()

	logSize, err := logFile.Size()
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	if logSize == 0 {
		return wrapErrIfErr(nfile.Erase(logPath))
	}

	datFile, err := nfile.Open(datPath)
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	defer datFile.Close()
	keyFile, err := nfile.Open(keyPath)
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	defer keyFile.Close()

	datBuf := make([]byte, datHeaderSize)
	if _, err := datFile.ReadAt(datBuf, 0); err != nil {
		return wrapError(ErrShortRead, err)
	}
	dh, err := decodeDataHeader(datBuf)
	if err != nil {
		return err
	}
	keyBuf := make([]byte, keyHeaderSize)
	if _, err := keyFile.ReadAt(keyBuf, 0); err != nil {
		return wrapError(ErrShortRead, err)
	}
	kh, err := decodeKeyHeader(keyBuf)
	if err != nil {
		return err
	}
	if err := verifyHeaderAgreement(dh.UID, kh.UID, dh.AppNum, kh.AppNum, dh.KeySize, kh.KeySize); err != nil {
		return err
	}
	if err := verifyPepperSelfCheck(kh.Salt, kh.Pepper); err != nil {
		return err
	}

	// 2. A log shorter than a full header means the crash landed before
	// the commit point: roll back zero records. With no header there are
	// no pre-commit sizes to restore, so step 5 truncates both files to
	// their current sizes and only the log itself is discarded.
	if logSize < int64(logHeaderSize) {
		datCurSize, err := datFile.Size()
		if err != nil {
			return wrapError(ErrShortRead, err)
		}
		keyCurSize, err := keyFile.Size()
		if err != nil {
			return wrapError(ErrShortRead, err)
		}
		return finishRecovery(datFile, keyFile, logFile, logPath, keyCurSize, datCurSize)
	}

	logHeadBuf := make([]byte, logHeaderSize)
	if _, err := logFile.ReadAt(logHeadBuf, 0); err != nil {
		return wrapError(ErrShortRead, err)
	}
	lh, err := decodeLogHeader(logHeadBuf)
	if err != nil {
		return err
	}
	if err := verifyLogAgainstKeyHeader(lh, kh); err != nil {
		return err
	}

	datCurSize, err := datFile.Size()
	if err != nil {
		return wrapError(ErrShortRead, err)
	}
	preBuckets := uint64(lh.KeyFileSize)/uint64(kh.BlockSize) - 1

	// 4. Stream log records, writing each bucket body back into the key
	// file. A short read at a record boundary (or mid-record) is a torn
	// tail from the crash and is silently discarded.
	r := bulkio.NewReader(logFile, int64(logHeaderSize), logSize)
	for {
		head := make([]byte, logRecordHeaderSize)
		if err := r.ReadFull(head); err != nil {
			break
		}
		n := format.Uint64(head[0:8])
		bodyLen := format.Uint16(head[8:10])
		body := make([]byte, bodyLen)
		if err := r.ReadFull(body); err != nil {
			break
		}
		b, ok := bucket.DecodeBody(body, -1)
		if !ok {
			break
		}
		if n >= preBuckets {
			break
		}
		if b.Spill != 0 && b.Spill+uint64(bodyLen) > uint64(datCurSize) {
			break
		}
		off := int64(n+1) * int64(kh.BlockSize)
		block := make([]byte, kh.BlockSize)
		copy(block, body)
		if _, err := keyFile.WriteAt(block, off); err != nil {
			return wrapError(ErrShortWrite, err)
		}
	}

	return finishRecovery(datFile, keyFile, logFile, logPath, int64(lh.KeyFileSize), int64(lh.DatFileSize))
}

// finishRecovery is step 5: truncate the data and key files back to their
// pre-commit sizes, then the log to zero, fsyncing after each, and erase
// the (now empty) log file.
func finishRecovery(datFile, keyFile, logFile nfile.File, logPath string, keyFileSize, datFileSize int64) error {
	if err := datFile.Truncate(datFileSize); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := datFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := keyFile.Truncate(keyFileSize); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := keyFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := logFile.Truncate(0); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	if err := logFile.Sync(); err != nil {
		return wrapError(ErrShortWrite, err)
	}
	return wrapErrIfErr(nfile.Erase(logPath))
}
