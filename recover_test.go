package nudb

import (
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/flashstore/nudb/bucket"
	"github.com/flashstore/nudb/format"
	"github.com/flashstore/nudb/hashing"
	"github.com/flashstore/nudb/nfile"
)

func TestRecoverNoLogFileIsANoop(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 256, 0.5)
	if err := Recover(dat, key, log); err != nil {
		t.Fatalf("Recover with no log file: %v", err)
	}
}

func TestRecoverErasesEmptyLogFile(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 256, 0.5)
	f, err := os.Create(log)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := Recover(dat, key, log); err != nil {
		t.Fatalf("Recover with empty log file: %v", err)
	}
	if exists, _ := nfile.Exists(log); exists {
		t.Fatal("expected empty log file to be erased")
	}
}

// TestRecoverRollsBackCrashBeforePreImageWrite simulates a crash that
// happened after the log header fsync (the commit point) and after the
// data file received the new value record, but before the committer wrote
// anything else. Recovery must discard the appended value entirely and
// restore both files to their pre-commit sizes (spec §4.8 step 5, and
// testable property 10's "crash immediately after the log-header fsync").
func TestRecoverRollsBackCrashBeforePreImageWrite(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 256, 0.5)

	datFile, err := nfile.Open(dat)
	if err != nil {
		t.Fatal(err)
	}
	preDatSize, _ := datFile.Size()
	keyFile, err := nfile.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	preKeySize, _ := keyFile.Size()

	// Simulate commit step 1: log header with pre-commit sizes, fsync'd.
	lh := LogHeader{
		Version: currentVersion, UID: readUID(t, dat), AppNum: 1337, KeySize: 8,
		Salt: readSalt(t, key), Pepper: readPepper(t, key), BlockSize: 256,
		KeyFileSize: uint64(preKeySize), DatFileSize: uint64(preDatSize),
	}
	logFile, err := nfile.OpenForAppend(log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := logFile.WriteAt(lh.encode(), 0); err != nil {
		t.Fatal(err)
	}

	// Simulate commit step 2: append one value record, then "crash" —
	// nothing else in the commit happens.
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], 42)
	val := []byte("crashed")
	rec := make([]byte, 6+8+len(val))
	format.PutUint48(rec[0:6], uint64(len(val)))
	copy(rec[6:14], k[:])
	copy(rec[14:], val)
	if _, err := datFile.WriteAt(rec, preDatSize); err != nil {
		t.Fatal(err)
	}
	datFile.Close()
	keyFile.Close()
	logFile.Close()

	if err := Recover(dat, key, log); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	fi, err := os.Stat(dat)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != preDatSize {
		t.Fatalf("expected data file truncated back to %d bytes, got %d", preDatSize, fi.Size())
	}
	if exists, _ := nfile.Exists(log); exists {
		t.Fatal("expected log file to be erased after recovery")
	}

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("reopen after recovery: %v", err)
	}
	defer s.Close()
	err = s.Fetch(context.Background(), k[:], func([]byte) error { return nil })
	if code := asCode(err); code != ErrKeyNotFound {
		t.Fatalf("expected the crashed insert to be rolled back, got %v", err)
	}
}

// TestRecoverReplaysPreImageOverNewBucket simulates a crash that happened
// after the committer had already written a new bucket body to the key
// file (step 5) but before the log was truncated (step 6): the log still
// holds the bucket's pre-image. Recovery must restore the old bucket body
// (observable invariant 3: reopening looks exactly like the commit never
// happened) and roll both files back to their pre-commit sizes.
func TestRecoverReplaysPreImageOverNewBucket(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 256, 0.5)

	datFile, err := nfile.Open(dat)
	if err != nil {
		t.Fatal(err)
	}
	preDatSize, _ := datFile.Size()
	keyFile, err := nfile.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	preKeySize, _ := keyFile.Size()

	salt := readSalt(t, key)
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], 7)
	h := hashing.Hash(salt, k[:])
	val := []byte("pending")

	// Step 1: log header.
	lh := LogHeader{
		Version: currentVersion, UID: readUID(t, dat), AppNum: 1337, KeySize: 8,
		Salt: salt, Pepper: readPepper(t, key), BlockSize: 256,
		KeyFileSize: uint64(preKeySize), DatFileSize: uint64(preDatSize),
	}
	logFile, err := nfile.OpenForAppend(log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := logFile.WriteAt(lh.encode(), 0); err != nil {
		t.Fatal(err)
	}

	// Step 2: append the value record.
	rec := make([]byte, 6+8+len(val))
	format.PutUint48(rec[0:6], uint64(len(val)))
	copy(rec[6:14], k[:])
	copy(rec[14:], val)
	if _, err := datFile.WriteAt(rec, preDatSize); err != nil {
		t.Fatal(err)
	}

	// Step 4 (pre-image): bucket 0's pre-commit body was empty.
	preImage := bucket.Empty()
	preBody := make([]byte, preImage.BodySize())
	preImage.EncodeBody(preBody)
	logRec := make([]byte, 8+2+len(preBody))
	format.PutUint64(logRec[0:8], 0)
	format.PutUint16(logRec[8:10], uint16(len(preBody)))
	copy(logRec[10:], preBody)
	if _, err := logFile.WriteAt(logRec, int64(logHeaderSize)); err != nil {
		t.Fatal(err)
	}

	// Step 5 (crashed here): bucket 0 already holds the new entry in the
	// key file, but the log was never truncated.
	newBucket := bucket.Empty()
	newBucket.Insert(uint64(preDatSize), uint32(len(val)), h)
	if _, err := keyFile.WriteAt(newBucket.EncodeBlock(256), 256); err != nil {
		t.Fatal(err)
	}

	datFile.Close()
	keyFile.Close()
	logFile.Close()

	if err := Recover(dat, key, log); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	fi, err := os.Stat(dat)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != preDatSize {
		t.Fatalf("expected data file rolled back to %d bytes, got %d", preDatSize, fi.Size())
	}

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("reopen after recovery: %v", err)
	}
	defer s.Close()
	err = s.Fetch(context.Background(), k[:], func([]byte) error { return nil })
	if code := asCode(err); code != ErrKeyNotFound {
		t.Fatalf("expected the pending entry to have been rolled back, got %v", err)
	}
}

func readUID(t *testing.T, datPath string) uint64 {
	t.Helper()
	buf, err := os.ReadFile(datPath)
	if err != nil {
		t.Fatal(err)
	}
	dh, err := decodeDataHeader(buf[:datHeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	return dh.UID
}

func readSalt(t *testing.T, keyPath string) uint64 {
	t.Helper()
	buf, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	kh, err := decodeKeyHeader(buf[:keyHeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	return kh.Salt
}

func readPepper(t *testing.T, keyPath string) uint64 {
	t.Helper()
	buf, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	kh, err := decodeKeyHeader(buf[:keyHeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	return kh.Pepper
}
