package nudb

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustCreate(t *testing.T, dir string, keySize, blockSize uint16, lf float64) (string, string, string) {
	t.Helper()
	dat := filepath.Join(dir, "db.dat")
	key := filepath.Join(dir, "db.key")
	log := filepath.Join(dir, "db.log")
	if err := Create(dat, key, CreateOptions{AppNum: 1337, KeySize: keySize, BlockSize: blockSize, LoadFactor: lf}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return dat, key, log
}

func fetchBytes(t *testing.T, s *Store, key []byte) []byte {
	t.Helper()
	var out []byte
	err := s.Fetch(context.Background(), key, func(v []byte) error {
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch(%x): %v", key, err)
	}
	return out
}

// TestRoundTripS1 is spec.md's scenario S1: insert 1000 sequential u64
// keys each with a single value byte, close, reopen, and fetch every one.
func TestRoundTripS1(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 4096, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 1000
	for i := 0; i < n; i++ {
		var k [8]byte
		binary.LittleEndian.PutUint64(k[:], uint64(i))
		if err := s.Insert(context.Background(), k[:], []byte{0}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	for i := 0; i < n; i++ {
		var k [8]byte
		binary.LittleEndian.PutUint64(k[:], uint64(i))
		v := fetchBytes(t, s2, k[:])
		if len(v) != 1 || v[0] != 0 {
			t.Fatalf("key %d: expected [0], got %v", i, v)
		}
	}
}

// TestDuplicateInsertS3 is spec.md's scenario S3.
func TestDuplicateInsertS3(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 2, 4096, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	k := []byte{0x12, 0x34}
	if err := s.Insert(context.Background(), k, []byte("abc")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = s.Insert(context.Background(), k, []byte("zzzzz"))
	if code := asCode(err); code != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	v := fetchBytes(t, s, k)
	if string(v) != "abc" {
		t.Fatalf("expected %q to survive the duplicate insert, got %q", "abc", v)
	}
}

func TestFetchMissingKeyBeforeAndAfterCommit(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 4, 256, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	miss := []byte{0, 0, 0, 1}
	err = s.Fetch(context.Background(), miss, func([]byte) error { return nil })
	if code := asCode(err); code != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound on empty store, got %v", err)
	}

	present := []byte{0, 0, 0, 2}
	if err := s.Insert(context.Background(), present, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.runCommit() // force the value out of the pool and into the index

	err = s.Fetch(context.Background(), miss, func([]byte) error { return nil })
	if code := asCode(err); code != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound post-commit, got %v", err)
	}
	if v := fetchBytes(t, s, present); string(v) != "v" {
		t.Fatalf("expected %q, got %q", "v", v)
	}
}

// TestOpenDetectsTamperedPepper confirms Open's hasher-identity self-check
// (spec §4.6 step 3, §3/§6): a key file whose on-disk pepper no longer
// matches hash(salt) under the store's hasher must fail to open.
func TestOpenDetectsTamperedPepper(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 256, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf, err := os.ReadFile(key)
	if err != nil {
		t.Fatal(err)
	}
	// Pepper occupies bytes [36:44) of the key-file header; flip a bit so
	// it no longer equals hashing.Pepper(salt).
	buf[36] ^= 0xff
	if err := os.WriteFile(key, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = Open(dat, key, log)
	if code := asCode(err); code != ErrPepperMismatch {
		t.Fatalf("expected ErrPepperMismatch, got %v", err)
	}
}

func TestInsertRejectsZeroSizeAndWrongKeySize(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 4, 256, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	err = s.Insert(context.Background(), []byte{1, 2, 3, 4}, nil)
	if code := asCode(err); code != ErrZeroSizeValue {
		t.Fatalf("expected ErrZeroSizeValue, got %v", err)
	}

	err = s.Insert(context.Background(), []byte{1, 2, 3}, []byte("x"))
	if code := asCode(err); code != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

// TestCommitSplitsAndSurvivesManyInserts drives enough inserts through a
// tiny block size that at least one bucket split must occur, then checks
// every value is still fetchable from the post-split index.
func TestCommitSplitsAndSurvivesManyInserts(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 128, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	const n = 400
	for i := 0; i < n; i++ {
		var k [8]byte
		binary.LittleEndian.PutUint64(k[:], uint64(i))
		val := []byte{byte(i), byte(i >> 8)}
		if err := s.Insert(context.Background(), k[:], val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	s.runCommit()

	s.mu.RLock()
	buckets := s.buckets
	s.mu.RUnlock()
	if buckets <= 1 {
		t.Fatalf("expected at least one split to have grown buckets past 1, got %d", buckets)
	}

	for i := 0; i < n; i++ {
		var k [8]byte
		binary.LittleEndian.PutUint64(k[:], uint64(i))
		v := fetchBytes(t, s, k[:])
		want := []byte{byte(i), byte(i >> 8)}
		if len(v) != len(want) || v[0] != want[0] || v[1] != want[1] {
			t.Fatalf("key %d: expected %v, got %v", i, want, v)
		}
	}
}

func TestOverflowCommitLimitUnblocksInsert(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 4, 256, 0.5)

	s, err := Open(dat, key, log, WithCommitLimit(32))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		var k [4]byte
		binary.LittleEndian.PutUint32(k[:], 1)
		done <- s.Insert(context.Background(), k[:], make([]byte, 64))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Insert blocked past the overflow commit limit and was never unblocked")
	}
}
