package nudb

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
)

// TestVisitEnumeratesEveryInsert is spec.md's scenario S6.
func TestVisitEnumeratesEveryInsert(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 8, 512, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 5000
	want := make(map[uint64][]byte, n)
	x := uint64(7)
	for i := 0; i < n; i++ {
		x = xorshift64(x)
		var k [8]byte
		binary.LittleEndian.PutUint64(k[:], x)
		size := 1 + int(x%200)
		val := make([]byte, size)
		for j := range val {
			val[j] = byte(x + uint64(j))
		}
		if err := s.Insert(context.Background(), k[:], val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		want[x] = val
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	seen := make(map[uint64]bool, n)
	count := 0
	done, err := Visit(dat, func(key, value []byte) bool {
		count++
		k := binary.LittleEndian.Uint64(key)
		wantVal, ok := want[k]
		if !ok {
			t.Fatalf("visit produced key %x that was never inserted", k)
		}
		if !bytes.Equal(value, wantVal) {
			t.Fatalf("key %x: value mismatch", k)
		}
		if seen[k] {
			t.Fatalf("key %x visited twice", k)
		}
		seen[k] = true
		return true
	})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if !done {
		t.Fatal("expected Visit to reach end of file")
	}
	if count != n {
		t.Fatalf("expected %d callbacks, got %d", n, count)
	}
}

// TestVisitStopsEarlyWhenCallbackReturnsFalse checks the early-exit
// contract independent from end-of-file completion.
func TestVisitStopsEarlyWhenCallbackReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	dat, key, log := mustCreate(t, dir, 4, 256, 0.5)

	s, err := Open(dat, key, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		var k [4]byte
		binary.LittleEndian.PutUint32(k[:], uint32(i))
		if err := s.Insert(context.Background(), k[:], []byte{byte(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var count int
	done, err := Visit(dat, func(key, value []byte) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if done {
		t.Fatal("expected Visit to report early termination")
	}
	if count != 3 {
		t.Fatalf("expected exactly 3 callbacks before stopping, got %d", count)
	}
}
