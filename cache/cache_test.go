package cache

import "testing"

func TestInsertAndFind(t *testing.T) {
	c := New("t")
	c.Insert(5, []byte("hello"))
	body, ok := c.Find(5)
	if !ok || string(body) != "hello" {
		t.Fatalf("got %q, %v", body, ok)
	}
	if _, ok := c.Find(6); ok {
		t.Fatal("did not expect to find index 6")
	}
}

func TestInsertOverwritesPriorBody(t *testing.T) {
	c := New("t")
	c.Insert(0, []byte("aaa"))
	c.Insert(0, []byte("bb"))
	body, _ := c.Find(0)
	if string(body) != "bb" {
		t.Fatalf("expected overwrite to stick, got %q", body)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one resident index, got %d", c.Len())
	}
}

func TestIterateIsAscendingByIndex(t *testing.T) {
	c := New("t")
	c.Insert(9, []byte("i"))
	c.Insert(1, []byte("a"))
	c.Insert(4, []byte("b"))

	var seen []uint64
	c.Iterate(func(n uint64, body []byte) bool {
		seen = append(seen, n)
		return true
	})
	want := []uint64{1, 4, 9}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("got %v want %v", seen, want)
		}
	}
}

func TestIterateStopsEarly(t *testing.T) {
	c := New("t")
	c.Insert(0, []byte("a"))
	c.Insert(1, []byte("b"))
	c.Insert(2, []byte("c"))

	count := 0
	c.Iterate(func(n uint64, body []byte) bool {
		count++
		return n != 1
	})
	if count != 2 {
		t.Fatalf("expected iteration to stop after index 1, ran %d times", count)
	}
}

func TestClearResetsCache(t *testing.T) {
	c := New("t")
	c.Insert(0, []byte("a"))
	c.Insert(3, []byte("b"))
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Clear, got len=%d", c.Len())
	}
	if _, ok := c.Find(0); ok {
		t.Fatal("expected Find to miss after Clear")
	}
	var count int
	c.Iterate(func(uint64, []byte) bool { count++; return true })
	if count != 0 {
		t.Fatalf("expected no iteration after Clear, got %d", count)
	}
}

func TestCreateInsertsEmptyBody(t *testing.T) {
	c := New("t")
	c.Create(2, []byte{})
	body, ok := c.Find(2)
	if !ok {
		t.Fatal("expected Create to make index 2 resident")
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(body))
	}
}
