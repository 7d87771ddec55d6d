package arena

import "testing"

func TestAllocZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero-byte allocation")
		}
	}()
	New("t").Alloc(0)
}

func TestAllocWritableAndDistinct(t *testing.T) {
	a := New("t")
	p1 := a.Alloc(10)
	p2 := a.Alloc(10)
	for i := range p1 {
		p1[i] = 0xAA
	}
	for i := range p2 {
		p2[i] = 0xBB
	}
	for _, b := range p1 {
		if b != 0xAA {
			t.Fatalf("p1 corrupted: %v", p1)
		}
	}
	for _, b := range p2 {
		if b != 0xBB {
			t.Fatalf("p2 corrupted: %v", p2)
		}
	}
}

func TestAllocAlignment(t *testing.T) {
	a := New("t")
	a.Alloc(1)
	p := a.Alloc(3)
	// Can't check pointer alignment portably without unsafe, but the
	// rounded-up size accounting should mean Used() is a multiple of 8.
	if a.Used()%8 != 0 {
		t.Fatalf("Used() not 8-byte aligned: %d", a.Used())
	}
	if len(p) != 3 {
		t.Fatalf("Alloc returned wrong length: %d", len(p))
	}
}

func TestClearReusesBlocks(t *testing.T) {
	a := New("t")
	a.blockSize = 64
	for i := 0; i < 4; i++ {
		a.Alloc(32)
	}
	if a.head == nil {
		t.Fatal("expected at least one used block")
	}
	usedBefore := 0
	for b := a.head; b != nil; b = b.next {
		usedBefore++
	}
	a.Clear()
	if a.head != nil {
		t.Fatal("Clear did not empty used list")
	}
	freeCount := 0
	for b := a.free; b != nil; b = b.next {
		freeCount++
	}
	if freeCount != usedBefore {
		t.Fatalf("expected %d free blocks, got %d", usedBefore, freeCount)
	}
	// Reallocating should reuse the free list, not grow it further.
	a.Alloc(32)
	freeCount2 := 0
	for b := a.free; b != nil; b = b.next {
		freeCount2++
	}
	if freeCount2 != freeCount-1 {
		t.Fatalf("expected free list to shrink by one, got %d -> %d", freeCount, freeCount2)
	}
}

func TestShrinkToFitReleasesFreeBlocks(t *testing.T) {
	a := New("t")
	a.Alloc(8)
	a.Clear()
	if a.free == nil {
		t.Fatal("expected a free block after Clear")
	}
	a.ShrinkToFit()
	if a.free != nil {
		t.Fatal("ShrinkToFit did not release free blocks")
	}
}

func TestPeriodicActivityAdaptsBlockSize(t *testing.T) {
	a := New("t")
	initial := a.blockSize
	a.when = a.when.Add(-2 * 1_000_000_000) // force elapsed >= 1s in the past
	a.nused = initial * 5                   // over ~2s: rate ~2.5x blockSize per second
	a.Alloc(8)
	a.nused = initial * 5
	a.PeriodicActivity()
	if a.blockSize <= initial {
		t.Fatalf("expected block size to grow, got %d (was %d)", a.blockSize, initial)
	}
}
