package buddy

import (
	"corex/internal/kernerr"
	"testing"
)

func TestNewRoundsDownToPowerOfTwo(t *testing.T) {
	cases := []struct {
		total    uint64
		wantHigh uint8
	}{
		{total: 1, wantHigh: 0},
		{total: 8, wantHigh: 3},
		{total: 15, wantHigh: 3},
		{total: 1024, wantHigh: 10},
	}
	for _, c := range cases {
		a := New(c.total)
		if a.HighestOrder() != c.wantHigh {
			t.Fatalf("New(%d): highest order = %d, want %d", c.total, a.HighestOrder(), c.wantHigh)
		}
		if a.FreeUnits() != unitsForOrder(c.wantHigh) {
			t.Fatalf("New(%d): free units = %d, want %d", c.total, a.FreeUnits(), unitsForOrder(c.wantHigh))
		}
	}
}

// TestNewSeedsOneTopOrderSuperblock checks invariant 2 directly against
// the descriptor struct: the initial block spans [0, highestOrder] with
// LowerOrder <= UpperOrder, and sits in the triangular list it claims to.
func TestNewSeedsOneTopOrderSuperblock(t *testing.T) {
	a := New(1024) // order 10
	d := a.entries[0]
	if d.lowerOrder > d.upperOrder {
		t.Fatalf("initial descriptor LowerOrder=%d > UpperOrder=%d, violates invariant", d.lowerOrder, d.upperOrder)
	}
	if d.lowerOrder != 0 || d.upperOrder != 10 {
		t.Fatalf("initial descriptor = (%d,%d), want (0,10)", d.lowerOrder, d.upperOrder)
	}
	lower, upper, ok := a.getBuddyList(0)
	if !ok || lower != 0 || upper != 10 {
		t.Fatalf("getBuddyList(0) = (%d,%d,%v), want (0,10,true)", lower, upper, ok)
	}
}

func TestAllocateSplitsAndTracksTotals(t *testing.T) {
	a := New(1024) // order 10
	idx, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2): unexpected error %v", err)
	}
	if a.AllocatedUnits() != unitsForOrder(2) {
		t.Fatalf("allocated units = %d, want %d", a.AllocatedUnits(), unitsForOrder(2))
	}
	if a.FreeUnits() != 1024-unitsForOrder(2) {
		t.Fatalf("free units = %d, want %d", a.FreeUnits(), 1024-unitsForOrder(2))
	}
	d := a.entries[idx]
	if d.lowerOrder != 2 || d.upperOrder != 2 {
		t.Fatalf("allocated block = (%d,%d), want (2,2)", d.lowerOrder, d.upperOrder)
	}
}

func TestFreeMergesBuddiesBackToOriginal(t *testing.T) {
	a := New(16) // order 4
	idx, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate(4): unexpected error %v", err)
	}
	if err := a.Free(idx); err != nil {
		t.Fatalf("Free: unexpected error %v", err)
	}
	if a.FreeUnits() != 16 {
		t.Fatalf("free units after merge = %d, want 16 (fully remerged)", a.FreeUnits())
	}
	if a.AllocatedUnits() != 0 {
		t.Fatalf("allocated units after merge = %d, want 0", a.AllocatedUnits())
	}

	// One top-order free block should exist again.
	lower, upper, ok := a.getBuddyList(0)
	if !ok || lower != 4 || upper != 4 {
		t.Fatalf("getBuddyList(0) = (%d,%d,%v), want (4,4,true)", lower, upper, ok)
	}
}

func TestAllocateManySmallBlocksThenFreeAll(t *testing.T) {
	a := New(64) // order 6, 64 single units at order 0
	var allocated []int
	for i := 0; i < 64; i++ {
		idx, err := a.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate(0) #%d: unexpected error %v", i, err)
		}
		allocated = append(allocated, idx)
	}

	if _, err := a.Allocate(0); err != kernerr.ErrLowMemory {
		t.Fatalf("Allocate(0) on exhausted arena: got %v, want low-memory error", err)
	}

	for _, idx := range allocated {
		if err := a.Free(idx); err != nil {
			t.Fatalf("Free(%d): unexpected error %v", idx, err)
		}
	}
	if a.FreeUnits() != 64 {
		t.Fatalf("free units after freeing all = %d, want 64", a.FreeUnits())
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a := New(8)
	idx, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): unexpected error %v", err)
	}
	if err := a.Free(idx); err != nil {
		t.Fatalf("first Free: unexpected error %v", err)
	}

	// idx is now back on a free list (merged or not); freeing it again
	// without an intervening allocation must be rejected.
	if err := a.Free(idx); err != kernerr.ErrDoubleLinked {
		t.Fatalf("second Free(%d) = %v, want ErrDoubleLinked", idx, err)
	}
}

// TestPromoteGrowsBlockWhenBuddyFree covers: an order-1 block whose
// buddy was never allocated promotes in place to order 2, EXTERNAL,
// without disturbing any other sibling.
func TestPromoteGrowsBlockWhenBuddyFree(t *testing.T) {
	a := New(32) // order 5
	idx, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): unexpected error %v", err)
	}

	newIdx, status, err := a.Promote(idx)
	if err != nil {
		t.Fatalf("Promote: unexpected error %v", err)
	}
	if status != StatusExternal {
		t.Fatalf("Promote status = %v, want StatusExternal", status)
	}
	d := a.entries[newIdx]
	if d.lowerOrder != 2 || d.upperOrder != 2 {
		t.Fatalf("promoted block = (%d,%d), want (2,2)", d.lowerOrder, d.upperOrder)
	}
	if a.AllocatedUnits() != unitsForOrder(2) {
		t.Fatalf("allocated units after promote = %d, want %d", a.AllocatedUnits(), unitsForOrder(2))
	}
}

// TestPromoteFailsInternalWhenBuddyAllocated covers: once both buddies
// of an order-0 pair are allocated, promoting either one must report
// StatusInternal and leave both blocks exactly as they were.
func TestPromoteFailsInternalWhenBuddyAllocated(t *testing.T) {
	a := New(8) // order 3
	idx1, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0) #1: unexpected error %v", err)
	}
	idx2, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0) #2: unexpected error %v", err)
	}
	if getBuddyIndex(idx1, 0) != idx2 {
		t.Fatalf("test setup assumption broken: idx1=%d and idx2=%d are not XOR buddies", idx1, idx2)
	}

	_, status, err := a.Promote(idx1)
	if err != nil {
		t.Fatalf("Promote: unexpected error %v", err)
	}
	if status != StatusInternal {
		t.Fatalf("Promote status = %v, want StatusInternal (buddy still allocated)", status)
	}
	if a.entries[idx1].upperOrder != 0 || a.entries[idx2].upperOrder != 0 {
		t.Fatalf("Promote must not mutate either block on INTERNAL failure")
	}
}

func TestPromoteRejectsFreeBlock(t *testing.T) {
	a := New(8)
	idx, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0): unexpected error %v", err)
	}
	if err := a.Free(idx); err != nil {
		t.Fatalf("Free: unexpected error %v", err)
	}
	if _, _, err := a.Promote(idx); err != kernerr.ErrNotAllocated {
		t.Fatalf("Promote on a free block = %v, want ErrNotAllocated", err)
	}
}
