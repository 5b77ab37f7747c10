package paging

import "testing"

// bumpFrames is a trivial FrameSource for tests: hands out sequential
// 4 KiB physical frames and never fails.
type bumpFrames struct {
	next uintptr
}

func (b *bumpFrames) AllocatePage() (uintptr, error) {
	pa := b.next
	b.next += PageSize
	return pa, nil
}

func (b *bumpFrames) FreePage(pa uintptr) error { return nil }

func TestMapAndLookupSinglePage(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	va := uintptr(0x400000)
	if err := as.Map(va, 0x200000, Present|Write, 0); err != nil {
		t.Fatalf("Map: unexpected error %v", err)
	}
	pa, huge, ok := as.Lookup(va)
	if !ok || huge || pa != 0x200000 {
		t.Fatalf("Lookup(%x) = (%x, huge=%v, ok=%v), want (0x200000, false, true)", va, pa, huge, ok)
	}
}

func TestUseAllNoOpOnEmptyRange(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	if err := as.UseAll(0x400000, 0x400000, Present|Write, 0); err != nil {
		t.Fatalf("UseAll(base, base): unexpected error %v", err)
	}
	if _, _, ok := as.Lookup(0x400000); ok {
		t.Fatalf("UseAll(base, base) should not have mapped anything")
	}
}

func TestUseAllOnePageRange(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	base := uintptr(0x400000)
	if err := as.UseAll(base, base+PageSize, Present|Write, 0); err != nil {
		t.Fatalf("UseAll: unexpected error %v", err)
	}
	if _, _, ok := as.Lookup(base); !ok {
		t.Fatalf("UseAll(base, base+4K) should map exactly one frame at base")
	}
	if _, _, ok := as.Lookup(base + PageSize); ok {
		t.Fatalf("UseAll(base, base+4K) should not map past the requested range")
	}
}

func TestUseAllSplitsHugeMiddleAndSmallResiduals(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	base := uintptr(0x600000 - PageSize)      // unaligned low residual of one 4K page
	limit := uintptr(0x600000 + HugePageSize + PageSize) // aligned middle plus one residual page

	if err := as.UseAll(base, limit, Present|Write, 0); err != nil {
		t.Fatalf("UseAll: unexpected error %v", err)
	}

	// Low residual page.
	if _, huge, ok := as.Lookup(base); !ok || huge {
		t.Fatalf("low residual page at %x not mapped as a small page", base)
	}
	// Huge middle.
	hugeStart := alignUp(base, HugePageSize)
	if _, huge, ok := as.Lookup(hugeStart); !ok || !huge {
		t.Fatalf("huge middle at %x not mapped as a 2M page", hugeStart)
	}
	// High residual.
	hugeEnd := alignDown(limit, HugePageSize)
	if hugeEnd < limit {
		if _, huge, ok := as.Lookup(hugeEnd); !ok || huge {
			t.Fatalf("high residual page at %x not mapped as a small page", hugeEnd)
		}
	}
}

func TestDisposeAllClearsButDoesNotFreeFrames(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	base := uintptr(0x400000)
	limit := base + 4*PageSize
	if err := as.MapAll(base, 0x200000, limit-base, Present|Write, 0); err != nil {
		t.Fatalf("MapAll: unexpected error %v", err)
	}
	as.DisposeAll(base, limit)
	for va := base; va < limit; va += PageSize {
		if _, _, ok := as.Lookup(va); ok {
			t.Fatalf("Lookup(%x) still mapped after DisposeAll", va)
		}
	}
}

func TestMapOverExistingOverwritesWithoutFreeing(t *testing.T) {
	as := NewAddressSpace(&bumpFrames{next: 0x100000})
	va := uintptr(0x400000)
	if err := as.Map(va, 0x200000, Present|Write, 0); err != nil {
		t.Fatalf("first Map: unexpected error %v", err)
	}
	if err := as.Map(va, 0x300000, Present|Write, 0); err != nil {
		t.Fatalf("second Map: unexpected error %v", err)
	}
	pa, _, ok := as.Lookup(va)
	if !ok || pa != 0x300000 {
		t.Fatalf("Lookup after overwrite = (%x, ok=%v), want 0x300000", pa, ok)
	}
}
