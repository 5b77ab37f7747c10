package heap

import (
	"corex/internal/mm/paging"
	"testing"
	"unsafe"
)

type bumpFrames struct {
	next  uintptr
	freed []uintptr
}

func (b *bumpFrames) AllocatePage() (uintptr, error) {
	pa := b.next
	b.next += paging.PageSize
	return pa, nil
}

func (b *bumpFrames) FreePage(pa uintptr) error {
	b.freed = append(b.freed, pa)
	return nil
}

// bumpPages is a PageAllocator fake: AllocateOrder/FreeOrder bump-allocate
// like bumpFrames, and GrowOrder can be scripted to simulate a successful
// in-place buddy promotion (optionally relocating the base, the way a
// merge with a lower-addressed buddy would).
type bumpPages struct {
	next      uintptr
	freedAt   []uintptr
	growTo    uintptr // non-zero: GrowOrder succeeds and returns this address
	growMoves bool
}

func (b *bumpPages) AllocateOrder(order uint8) (uintptr, error) {
	pa := b.next
	b.next += paging.PageSize << order
	return pa, nil
}

func (b *bumpPages) FreeOrder(pa uintptr, order uint8) error {
	b.freedAt = append(b.freedAt, pa)
	return nil
}

func (b *bumpPages) GrowOrder(pa uintptr, order uint8) (uintptr, bool, error) {
	if b.growTo == 0 {
		return 0, false, nil
	}
	if b.growMoves {
		return b.growTo, true, nil
	}
	return pa, true, nil
}

func TestKmallocPicksSmallestFittingClass(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})

	// boundary behaviour: a 20-byte request (20+12 header =
	// 32) picks the 32-byte class.
	ptr, err := h.Kmalloc(20, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	hdr := headerOf(ptr)
	if hdr.BlockOrder != 0 {
		t.Fatalf("BlockOrder = %d, want 0 (32-byte class)", hdr.BlockOrder)
	}
}

func TestKmallocKfreeRoundTrip(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})
	ptr, err := h.Kmalloc(100, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	if err := h.Kfree(ptr, false); err != nil {
		t.Fatalf("Kfree: unexpected error %v", err)
	}
}

func TestKfreeRejectsBadMagic(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})
	var garbage [64]byte
	ptr := unsafe.Pointer(&garbage[headerSize])
	if err := h.Kfree(ptr, false); err == nil {
		t.Fatalf("expected an error freeing a block with a corrupted magic")
	}
}

func TestKuseDefersRelease(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})
	ptr, err := h.Kmalloc(50, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	if err := h.Kuse(ptr); err != nil {
		t.Fatalf("Kuse: unexpected error %v", err)
	}

	// refCount is now 2; a non-forced free should only decrement.
	if err := h.Kfree(ptr, false); err != nil {
		t.Fatalf("first Kfree: unexpected error %v", err)
	}
	hdr := headerOf(ptr)
	if hdr.Magic != blockMagic {
		t.Fatalf("block released after first Kfree despite refCount > 1")
	}
	if hdr.RefCount != 1 {
		t.Fatalf("RefCount = %d, want 1", hdr.RefCount)
	}

	if err := h.Kfree(ptr, false); err != nil {
		t.Fatalf("second Kfree: unexpected error %v", err)
	}
	if hdr.Magic == blockMagic {
		t.Fatalf("block should be released once refCount reaches zero")
	}
}

func TestKrallocGrowsAndCopiesWithoutLeakingOldBlock(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})
	ptr, err := h.Kmalloc(10, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	buf := unsafe.Slice((*byte)(ptr), 10)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown, err := h.Kralloc(ptr, 100)
	if err != nil {
		t.Fatalf("Kralloc: unexpected error %v", err)
	}
	grownBuf := unsafe.Slice((*byte)(grown), 10)
	for i := range grownBuf {
		if grownBuf[i] != byte(i+1) {
			t.Fatalf("Kralloc did not copy payload: byte %d = %d, want %d", i, grownBuf[i], i+1)
		}
	}

	// The old header must now be invalidated (freed), not leaked.
	oldHdr := headerOf(ptr)
	if oldHdr.Magic == blockMagic && unsafe.Pointer(oldHdr) != unsafe.Pointer(headerOf(grown)) {
		t.Fatalf("Kralloc left the old block's magic intact: leaked the old allocation")
	}
}

func TestKmallocLargeRequestUsesPageAllocator(t *testing.T) {
	pages := &bumpPages{next: 0x400000}
	h := New(&bumpFrames{next: 0x200000}, pages)

	ptr, err := h.Kmalloc(2000, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	hdr := headerOf(ptr)
	if !isPageBacked(hdr.BlockOrder) {
		t.Fatalf("BlockOrder = %d, want a page-backed order", hdr.BlockOrder)
	}
	if pages.next == 0x400000 {
		t.Fatalf("Kmalloc did not draw from the PageAllocator")
	}

	if err := h.Kfree(ptr, false); err != nil {
		t.Fatalf("Kfree: unexpected error %v", err)
	}
	if len(pages.freedAt) != 1 {
		t.Fatalf("Kfree of a page-backed block did not route through PageAllocator.FreeOrder")
	}
}

// TestKrallocGrowsPageBackedBlockInPlace covers Kralloc's buddy.Promote
// fast path: when GrowOrder reports success at the same base address,
// the block grows without any payload copy or reallocation.
func TestKrallocGrowsPageBackedBlockInPlace(t *testing.T) {
	pages := &bumpPages{next: 0x400000}
	h := New(&bumpFrames{next: 0x200000}, pages)

	ptr, err := h.Kmalloc(2000, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	hdr := headerOf(ptr)
	origOrder := hdr.BlockOrder
	buf := unsafe.Slice((*byte)(ptr), 2000-headerSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	pages.growTo = uintptr(unsafe.Pointer(hdr)) // same address: in-place grow
	grown, err := h.Kralloc(ptr, 6000)
	if err != nil {
		t.Fatalf("Kralloc: unexpected error %v", err)
	}
	if grown != ptr {
		t.Fatalf("in-place GrowOrder success should keep the same payload pointer")
	}
	newHdr := headerOf(grown)
	if newHdr.BlockOrder != origOrder+1 {
		t.Fatalf("BlockOrder after grow = %d, want %d", newHdr.BlockOrder, origOrder+1)
	}
	grownBuf := unsafe.Slice((*byte)(grown), 2000-headerSize)
	for i := range grownBuf {
		if grownBuf[i] != byte(i) {
			t.Fatalf("in-place grow corrupted payload at byte %d", i)
		}
	}
}

// TestKrallocGrowsPageBackedBlockAcrossRelocation covers the case where
// Promote's merge lands at a lower-addressed buddy: the payload must be
// relocated before the new header is written.
func TestKrallocGrowsPageBackedBlockAcrossRelocation(t *testing.T) {
	pages := &bumpPages{next: 0x400000}
	h := New(&bumpFrames{next: 0x200000}, pages)

	ptr, err := h.Kmalloc(2000, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	hdr := headerOf(ptr)
	buf := unsafe.Slice((*byte)(ptr), 2000-headerSize)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	pages.growTo = uintptr(unsafe.Pointer(hdr)) - paging.PageSize*2
	pages.growMoves = true
	grown, err := h.Kralloc(ptr, 6000)
	if err != nil {
		t.Fatalf("Kralloc: unexpected error %v", err)
	}
	if uintptr(grown) == uintptr(ptr) {
		t.Fatalf("expected the payload to relocate to the new base")
	}
	grownBuf := unsafe.Slice((*byte)(grown), 2000-headerSize)
	for i := range grownBuf {
		if grownBuf[i] != byte(i+1) {
			t.Fatalf("relocated grow did not preserve payload at byte %d", i)
		}
	}
}

func TestKrcallocZeroFillsGrownTail(t *testing.T) {
	h := New(&bumpFrames{next: 0x200000}, &bumpPages{next: 0x400000})
	ptr, err := h.Kmalloc(10, 1)
	if err != nil {
		t.Fatalf("Kmalloc: unexpected error %v", err)
	}
	buf := unsafe.Slice((*byte)(ptr), 10)
	for i := range buf {
		buf[i] = 0xFF
	}

	grown, err := h.Krcalloc(ptr, 40)
	if err != nil {
		t.Fatalf("Krcalloc: unexpected error %v", err)
	}
	grownBuf := unsafe.Slice((*byte)(grown), 40)
	for i := 10; i < 40; i++ {
		if grownBuf[i] != 0 {
			t.Fatalf("Krcalloc byte %d = %d, want 0 in grown tail", i, grownBuf[i])
		}
	}
}
