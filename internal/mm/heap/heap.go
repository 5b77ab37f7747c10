// Package heap implements the general kernel heap: six
// slab-backed size classes for small requests, falling through to
// direct page allocation for anything larger than 1024 bytes.
//
// Grounded on mazarin/heap.go's refcounted-block-with-magic design,
// generalised from its single free-list to six size classes backed by
// internal/mm/slab, with large requests routed to
// internal/mm/paging the way mazarin/page.go hands out whole pages.
package heap

import (
	"corex/internal/kernerr"
	"corex/internal/mm/paging"
	"corex/internal/mm/slab"
	"unsafe"
)

const blockMagic uint32 = 0xB10C0DE

// BlockContainer is the 12-byte header preceding every heap allocation;
// its BlockOrder identifies the size class (or, for page-backed
// allocations, PageOrder+PageShift).
type BlockContainer struct {
	Magic      uint32
	BlockOrder uint8
	_          uint8
	RefCount   uint16
	_          uint32
}

const headerSize = int(unsafe.Sizeof(BlockContainer{}))

// sizeClasses are the six slab-backed classes
var sizeClasses = [6]int{32, 64, 128, 256, 512, 1024}

const pageShift = paging.PageShift

// PageAllocator backs large (> 1024-byte) heap requests with
// contiguous multi-page blocks, letting Kralloc grow a block in place
// via buddy promotion instead of always allocating fresh and copying.
// Implemented by internal/mm/zone's PhysAddressable.
type PageAllocator interface {
	AllocateOrder(order uint8) (uintptr, error)
	FreeOrder(pa uintptr, order uint8) error
	GrowOrder(pa uintptr, order uint8) (newPA uintptr, grown bool, err error)
}

// Heap owns the six size-class slabs and the page source for large
// requests.
type Heap struct {
	classes [6]*slab.ObjectInfo
	frames  paging.FrameSource
	pages   PageAllocator
}

// New constructs a Heap; frames backs the size-class slabs (via
// internal/mm/slab), and pages backs large direct multi-page
// allocations, including Kralloc's grow-in-place path.
func New(frames paging.FrameSource, pages PageAllocator) *Heap {
	h := &Heap{frames: frames, pages: pages}
	for i, size := range sizeClasses {
		i, size := i, size
		h.classes[i] = slab.New("heap-class", size, frames, nil, nil)
	}
	return h
}

// classFor returns the size-class index covering a total (header +
// payload) byte count, or -1 if it exceeds the largest class.
func classFor(total int) int {
	for i, size := range sizeClasses {
		if total <= size {
			return i
		}
	}
	return -1
}

func headerOf(ptr unsafe.Pointer) *BlockContainer {
	return (*BlockContainer)(unsafe.Pointer(uintptr(ptr) - uintptr(headerSize)))
}

func payloadOf(blockBase unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(blockBase) + uintptr(headerSize))
}

// Kmalloc allocates size bytes (plus the header), picking the smallest
// size class that fits, or falling back to direct page allocation for
// requests over 1024 bytes. initialUsers seeds RefCount.
func (h *Heap) Kmalloc(size int, initialUsers uint16) (unsafe.Pointer, error) {
	if initialUsers == 0 {
		initialUsers = 1
	}
	total := size + headerSize

	if idx := classFor(total); idx >= 0 {
		buf, err := h.classes[idx].Allocate()
		if err != nil {
			return nil, err
		}
		hdr := (*BlockContainer)(unsafe.Pointer(&buf[0]))
		hdr.Magic = blockMagic
		hdr.BlockOrder = uint8(idx)
		hdr.RefCount = initialUsers
		return payloadOf(unsafe.Pointer(&buf[0])), nil
	}

	// Large request: round up to a power-of-two page count.
	pageOrder := uint8(0)
	needed := uint64(total)
	pages := uint64(1)
	for pages*paging.PageSize < needed {
		pages <<= 1
		pageOrder++
	}
	pa, err := h.pages.AllocateOrder(pageOrder)
	if err != nil {
		return nil, err
	}
	base := unsafe.Pointer(pa)
	hdr := (*BlockContainer)(base)
	hdr.Magic = blockMagic
	hdr.BlockOrder = pageOrder + pageShift
	hdr.RefCount = initialUsers
	return payloadOf(base), nil
}

// Kuse increments a block's reference count.
func (h *Heap) Kuse(ptr unsafe.Pointer) error {
	hdr := headerOf(ptr)
	if hdr.Magic != blockMagic {
		return kernerr.ErrBadHeapMagic
	}
	hdr.RefCount++
	return nil
}

// isPageBacked reports whether a block's BlockOrder names a page order
// (>= pageShift) rather than a size-class index (< len(sizeClasses)).
func isPageBacked(order uint8) bool { return order >= pageShift }

// Kfree decrements the block's reference count; releases the backing
// storage once it reaches zero, or immediately when force is true.
// Rejects blocks whose magic does not match.
func (h *Heap) Kfree(ptr unsafe.Pointer, force bool) error {
	hdr := headerOf(ptr)
	if hdr.Magic != blockMagic {
		return kernerr.ErrBadHeapMagic
	}

	if !force && hdr.RefCount > 1 {
		hdr.RefCount--
		return nil
	}

	if isPageBacked(hdr.BlockOrder) {
		pa := uintptr(unsafe.Pointer(hdr))
		order := hdr.BlockOrder - pageShift
		hdr.Magic = 0
		return h.pages.FreeOrder(pa, order)
	}

	idx := int(hdr.BlockOrder)
	hdr.Magic = 0
	base := unsafe.Pointer(hdr)
	size := sizeClasses[idx]
	buf := unsafe.Slice((*byte)(base), size)
	return h.classes[idx].Free(buf)
}

// blockPayloadSize returns the usable payload size (excluding header)
// of an existing block.
func (h *Heap) blockPayloadSize(hdr *BlockContainer) int {
	if isPageBacked(hdr.BlockOrder) {
		pages := uint64(1) << (hdr.BlockOrder - pageShift)
		return int(pages*paging.PageSize) - headerSize
	}
	return sizeClasses[hdr.BlockOrder] - headerSize
}

// Kralloc resizes a block to newSize. When the new size still fits the
// existing class/page allocation the pointer is returned unchanged;
// otherwise a page-backed block first tries to grow in place through
// GrowOrder, and failing that a fresh block is allocated, the old
// payload copied over, and the old block is freed (the original's leak-the-old-block
// behaviour is not reproduced).
func (h *Heap) Kralloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	hdr := headerOf(ptr)
	if hdr.Magic != blockMagic {
		return nil, kernerr.ErrBadHeapMagic
	}

	current := h.blockPayloadSize(hdr)
	if newSize <= current {
		return ptr, nil
	}

	if isPageBacked(hdr.BlockOrder) {
		order := hdr.BlockOrder - pageShift
		pa := uintptr(unsafe.Pointer(hdr))
		newPA, grown, err := h.pages.GrowOrder(pa, order)
		if err != nil {
			return nil, err
		}
		grownPages := uint64(1) << (order + 1)
		if grown && int(grownPages*paging.PageSize)-headerSize >= newSize {
			// Promote may merge with a lower-addressed buddy, moving the
			// block's base: relocate the existing payload before writing
			// the new header rather than assuming newPA == pa.
			if newPA != pa {
				oldBuf := unsafe.Slice((*byte)(unsafe.Pointer(pa)), headerSize+current)
				newBuf := unsafe.Slice((*byte)(unsafe.Pointer(newPA)), headerSize+current)
				copy(newBuf, oldBuf)
			}
			newHdr := (*BlockContainer)(unsafe.Pointer(newPA))
			newHdr.Magic = blockMagic
			newHdr.BlockOrder = order + 1 + pageShift
			newHdr.RefCount = hdr.RefCount
			return payloadOf(unsafe.Pointer(newPA)), nil
		}
	}

	refCount := hdr.RefCount
	newPtr, err := h.Kmalloc(newSize, refCount)
	if err != nil {
		return nil, err
	}

	oldBuf := unsafe.Slice((*byte)(ptr), current)
	newBuf := unsafe.Slice((*byte)(newPtr), newSize)
	copy(newBuf, oldBuf)

	if err := h.Kfree(ptr, true); err != nil {
		return nil, err
	}
	return newPtr, nil
}

// Krcalloc behaves like Kralloc but zero-fills the grown tail.
func (h *Heap) Krcalloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	hdr := headerOf(ptr)
	if hdr.Magic != blockMagic {
		return nil, kernerr.ErrBadHeapMagic
	}
	oldSize := h.blockPayloadSize(hdr)

	newPtr, err := h.Kralloc(ptr, newSize)
	if err != nil {
		return nil, err
	}
	if newSize > oldSize {
		tail := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(newPtr)+uintptr(oldSize))), newSize-oldSize)
		for i := range tail {
			tail[i] = 0
		}
	}
	return newPtr, nil
}
