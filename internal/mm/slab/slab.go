// Package slab implements the per-type slab/object allocator: one
// ObjectInfo per object type owns a partial-slab list, a
// full-slab list, and one cached empty slab, handing out fixed-size
// buffers carved from whole pages.
//
// Grounded on original_source/CoreX/Memory/KObjectManager.cpp's
// partial/full/cache slab bookkeeping and constructor/destructor
// invocation on buffer (de)allocation.
package slab

import (
	"corex/internal/arch/ia32"
	"corex/internal/kernerr"
	"corex/internal/mm/paging"
	"sync"
	"unsafe"
)

// Constructor and Destructor run once per buffer, at slab-fill time and
// slab-teardown time respectively.
type Constructor func(buf []byte)
type Destructor func(buf []byte)

// slabHeader sits at the end of each page-sized slab, so the buffer
// region runs from page start to page start + buffersPerSlab*objectSize.
type slabHeader struct {
	owner     *ObjectInfo
	freeCount int
	freeStack []int // indices (in buffer units) of free buffers, LIFO
	page      uintptr
	backing   []byte // simulated page contents; see bufferAt

	next, prev *slabHeader
}

// ObjectInfo manages every slab backing one object type.
type ObjectInfo struct {
	mu sync.Mutex

	Name       string
	ObjectSize int

	buffersPerSlab int

	partial *slabHeader
	full    *slabHeader
	cached  *slabHeader // one empty slab kept warm

	construct Constructor
	destruct  Destructor

	frames paging.FrameSource

	// statistics
	totalSlabs    int
	activeBuffers int
}

// New creates an ObjectInfo for fixed-size objects of objectSize bytes,
// packing as many as fit in one page (minus the trailing header).
func New(name string, objectSize int, frames paging.FrameSource, construct Constructor, destruct Destructor) *ObjectInfo {
	headerOverhead := 64 // conservative estimate for slabHeader's resident footprint when reified into the page tail
	usable := paging.PageSize - headerOverhead
	buffersPerSlab := usable / objectSize
	if buffersPerSlab < 1 {
		buffersPerSlab = 1
	}
	return &ObjectInfo{
		Name:           name,
		ObjectSize:     objectSize,
		buffersPerSlab: buffersPerSlab,
		frames:         frames,
		construct:      construct,
		destruct:       destruct,
	}
}

func listRemove(head **slabHeader, s *slabHeader) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}

func listPush(head **slabHeader, s *slabHeader) {
	s.next = *head
	s.prev = nil
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

// bufferAt returns the backing storage for buffer index i within a
// slab's page, modelled as a Go byte slice over the (simulated) page.
func (s *slabHeader) bufferAt(objectSize, i int) []byte {
	return s.backing[i*objectSize : (i+1)*objectSize]
}

// fillSlab allocates a fresh page, lays out buffersPerSlab buffers,
// constructs each, and pushes every buffer index onto the free stack:
// allocate a new page, lay out buffers end-to-start (header at end),
// run the constructor on each, push each onto the LIFO free stack.
func (o *ObjectInfo) fillSlab() (*slabHeader, error) {
	pa, err := o.frames.AllocatePage()
	if err != nil {
		return nil, err
	}
	s := &slabHeader{
		owner:     o,
		page:      pa,
		backing:   make([]byte, o.buffersPerSlab*o.ObjectSize),
		freeStack: make([]int, 0, o.buffersPerSlab),
	}
	for i := o.buffersPerSlab - 1; i >= 0; i-- {
		buf := s.bufferAt(o.ObjectSize, i)
		if o.construct != nil {
			o.construct(buf)
		}
		s.freeStack = append(s.freeStack, i)
	}
	s.freeCount = o.buffersPerSlab
	o.totalSlabs++
	return s, nil
}

// Allocate hands out one buffer: first from a partial slab, else the
// cached empty slab, else a fresh page. Interrupts are disabled across
// the critical section.
func (o *ObjectInfo) Allocate() ([]byte, error) {
	ia32.DisableInterrupts()
	defer ia32.EnableInterrupts()
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.partial
	if s == nil {
		if o.cached != nil {
			s = o.cached
			o.cached = nil
			listPush(&o.partial, s)
		} else {
			fresh, err := o.fillSlab()
			if err != nil {
				return nil, err
			}
			s = fresh
			listPush(&o.partial, s)
		}
	}

	idx := s.freeStack[len(s.freeStack)-1]
	s.freeStack = s.freeStack[:len(s.freeStack)-1]
	s.freeCount--
	o.activeBuffers++

	if s.freeCount == 0 {
		listRemove(&o.partial, s)
		listPush(&o.full, s)
	}

	return s.bufferAt(o.ObjectSize, idx), nil
}

// ownerSlabAndIndex derives the slab header and buffer index from a
// pointer: "mask to page boundary, add page-size -
// header size". Modelled here by matching against backing slices since
// this package does not run with real hardware page boundaries.
func (o *ObjectInfo) ownerSlabAndIndex(buf []byte, list *slabHeader) (*slabHeader, int, bool) {
	for s := list; s != nil; s = s.next {
		base := &s.backing[0]
		bufBase := &buf[0]
		offset := int(uintptr_sub(bufBase, base))
		if offset >= 0 && offset < len(s.backing) && offset%o.ObjectSize == 0 {
			return s, offset / o.ObjectSize, true
		}
	}
	return nil, 0, false
}

// Free returns a previously allocated buffer to its slab, including
// empty-slab caching and destruction of a superseded cache. Interrupts
// are disabled across the critical section.
func (o *ObjectInfo) Free(buf []byte) error {
	ia32.DisableInterrupts()
	defer ia32.EnableInterrupts()
	o.mu.Lock()
	defer o.mu.Unlock()

	s, idx, ok := o.ownerSlabAndIndex(buf, o.partial)
	wasFull := false
	if !ok {
		s, idx, ok = o.ownerSlabAndIndex(buf, o.full)
		wasFull = ok
	}
	if !ok {
		return kernerr.ErrUsed
	}

	s.freeStack = append(s.freeStack, idx)
	s.freeCount++
	o.activeBuffers--

	if wasFull {
		listRemove(&o.full, s)
		listPush(&o.partial, s)
	}

	if s.freeCount == o.buffersPerSlab {
		listRemove(&o.partial, s)
		if o.cached != nil {
			o.destroySlab(o.cached)
		}
		o.cached = s
	}

	return nil
}

// destroySlab runs every buffer's destructor, frees the underlying
// page, and drops the slab; called when a cached empty slab is
// superseded by a newer one.
func (o *ObjectInfo) destroySlab(s *slabHeader) {
	if o.destruct != nil {
		for i := 0; i < o.buffersPerSlab; i++ {
			o.destruct(s.bufferAt(o.ObjectSize, i))
		}
	}
	_ = o.frames.FreePage(s.page)
	o.totalSlabs--
}

// Stats reports the totals's ObjectInfo tracks.
func (o *ObjectInfo) Stats() (totalSlabs, activeBuffers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalSlabs, o.activeBuffers
}

func uintptr_sub(a, b *byte) int64 {
	return int64(uintptr(unsafe.Pointer(a))) - int64(uintptr(unsafe.Pointer(b)))
}
