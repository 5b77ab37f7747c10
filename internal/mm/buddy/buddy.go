// Package buddy implements the order-indexed buddy-block allocator that
// backs each zone's frame pool. It manages a flat arena of
// fixed-size units addressed by power-of-two order, using a triangular
// (LowerOrder, UpperOrder) free-list table and a two-level bitmap to
// find a suitable free superblock in O(1) without scanning every order.
//
// Grounded on original_source/CoreX/Memory/BuddyAllocator.cpp
// (getBuddyBlock's XOR buddy-index math, addBuddyBlock/removeBuddyBlock's
// bitmap-guarded free lists, splitSuperBlock's one-step lower/carved/upper
// carve, mergeSuperBlock's same-LowerOrder merge, and exchangeBlock's
// in-place promotion).
package buddy

import (
	"corex/internal/kernerr"
	"sync"
)

// BlockType tags what a block is currently being used for, mirroring the
// original's BD_TAG values.
type BlockType uint8

const (
	TagFree BlockType = iota
	TagKernel
	TagUser
	TagCache
)

// descriptor is one entry of the flat descriptor arena, one per
// minimum-order unit's worth of address space. A descriptor with
// LowerOrder == UpperOrder is a plain single-order block; LowerOrder <
// UpperOrder marks a superblock, a maximal free run that splitSuperBlock
// can carve in a single call, peeling off one sibling per order.
type descriptor struct {
	lowerOrder uint8
	upperOrder uint8

	free   bool
	linked bool
	tag    BlockType

	// next/prev are descriptor indices (not pointers)'s
	// guidance to express cyclic intrusive lists as arena indices; -1
	// terminates the list.
	next int32
	prev int32
}

// Allocator manages one contiguous arena of 2^highestOrder units,
// used by a single zone's preference-ring member (internal/mm/zone).
type Allocator struct {
	mu sync.Mutex

	entries      []descriptor
	highestOrder uint8

	// freeListHeads is the triangular (LowerOrder, UpperOrder) free-list
	// table, size (H+1)(H+2)/2, indexed via triIndex. freeListHeads[i]
	// holds the descriptor index heading that pair's free list, or -1.
	freeListHeads []int32

	// upperVector has bit U set iff some (L,U) list is non-empty for any
	// L <= U. byUpper[U] has bit L set iff the (L,U) list specifically is
	// non-empty. Together they let getBuddyList find a usable superblock
	// in two bitmap scans instead of walking the triangular table.
	upperVector uint64
	byUpper     []uint64

	freeUnits      uint64
	allocatedUnits uint64
}

func unitsForOrder(order uint8) uint64 { return uint64(1) << order }

// triIndex maps a (lower, upper) pair (0 <= lower <= upper <= highestOrder)
// onto its slot in the flat triangular free-list table.
func triIndex(highestOrder, lower, upper uint8) int {
	h, l, u := int(highestOrder), int(lower), int(upper)
	return l*(h+1) - l*(l-1)/2 + (u - l)
}

func triSize(highestOrder uint8) int {
	h := int(highestOrder)
	return (h + 1) * (h + 2) / 2
}

// New creates an allocator over totalUnits units (rounded down to the
// nearest power of two) all initially free as one top-order superblock.
func New(totalUnits uint64) *Allocator {
	order := uint8(0)
	for unitsForOrder(order+1) <= totalUnits {
		order++
	}

	a := &Allocator{
		entries:       make([]descriptor, unitsForOrder(order)),
		highestOrder:  order,
		freeListHeads: make([]int32, triSize(order)),
		byUpper:       make([]uint64, int(order)+1),
		freeUnits:     unitsForOrder(order),
	}
	for i := range a.freeListHeads {
		a.freeListHeads[i] = -1
	}

	a.entries[0] = descriptor{lowerOrder: 0, upperOrder: order, free: true, next: -1, prev: -1}
	a.addBuddyBlock(0)

	return a
}

// getBuddyIndex computes the descriptor index of the buddy of the block
// at index blockIdx at the given order, via original_source's
// FLIP_BIT(descOffset, blockOrder) XOR trick.
func getBuddyIndex(blockIdx int, order uint8) int {
	return blockIdx ^ (1 << order)
}

func trailingZeros64(x uint64) uint8 {
	if x == 0 {
		return 64
	}
	var n uint8
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// getBuddyList finds the best-fit superblock able to serve a request of
// order want: the smallest UpperOrder still >= want (least waste), and
// within that tier the smallest LowerOrder present. The original scans
// its LowerOrder-indexed LV_MAIN bitmap first and LV_SUB second; this
// scans UpperOrder first since every descriptor this allocator ever
// links has LowerOrder == UpperOrder except the initial top-order
// superblock, making UpperOrder the only tier that matters for best-fit
// in practice. See DESIGN.md.
func (a *Allocator) getBuddyList(want uint8) (lower, upper uint8, ok bool) {
	mask := a.upperVector >> want
	if mask == 0 {
		return 0, 0, false
	}
	upper = want + trailingZeros64(mask)

	lowerMask := a.byUpper[upper]
	if lowerMask == 0 {
		return 0, 0, false
	}
	lower = trailingZeros64(lowerMask)
	return lower, upper, true
}

// addBuddyBlock links blockIdx onto the front of its (LowerOrder,
// UpperOrder) free list, setting the bitmap bits when that list was
// previously empty.
func (a *Allocator) addBuddyBlock(blockIdx int) {
	d := &a.entries[blockIdx]
	idx := triIndex(a.highestOrder, d.lowerOrder, d.upperOrder)
	head := a.freeListHeads[idx]
	if head == -1 {
		a.byUpper[d.upperOrder] |= 1 << d.lowerOrder
		a.upperVector |= 1 << d.upperOrder
	} else {
		a.entries[head].prev = int32(blockIdx)
	}
	d.next = head
	d.prev = -1
	d.linked = true
	a.freeListHeads[idx] = int32(blockIdx)
}

// removeBuddyBlock unlinks blockIdx from its (LowerOrder, UpperOrder)
// free list, clearing the bitmap bits if that list becomes empty.
func (a *Allocator) removeBuddyBlock(blockIdx int) {
	d := &a.entries[blockIdx]
	idx := triIndex(a.highestOrder, d.lowerOrder, d.upperOrder)
	if d.prev != -1 {
		a.entries[d.prev].next = d.next
	} else {
		a.freeListHeads[idx] = d.next
	}
	if d.next != -1 {
		a.entries[d.next].prev = d.prev
	}
	d.linked = false
	d.next, d.prev = -1, -1

	if a.freeListHeads[idx] == -1 {
		a.byUpper[d.upperOrder] &^= 1 << d.lowerOrder
		if a.byUpper[d.upperOrder] == 0 {
			a.upperVector &^= 1 << d.upperOrder
		}
	}
}

// splitSuperBlock extracts a block of order want from the free
// superblock at superIdx (already unlinked from its free list) in one
// call: it walks the superblock's UpperOrder down to want, peeling off
// one sibling per order and relinking each as its own plain free block,
// leaving the low end — superIdx itself — as the carved want-order
// block. A fresh top-order superblock (LowerOrder 0) exercises the full
// walk; re-splitting an already-plain block (LowerOrder == UpperOrder)
// is the common case and only peels the orders actually crossed.
//
// The original's splitSuperBlock carves the same range via a single
// BlockAtOffsetOf/SIZEOF_ORDER pointer computation per remainder, fed by
// macros not present in the retrieved source; this reproduces the same
// set of resulting blocks — one sibling at each order from want up to
// UpperOrder-1 — by walking the chain instead of computing it in one
// closed-form step. See DESIGN.md.
func (a *Allocator) splitSuperBlock(want uint8, superIdx int) int {
	order := a.entries[superIdx].upperOrder
	for order > want {
		order--
		siblingIdx := superIdx + int(unitsForOrder(order))
		a.entries[siblingIdx] = descriptor{lowerOrder: order, upperOrder: order, free: true, next: -1, prev: -1}
		a.addBuddyBlock(siblingIdx)
	}
	a.entries[superIdx] = descriptor{lowerOrder: want, upperOrder: want, next: -1, prev: -1}
	return superIdx
}

// Allocate hands out one block of 2^order units, finding the best-fit
// free superblock and carving it in a single splitSuperBlock call.
func (a *Allocator) Allocate(order uint8) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeUnits < unitsForOrder(order) {
		return 0, kernerr.ErrLowMemory
	}

	lower, upper, ok := a.getBuddyList(order)
	if !ok {
		return 0, kernerr.ErrFragmentation
	}

	superIdx := int(a.freeListHeads[triIndex(a.highestOrder, lower, upper)])
	a.removeBuddyBlock(superIdx)

	blockIdx := a.splitSuperBlock(order, superIdx)

	d := &a.entries[blockIdx]
	d.free = false
	d.linked = false
	d.tag = TagKernel

	a.freeUnits -= unitsForOrder(order)
	a.allocatedUnits += unitsForOrder(order)

	return blockIdx, nil
}

// mergeSuperBlock combines blockIdx with its buddy repeatedly while both
// are free, single-order blocks of matching LowerOrder, up to
// maxMergeOrder; each merge collapses the pair back to a single-order
// block one order higher, per the original's mergeSuperBlock.
func (a *Allocator) mergeSuperBlock(blockIdx int, maxMergeOrder uint8) int {
	for a.entries[blockIdx].upperOrder < maxMergeOrder {
		order := a.entries[blockIdx].upperOrder
		buddyIdx := getBuddyIndex(blockIdx, order)
		buddyD := a.entries[buddyIdx]
		if !buddyD.free || buddyD.lowerOrder != order || buddyD.upperOrder != order {
			break
		}

		a.removeBuddyBlock(buddyIdx)

		leftIdx := blockIdx
		if buddyIdx < blockIdx {
			leftIdx = buddyIdx
		}
		a.entries[leftIdx].lowerOrder = order + 1
		a.entries[leftIdx].upperOrder = order + 1
		blockIdx = leftIdx
	}
	return blockIdx
}

// Free returns a previously allocated block to the free lists, merging
// with buddies where possible.
func (a *Allocator) Free(blockIdx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := a.entries[blockIdx]
	if d.linked {
		return kernerr.ErrDoubleLinked
	}
	if d.lowerOrder != d.upperOrder {
		return kernerr.ErrOrderCorrupt
	}

	order := d.upperOrder
	a.entries[blockIdx].free = true

	merged := a.mergeSuperBlock(blockIdx, a.highestOrder)
	a.addBuddyBlock(merged)

	a.freeUnits += unitsForOrder(order)
	a.allocatedUnits -= unitsForOrder(order)
	return nil
}

// PromoteStatus reports whether Promote grew a block in place (EXTERNAL,
// no copy needed) or left it untouched (INTERNAL, caller must allocate
// fresh and copy), mirroring BD_EXTERNAL/BD_INTERNAL.
type PromoteStatus int

const (
	StatusInternal PromoteStatus = iota
	StatusExternal
)

// Promote attempts to grow the allocated block at blockIdx to the next
// order without moving its data: if the block's immediate buddy is free
// and of the same order, the two merge and the combined block (at
// whichever of the two addresses is lower) is returned with
// StatusExternal. Otherwise the block is left untouched and
// StatusInternal is returned — an expected outcome, not an error — and
// the caller falls back to allocating fresh storage and copying.
func (a *Allocator) Promote(blockIdx int) (newIdx int, status PromoteStatus, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := a.entries[blockIdx]
	if d.free {
		return 0, StatusInternal, kernerr.ErrNotAllocated
	}
	if d.lowerOrder != d.upperOrder {
		return 0, StatusInternal, kernerr.ErrOrderCorrupt
	}

	order := d.upperOrder
	buddyIdx := getBuddyIndex(blockIdx, order)
	buddyD := a.entries[buddyIdx]
	if !buddyD.free || buddyD.lowerOrder != order || buddyD.upperOrder != order {
		return 0, StatusInternal, nil
	}

	a.removeBuddyBlock(buddyIdx)

	leftIdx := blockIdx
	if buddyIdx < blockIdx {
		leftIdx = buddyIdx
	}
	a.entries[leftIdx].lowerOrder = order + 1
	a.entries[leftIdx].upperOrder = order + 1
	a.entries[leftIdx].free = false
	a.entries[leftIdx].linked = false
	a.entries[leftIdx].tag = d.tag

	a.freeUnits -= unitsForOrder(order)
	a.allocatedUnits += unitsForOrder(order)

	return leftIdx, StatusExternal, nil
}

// FreeUnits and AllocatedUnits report the allocator's current totals,
// for zone-level statistics.
func (a *Allocator) FreeUnits() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeUnits
}

func (a *Allocator) AllocatedUnits() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedUnits
}

func (a *Allocator) HighestOrder() uint8 { return a.highestOrder }

// Tag reports and sets the BlockType of an allocated block, used by the
// zone layer to distinguish kernel/user/cache ownership.
func (a *Allocator) Tag(blockIdx int) BlockType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[blockIdx].tag
}

func (a *Allocator) SetTag(blockIdx int, tag BlockType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[blockIdx].tag = tag
}
