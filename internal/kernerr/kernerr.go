// Package kernerr names the kernel's error kinds as sentinel values.
//
// These propagate as ordinary Go errors within a subsystem — errors are
// first-class return values; they are never wrapped into a panic except by
// the explicitly fatal classes, which callers route through kernpanic.
package kernerr

import "errors"

// Allocator exhaustion.
var (
	// ErrLowMemory means the requested size exceeds the allocator's entire free pool.
	ErrLowMemory = errors.New("memory low")
	// ErrFragmentation means enough free pages exist but no single suitable block does.
	ErrFragmentation = errors.New("fragmentation")
	// ErrReserveOverlap means satisfying the request would dip into a zone's reserve.
	ErrReserveOverlap = errors.New("reserve overlap")
	// ErrBarrierOverlap means satisfying the request would dip into the emergency reserve.
	ErrBarrierOverlap = errors.New("barrier overlap")
)

// Consistency violation. Non-recoverable; callers must route these to kernpanic.
var (
	ErrUsed         = errors.New("block already linked (double free)")
	ErrOrderCorrupt = errors.New("block order inconsistent")
	ErrDoubleLinked = errors.New("block double-linked into free lists")
	ErrNotAllocated = errors.New("block is not currently allocated")
)

// Module invalid.
var (
	ErrBadMagic         = errors.New("module magic mismatch")
	ErrMissingDynamic   = errors.New("module missing dynamic segment")
	ErrMissingSymtab    = errors.New("module missing symbol table")
	ErrMissingHash      = errors.New("module missing symbol hash table")
	ErrMissingRelocTabs = errors.New("module missing relocation tables")
)

// Unresolved symbol.
var ErrUnresolvedSymbol = errors.New("unresolved symbol")

// Firmware anomaly.
var (
	ErrChecksumMismatch  = errors.New("firmware table checksum mismatch")
	ErrInsufficientMemory = errors.New("physical memory below minimum (128 MiB)")
)

// Heap.
var ErrBadHeapMagic = errors.New("heap block magic mismatch")
