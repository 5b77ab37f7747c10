// Package zone implements the zoned page-frame allocator:
// a set of buddy allocators ("zones") grouped by preference tier, with
// fallback and per-allocation flag semantics.
//
// Grounded on original_source's KFrameManager (zone preference rings,
// chooseZone rotation with a remembered cursor) and BuddyAllocator (the
// underlying per-zone allocator, reused via internal/mm/buddy).
package zone

import (
	"corex/internal/kernerr"
	"corex/internal/mm/buddy"
	"sync"
)

// Flags modify how a request is resolved across the preference chain.
type Flags uint8

const (
	FlagAtomic       Flags = 1 << iota // IRQ-context caller; may dip into the reserve and barrier tiers like NO_FAILURE
	FlagNoFailure                      // caller cannot tolerate LOW_MEMORY; keep trying lower preferences
	FlagZoneRequired                   // failure on the first candidate zone is final
	FlagNoCache                        // bypass per-CPU page caches (unused in this revision, see Zone.pageCache)
)

// state is the per-candidate classification used to decide the action.
type state int

const (
	stateAllocable state = iota
	stateReserveOverlap
	stateBarrierOverlap
	stateLowMemory
)

// action is derived from state and the caller's Flags.
type action int

const (
	actionAllocate action = iota
	actionGotoNext
	actionRetFail
)

// Zone is one partition of physical RAM backed by its own buddy
// allocator.
type Zone struct {
	mu sync.Mutex

	Index      int
	Preference int

	buddies *buddy.Allocator

	memorySize      uint64 // total pages
	memoryAllocated uint64
	memoryReserved  uint64 // emergency reserve, not touched except under ATOMIC or NO_FAILURE

	// pageCache is reserved in the layout ("Per-CPU page
	// caches are reserved in the layout but not engaged in this
	// revision"); left unused deliberately.
	pageCache struct{}
}

func newZone(index, preference int, pages uint64, reserved uint64) *Zone {
	return &Zone{
		Index:          index,
		Preference:     preference,
		buddies:        buddy.New(pages),
		memorySize:     pages,
		memoryReserved: reserved,
	}
}

func pageOrderFor(pages uint64) uint8 {
	order := uint8(0)
	for (uint64(1) << order) < pages {
		order++
	}
	return order
}

// classify computes this zone's state for a request of the given page
// count using the original's two-tier reserve check: first subtract the
// whole reserve from the general pool (ALLOCABLE if that still covers
// the request), then add back 7/8 of the reserve — an emergency margin
// one step short of the full reserve — before falling back to
// BARRIER_OVERLAP. Pages and reserves are bounded well under 2^63, so
// the signed arithmetic below never truncates; it exists only to let
// avail-memoryReserved go negative without wrapping the way uint64
// subtraction would.
func (z *Zone) classify(pages uint64, flags Flags) state {
	avail := int64(z.memorySize - z.memoryAllocated)
	if avail < int64(pages) {
		return stateLowMemory
	}

	general := avail - int64(z.memoryReserved)
	if general >= int64(pages) {
		return stateAllocable
	}

	general += (7 * int64(z.memoryReserved)) >> 3
	if general >= int64(pages) {
		return stateReserveOverlap
	}

	return stateBarrierOverlap
}

func deriveAction(s state, flags Flags, isFirstCandidate bool) action {
	switch s {
	case stateAllocable:
		return actionAllocate
	case stateReserveOverlap:
		if flags&(FlagAtomic|FlagNoFailure) != 0 {
			return actionAllocate
		}
		if flags&FlagZoneRequired != 0 && isFirstCandidate {
			return actionRetFail
		}
		return actionGotoNext
	case stateBarrierOverlap:
		if flags&(FlagAtomic|FlagNoFailure) != 0 {
			return actionAllocate
		}
		if flags&FlagZoneRequired != 0 && isFirstCandidate {
			return actionRetFail
		}
		return actionGotoNext
	default: // stateLowMemory
		if flags&FlagZoneRequired != 0 && isFirstCandidate {
			return actionRetFail
		}
		return actionGotoNext
	}
}

// Frame identifies an allocated region: the zone it came from and the
// buddy descriptor index within that zone, enough to route a Free call
// back to the owning zone — freeing routes back to the zone named by
// the descriptor's zone-index.
type Frame struct {
	ZoneIndex int
	BlockIdx  int
	Order     uint8
}

// Manager owns every zone, grouped into preference rings, and the
// chooseZone rotation cursor per ring.
type Manager struct {
	mu sync.Mutex

	zones      []*Zone
	byPref     map[int][]*Zone
	lastTried  map[int]int // preference -> index within byPref[pref] last served
}

// NewManager builds a Manager from a set of zones, each already sized.
func NewManager(zones []*Zone) *Manager {
	m := &Manager{
		zones:     zones,
		byPref:    make(map[int][]*Zone),
		lastTried: make(map[int]int),
	}
	for _, z := range zones {
		m.byPref[z.Preference] = append(m.byPref[z.Preference], z)
	}
	return m
}

// NewZone constructs and registers one zone's backing store; exported
// so callers (internal/boot) can size zones per the kernel-frame
// layout rules before handing them to NewManager.
func NewZone(index, preference int, pages, reserved uint64) *Zone {
	return newZone(index, preference, pages, reserved)
}

func sortedPreferencesDescendingFrom(byPref map[int][]*Zone, basePreference int) []int {
	var prefs []int
	for p := range byPref {
		if p <= basePreference {
			prefs = append(prefs, p)
		}
	}
	// simple insertion sort descending; preference counts are tiny
	for i := 1; i < len(prefs); i++ {
		v := prefs[i]
		j := i - 1
		for j >= 0 && prefs[j] < v {
			prefs[j+1] = prefs[j]
			j--
		}
		prefs[j+1] = v
	}
	return prefs
}

// Allocate walks the preference chain starting at preferredZoneIndex
// (if >= 0) then the ring containing basePreference, then lower
// preference rings, applying the classify/deriveAction rules above.
func (m *Manager) Allocate(pages uint64, basePreference int, preferredZoneIndex int, flags Flags) (Frame, error) {
	m.mu.Lock()
	candidates := m.candidateOrder(basePreference, preferredZoneIndex)
	m.mu.Unlock()

	order := pageOrderFor(pages)

	for i, z := range candidates {
		z.mu.Lock()
		st := z.classify(pages, flags)
		act := deriveAction(st, flags, i == 0)
		z.mu.Unlock()

		switch act {
		case actionAllocate:
			idx, err := z.buddies.Allocate(order)
			if err != nil {
				if flags&FlagZoneRequired != 0 && i == 0 {
					return Frame{}, err
				}
				continue
			}
			z.mu.Lock()
			z.memoryAllocated += uint64(1) << order
			m.mu.Lock()
			m.lastTried[z.Preference] = m.ringIndexOf(z)
			m.mu.Unlock()
			z.mu.Unlock()
			return Frame{ZoneIndex: z.Index, BlockIdx: idx, Order: order}, nil
		case actionRetFail:
			return Frame{}, translateState(st)
		case actionGotoNext:
			continue
		}
	}
	return Frame{}, kernerr.ErrLowMemory
}

func translateState(s state) error {
	switch s {
	case stateReserveOverlap:
		return kernerr.ErrReserveOverlap
	case stateBarrierOverlap:
		return kernerr.ErrBarrierOverlap
	default:
		return kernerr.ErrLowMemory
	}
}

// ringIndexOf returns z's position within its own preference ring, used
// to persist the rotation cursor.
func (m *Manager) ringIndexOf(z *Zone) int {
	ring := m.byPref[z.Preference]
	for i, candidate := range ring {
		if candidate == z {
			return i
		}
	}
	return 0
}

// candidateOrder builds the zone visitation order: the explicit
// preferred zone first (if given), then the rest of its ring rotated
// from the remembered cursor, then each lower-preference ring in turn
// down to basePreference.
func (m *Manager) candidateOrder(basePreference, preferredZoneIndex int) []*Zone {
	var order []*Zone
	visited := make(map[int]bool)

	var preferred *Zone
	if preferredZoneIndex >= 0 {
		for _, z := range m.zones {
			if z.Index == preferredZoneIndex {
				preferred = z
				break
			}
		}
	}
	if preferred != nil {
		order = append(order, preferred)
		visited[preferred.Index] = true
	}

	prefs := sortedPreferencesDescendingFrom(m.byPref, basePreference)
	if preferred != nil {
		// Ensure the preferred zone's own ring is visited first via
		// rotation even if its preference tier isn't the highest.
		prefs = movePreferenceToFront(prefs, preferred.Preference)
	}

	for _, p := range prefs {
		ring := m.byPref[p]
		if len(ring) == 0 {
			continue
		}
		start := m.lastTried[p] % len(ring)
		for i := 0; i < len(ring); i++ {
			z := ring[(start+i)%len(ring)]
			if visited[z.Index] {
				continue
			}
			order = append(order, z)
			visited[z.Index] = true
		}
	}
	return order
}

func movePreferenceToFront(prefs []int, p int) []int {
	out := make([]int, 0, len(prefs))
	out = append(out, p)
	for _, v := range prefs {
		if v != p {
			out = append(out, v)
		}
	}
	return out
}

// Free returns a frame to its owning zone.
func (m *Manager) Free(f Frame) error {
	m.mu.Lock()
	var z *Zone
	for _, candidate := range m.zones {
		if candidate.Index == f.ZoneIndex {
			z = candidate
			break
		}
	}
	m.mu.Unlock()
	if z == nil {
		return kernerr.ErrUsed
	}

	if err := z.buddies.Free(f.BlockIdx); err != nil {
		return err
	}
	z.mu.Lock()
	z.memoryAllocated -= uint64(1) << f.Order
	z.mu.Unlock()
	return nil
}

// PhysAddressable adapts a single Zone to internal/mm/paging's
// FrameSource interface. The page-table manager's own table frames come
// from one dedicated kernel zone (the frame allocator comes up before
// the pager), not the general multi-zone fallback chain used for
// ordinary allocations — so this wraps one Zone directly rather than a
// whole Manager.
type PhysAddressable struct {
	Z        *Zone
	PhysBase uintptr
}

func (p PhysAddressable) AllocatePage() (uintptr, error) {
	idx, err := p.Z.buddies.Allocate(0)
	if err != nil {
		return 0, err
	}
	p.Z.mu.Lock()
	p.Z.memoryAllocated++
	p.Z.mu.Unlock()
	return p.PhysBase + uintptr(idx)*uintptr(pageSize), nil
}

func (p PhysAddressable) FreePage(pa uintptr) error {
	idx := int((pa - p.PhysBase) / uintptr(pageSize))
	if err := p.Z.buddies.Free(idx); err != nil {
		return err
	}
	p.Z.mu.Lock()
	p.Z.memoryAllocated--
	p.Z.mu.Unlock()
	return nil
}

// AllocateOrder hands out 2^order contiguous pages from this zone's
// buddy allocator, for callers (internal/mm/heap's large-request path)
// that need more than a single page.
func (p PhysAddressable) AllocateOrder(order uint8) (uintptr, error) {
	idx, err := p.Z.buddies.Allocate(order)
	if err != nil {
		return 0, err
	}
	p.Z.mu.Lock()
	p.Z.memoryAllocated += uint64(1) << order
	p.Z.mu.Unlock()
	return p.PhysBase + uintptr(idx)*uintptr(pageSize), nil
}

// FreeOrder returns a 2^order-page block obtained from AllocateOrder or
// GrowOrder.
func (p PhysAddressable) FreeOrder(pa uintptr, order uint8) error {
	idx := int((pa - p.PhysBase) / uintptr(pageSize))
	if err := p.Z.buddies.Free(idx); err != nil {
		return err
	}
	p.Z.mu.Lock()
	p.Z.memoryAllocated -= uint64(1) << order
	p.Z.mu.Unlock()
	return nil
}

// GrowOrder attempts to grow a 2^order-page block to 2^(order+1) pages
// in place via buddy.Promote, for Kralloc's grow-without-copy path.
// grown is false when the buddy is not free (the common case under any
// memory pressure); the caller then falls back to allocate+copy+free.
func (p PhysAddressable) GrowOrder(pa uintptr, order uint8) (newPA uintptr, grown bool, err error) {
	idx := int((pa - p.PhysBase) / uintptr(pageSize))
	newIdx, status, err := p.Z.buddies.Promote(idx)
	if err != nil {
		return 0, false, err
	}
	if status != buddy.StatusExternal {
		return 0, false, nil
	}
	p.Z.mu.Lock()
	p.Z.memoryAllocated += uint64(1) << order
	p.Z.mu.Unlock()
	return p.PhysBase + uintptr(newIdx)*uintptr(pageSize), true, nil
}

// Stats reports a zone's current accounting, for diagnostics/tests.
func (z *Zone) Stats() (size, allocated, reserved uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.memorySize, z.memoryAllocated, z.memoryReserved
}

// KernelFrameLayout implements original_source's zone-sizing rule for
// the kernel-frame region: below 3.5 GiB total, four equal chunks shared
// as DMA+Driver / Code / Data / Kernel; at or above, DMA+Driver is
// capped at 896 MiB and the remainder splits three ways.
type KernelFrameLayout struct {
	DMADriver uint64
	Code      uint64
	Data      uint64
	Kernel    uint64
}

const (
	pageSize        = 4096
	threeAndHalfGiB = 3*1024*1024*1024 + 512*1024*1024
	cap896MiB       = 896 * 1024 * 1024
)

// ComputeKernelFrameLayout derives the four kernel-frame region sizes
// (in pages) from totalBytes of usable physical memory.
func ComputeKernelFrameLayout(totalBytes uint64) KernelFrameLayout {
	if totalBytes < threeAndHalfGiB {
		chunk := totalBytes / 4 / pageSize
		return KernelFrameLayout{DMADriver: chunk, Code: chunk, Data: chunk, Kernel: chunk}
	}

	dmaDriver := uint64(cap896MiB) / pageSize
	remainder := totalBytes - cap896MiB
	chunk := remainder / 3 / pageSize
	return KernelFrameLayout{DMADriver: dmaDriver, Code: chunk, Data: chunk, Kernel: chunk}
}
