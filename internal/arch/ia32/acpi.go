package ia32

import "unsafe"

// ACPI table parsing: RSDP → RSDT/XSDT → MADT/FADT/HPET
// Grounded on original_source/Interface/ACPI/{RSDT,MADT,SDTHeader}.h.

type sdtHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// RSDPRevision distinguishes ACPI 1.0 (OLD) from 2.0+ (NEW)
type RSDPRevision int

const (
	RSDPOld RSDPRevision = iota
	RSDPNew
)

type rsdpOld struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

type rsdpNew struct {
	rsdpOld
	Length      uint32
	XSDTAddr    uint64
	ExtChecksum uint8
	_           [3]byte
}

// RSDP wraps the firmware-supplied Root System Description Pointer.
type RSDP struct {
	Revision RSDPRevision
	addr     uintptr
}

func ParseRSDP(addr uintptr) RSDP {
	old := (*rsdpOld)(unsafe.Pointer(addr))
	if old.Revision == 0 {
		return RSDP{Revision: RSDPOld, addr: addr}
	}
	return RSDP{Revision: RSDPNew, addr: addr}
}

// rootTableAddr returns the physical address of the RSDT (old) or XSDT (new).
func (r RSDP) rootTableAddr() uintptr {
	if r.Revision == RSDPOld {
		old := (*rsdpOld)(unsafe.Pointer(r.addr))
		return uintptr(old.RSDTAddr)
	}
	n := (*rsdpNew)(unsafe.Pointer(r.addr))
	return uintptr(n.XSDTAddr)
}

func checksum(base uintptr, length uint32) uint8 {
	var sum uint8
	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)
	for _, b := range buf {
		sum += b
	}
	return sum
}

// Valid verifies the RSDT/XSDT checksum.
func (r RSDP) Valid() bool {
	root := r.rootTableAddr()
	hdr := (*sdtHeader)(unsafe.Pointer(root))
	return checksum(root, hdr.Length) == 0
}

// sdtEntries returns the physical addresses of every table referenced by
// the RSDT/XSDT, 32-bit entries for RSDT, 64-bit for XSDT.
func (r RSDP) sdtEntries() []uintptr {
	root := r.rootTableAddr()
	hdr := (*sdtHeader)(unsafe.Pointer(root))
	body := root + unsafe.Sizeof(sdtHeader{})
	count := 0
	entrySize := uintptr(4)
	if r.Revision == RSDPNew {
		entrySize = 8
	}
	count = int((uintptr(hdr.Length) - unsafe.Sizeof(sdtHeader{})) / entrySize)

	out := make([]uintptr, 0, count)
	for i := 0; i < count; i++ {
		p := body + uintptr(i)*entrySize
		if entrySize == 4 {
			out = append(out, uintptr(*(*uint32)(unsafe.Pointer(p))))
		} else {
			out = append(out, uintptr(*(*uint64)(unsafe.Pointer(p))))
		}
	}
	return out
}

// FindTable scans the RSDT/XSDT for a table with the given 4-byte
// signature ("APIC" for MADT, "FACP" for FADT, "HPET" for HPET), returning
// its physical address and whether it was found.
func (r RSDP) FindTable(signature [4]byte) (uintptr, bool) {
	for _, addr := range r.sdtEntries() {
		hdr := (*sdtHeader)(unsafe.Pointer(addr))
		if hdr.Signature == signature {
			return addr, true
		}
	}
	return 0, false
}

// MADT entry types / original_source/Interface/ACPI/MADT.h.
const (
	MADTEntryLocalAPIC uint8 = 0
	MADTEntryIOAPIC    uint8 = 1
	MADTEntryISR       uint8 = 2
)

type madtHeader struct {
	sdtHeader
	LocalAPICAddr uint32
	Flags         uint32
}

type madtEntryHeader struct {
	EntryType uint8
	Length    uint8
}

// LocalAPICEntry mirrors MADT_ENTRY_LAPIC.
type LocalAPICEntry struct {
	ACPIID uint8
	APICID uint8
	Flags  uint32
}

// IOAPICEntry mirrors MADT_ENTRY_IOAPIC.
type IOAPICEntry struct {
	APICID        uint8
	IOAPICAddress uint32
	GSIBase       uint32
}

// ISREntry mirrors MADT_ENTRY_ISR (interrupt source override).
type ISREntry struct {
	BusSource uint8
	IRQSource uint8
	GSI       uint32
	Flags     uint16
}

// ParsedMADT is the result of EnumerateMADT: every CPU and IO-APIC the
// firmware reports, used by internal/boot to drive AP wakeup.
type ParsedMADT struct {
	LocalAPICAddr uintptr
	LocalAPICs    []LocalAPICEntry
	IOAPICs       []IOAPICEntry
	ISROverrides  []ISREntry
}

// EnumerateMADT walks the MADT's variable-length entry list.
func EnumerateMADT(madtAddr uintptr) ParsedMADT {
	hdr := (*madtHeader)(unsafe.Pointer(madtAddr))
	var out ParsedMADT
	out.LocalAPICAddr = uintptr(hdr.LocalAPICAddr)

	cursor := madtAddr + unsafe.Sizeof(madtHeader{})
	end := madtAddr + uintptr(hdr.Length)
	for cursor+2 <= end {
		eh := (*madtEntryHeader)(unsafe.Pointer(cursor))
		if eh.Length == 0 {
			break
		}
		body := cursor + 2
		switch eh.EntryType {
		case MADTEntryLocalAPIC:
			out.LocalAPICs = append(out.LocalAPICs, LocalAPICEntry{
				ACPIID: *(*uint8)(unsafe.Pointer(body)),
				APICID: *(*uint8)(unsafe.Pointer(body + 1)),
				Flags:  *(*uint32)(unsafe.Pointer(body + 2)),
			})
		case MADTEntryIOAPIC:
			out.IOAPICs = append(out.IOAPICs, IOAPICEntry{
				APICID:        *(*uint8)(unsafe.Pointer(body)),
				IOAPICAddress: *(*uint32)(unsafe.Pointer(body + 2)),
				GSIBase:       *(*uint32)(unsafe.Pointer(body + 6)),
			})
		case MADTEntryISR:
			out.ISROverrides = append(out.ISROverrides, ISREntry{
				BusSource: *(*uint8)(unsafe.Pointer(body)),
				IRQSource: *(*uint8)(unsafe.Pointer(body + 1)),
				GSI:       *(*uint32)(unsafe.Pointer(body + 2)),
				Flags:     *(*uint16)(unsafe.Pointer(body + 6)),
			})
		}
		cursor += uintptr(eh.Length)
	}
	return out
}

// FADT power-management register addresses (only the fields
// the bring-up sequencer needs are modelled; the rest of the real FADT
// layout is out of scope).
type FADT struct {
	PM1aControlBlock uint32
	PM1bControlBlock uint32
	SMICommandPort   uint32
	ACPIEnable       uint8
}

func ParseFADT(addr uintptr) FADT {
	// Offsets per the ACPI spec's FADT layout (stable across revisions for
	// this subset of fields).
	return FADT{
		SMICommandPort:   *(*uint32)(unsafe.Pointer(addr + 48)),
		ACPIEnable:       *(*uint8)(unsafe.Pointer(addr + 52)),
		PM1aControlBlock: *(*uint32)(unsafe.Pointer(addr + 64)),
		PM1bControlBlock: *(*uint32)(unsafe.Pointer(addr + 68)),
	}
}

// HPETTable describes the HPET ACPI table's event-timer block address.
type HPETTable struct {
	BaseAddress uintptr
}

func ParseHPETTable(addr uintptr) HPETTable {
	// The HPET table's "base address" structure's address field sits at
	// offset 44 in the generic-address-structure layout used by ACPI.
	return HPETTable{BaseAddress: uintptr(*(*uint64)(unsafe.Pointer(addr + 44)))}
}
