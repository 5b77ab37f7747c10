// Package ia32 holds the external-collaborator interfaces: firmware
// hand-off parsing and the IA-32 CPU-facing register contracts (local
// APIC, IO-APIC, HPET, PIT, port I/O, GDT/IDT/TSS). Everything here
// is a thin, typed wrapper over a single privileged primitive — there is no
// ecosystem library for IA-32 port I/O, so this stays stdlib (`unsafe`)
// throughout, mirroring mazarin/kernel.go's go:linkname/go:nosplit MMIO
// helpers (mmio_write/mmio_read) and gic_qemu.go's register map.
package ia32

import _ "unsafe" // for go:linkname

// Port is an IA-32 I/O port address (0-0xFFFF).
type Port uint16

// The six privileged port-I/O primitives. Actual bodies live in the boot
// trampoline's assembly (out of scope); go:linkname binds to
// them the same way mazarin/kernel.go binds mmio_write/mmio_read/delay/bzero.
//
//go:linkname outb outb
//go:nosplit
func outb(port Port, value uint8)

//go:linkname inb inb
//go:nosplit
func inb(port Port) uint8

//go:linkname outw outw
//go:nosplit
func outw(port Port, value uint16)

//go:linkname inw inw
//go:nosplit
func inw(port Port) uint16

//go:linkname outl outl
//go:nosplit
func outl(port Port, value uint32)

//go:linkname inl inl
//go:nosplit
func inl(port Port) uint32

// OutB/InB/OutW/InW/OutL/InL are the exported, documented entry points; the
// lower-case forms stay unexported so callers always go through one spot
// that can later grow tracing/validation without touching every call site.

func OutB(port Port, value uint8)  { outb(port, value) }
func InB(port Port) uint8          { return inb(port) }
func OutW(port Port, value uint16) { outw(port, value) }
func InW(port Port) uint16         { return inw(port) }
func OutL(port Port, value uint32) { outl(port, value) }
func InL(port Port) uint32         { return inl(port) }

// cli/sti are the CLI/STI instructions, bound the same way as the port
// primitives above; DisableInterrupts/EnableInterrupts are the spelled-out
// entry points the slab allocator and
// the timer/scheduler critical sections call.
//
//go:linkname cli cli
//go:nosplit
func cli()

//go:linkname sti sti
//go:nosplit
func sti()

func DisableInterrupts() { cli() }
func EnableInterrupts()  { sti() }

// hlt is the HLT instruction: suspends the CPU until the next interrupt.
//
//go:linkname hlt hlt
//go:nosplit
func hlt()

// Halt parks the calling CPU until an interrupt wakes it; the idle loop's
// steady state.
func Halt() { hlt() }

// MMIO is a 32-bit memory-mapped register window, used by the local APIC,
// IO-APIC, and HPET blocks below. Writes/reads are always 32-bit.
//
//go:linkname mmioWrite32 mmio_write
//go:nosplit
func mmioWrite32(addr uintptr, data uint32)

//go:linkname mmioRead32 mmio_read
//go:nosplit
func mmioRead32(addr uintptr) uint32

type MMIO struct {
	Base uintptr
}

func (m MMIO) Write32(offset uintptr, value uint32) { mmioWrite32(m.Base+offset, value) }
func (m MMIO) Read32(offset uintptr) uint32          { return mmioRead32(m.Base + offset) }

func (m MMIO) Write64(offset uintptr, value uint64) {
	m.Write32(offset, uint32(value))
	m.Write32(offset+4, uint32(value>>32))
}

func (m MMIO) Read64(offset uintptr) uint64 {
	lo := uint64(m.Read32(offset))
	hi := uint64(m.Read32(offset + 4))
	return lo | hi<<32
}
