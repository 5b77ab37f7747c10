// Package boot implements the deterministic bring-up sequencer:
// firmware parsing, allocator/pager/slab/heap init, CPU enumeration,
// BSP setup, AP wakeup, topology plug, runqueue setup, and boot-module
// loading, run in a fixed order.
//
// Grounded on mazarin/kernel.go's linear bring-up (uart init, memory
// probe, then jump to Go) generalized to the full multi-stage sequence
// spells out; AP wakeup is grounded on
// original_source/HAL/Source/IA-32/Processor.cpp's INIT-SIPI-SIPI loop.
package boot

import (
	"corex/internal/arch/ia32"
	"corex/internal/kernerr"
	"corex/internal/klog"
	"corex/internal/mm/heap"
	"corex/internal/mm/paging"
	"corex/internal/mm/zone"
	"corex/internal/module"
	"corex/internal/sched"
	"corex/internal/timer"
	"corex/internal/topology"
)

// Options configures the sequencer; defaults mirror mazarin's hardcoded
// KERNEL_HEAP_SIZE/HEAP_ALIGNMENT-style named constants rather than a
// config-file surface (there is none).
type Options struct {
	MaxCPUs           int
	PageSize          uint64
	KernelReserveMiB  uint64
	DefaultSliceTicks int64
	NumScheduleClasses int
}

// DefaultOptions mirrors mazarin's compile-time constant style.
func DefaultOptions() Options {
	return Options{
		MaxCPUs:            256,
		PageSize:           paging.PageSize,
		KernelReserveMiB:   16,
		DefaultSliceTicks:  10,
		NumScheduleClasses: topology.NumClasses,
	}
}

// Kernel holds every subsystem handle the sequencer wires up, for the
// rest of the running kernel to reach through.
type Kernel struct {
	Options Options

	Multiboot ia32.Info
	RSDP      ia32.RSDP
	MADT      ia32.ParsedMADT

	Zones    *zone.Manager
	Pager    *paging.AddressSpace
	Heap     *heap.Heap
	Symbols  *module.SymbolTable
	Loader   *module.Loader
	Registry *topology.Registry
	Timer    *timer.Engine

	Balancers map[int]*sched.Balancer // one per schedule class
	Rollers   map[uint32]map[int]*sched.Roller
	Mailboxes map[uint32]map[int]*sched.Mailbox

	GDT ia32.GDT
	IDT ia32.IDT
	TSS ia32.TSS

	bsp       *ia32.LocalAPIC
	pitTicker *timer.PITBinding
}

// NewKernel allocates the aggregate structure; subsystems are filled in
// by the Bring-up steps below.
func NewKernel(opts Options) *Kernel {
	return &Kernel{
		Options:   opts,
		Balancers: make(map[int]*sched.Balancer),
		Rollers:   make(map[uint32]map[int]*sched.Roller),
		Mailboxes: make(map[uint32]map[int]*sched.Mailbox),
	}
}

// Step1ParseFirmware parses the multiboot info block and ACPI RSDP,
// step 1.
func (k *Kernel) Step1ParseFirmware(multibootInfoPA, rsdpPA uintptr) error {
	k.Multiboot = ia32.ParseMultiboot(multibootInfoPA)
	k.RSDP = ia32.ParseRSDP(rsdpPA)
	if !k.RSDP.Valid() {
		return kernerr.ErrChecksumMismatch
	}

	totalPages := k.Multiboot.TotalUsablePages(k.Options.PageSize)
	if totalPages*k.Options.PageSize < 128*1024*1024 {
		return kernerr.ErrInsufficientMemory
	}

	klog.Info("firmware: %d usable pages, RSDP revision %v", totalPages, k.RSDP.Revision)
	return nil
}

// Step2InitAllocators brings up the frame allocator, page-table manager,
// slab allocator, and heap, in that fixed order.
// Preference 3 (highest) is the Kernel chunk, then Data, Code, and
// DMA+Driver at preference 0 (lowest) — the kernel's own structures are
// tried first's "highest-to-lowest" preference rings.
func (k *Kernel) Step2InitAllocators(totalBytes uint64) error {
	layout := zone.ComputeKernelFrameLayout(totalBytes)
	reserve := (k.Options.KernelReserveMiB * 1024 * 1024) / k.Options.PageSize

	zones := []*zone.Zone{
		zone.NewZone(0, 0, layout.DMADriver, 0),
		zone.NewZone(1, 1, layout.Code, 0),
		zone.NewZone(2, 2, layout.Data, 0),
		zone.NewZone(3, 3, layout.Kernel, reserve),
	}
	k.Zones = zone.NewManager(zones)

	kernelZone := zones[len(zones)-1]
	frameSource := &zone.PhysAddressable{Z: kernelZone}
	k.Pager = paging.NewAddressSpace(frameSource)
	k.Heap = heap.New(frameSource, frameSource)

	klog.Info("allocators up: %d zones, heap ready", len(zones))
	return nil
}

// Step3EnumerateCPUs parses MADT to find every local APIC and IO-APIC
//.
func (k *Kernel) Step3EnumerateCPUs(madtPA uintptr) {
	k.MADT = ia32.EnumerateMADT(madtPA)
	klog.Info("topology: %d local APICs, %d IO-APICs", len(k.MADT.LocalAPICs), len(k.MADT.IOAPICs))
}

// Step4InitBSP sets up the bootstrap processor's local APIC, the GDT
// (null, kernel code, kernel data) and the TSS kernel stack, starts the
// soft-timer engine's hardware binding, and enables interrupts. The IDT
// is not populated here.
func (k *Kernel) Step4InitBSP(lapicBase uintptr, kernelStackTop uint32) *ia32.LocalAPIC {
	k.bsp = ia32.NewLocalAPIC(lapicBase)

	k.GDT.SetGate(0, 0, 0, 0, 0) // null descriptor
	k.GDT.SetGate(1, 0, 0xFFFFFFFF, 0x9A, 0xC) // kernel code
	k.GDT.SetGate(2, 0, 0xFFFFFFFF, 0x92, 0xC) // kernel data
	k.TSS.SetKernelStack(kernelStackTop)

	k.pitTicker = timer.NewPITBinding()
	k.Timer = timer.NewEngine(k.pitTicker)

	ia32.EnableInterrupts()
	return k.bsp
}

// TimerTick advances the BSP's PIT-driven time base and retires any
// groups whose deadline has arrived; the PIT ISR calls this once per
// interrupt.
func (k *Kernel) TimerTick() {
	if k.pitTicker == nil {
		return
	}
	k.pitTicker.Tick()
	k.Timer.RetireActiveEvents()
}

// Step5WakeAP performs the INIT-SIPI-SIPI sequence for one application
// processor.
// readyCheck is polled by the caller's trampoline handshake; this method
// just issues the wakeup IPIs.
func (k *Kernel) Step5WakeAP(destAPICID uint8, startVector uint8) {
	k.bsp.SendInitSIPISIPI(destAPICID, startVector)
}

// Step6PlugAndStartCPU runs on every CPU (BSP after APs are up, APs on
// their own entry): plugs into the topology registry, sets up its
// per-class runqueues, and registers them with the balancer.
func (k *Kernel) Step6PlugAndStartCPU(apicID uint32, id topology.TopologyID) *topology.Processor {
	if k.Registry == nil {
		k.Registry = topology.NewRegistry()
	}

	p := &topology.Processor{APICID: apicID}
	k.Registry.Plug(p, id)

	k.Rollers[apicID] = make(map[int]*sched.Roller)
	k.Mailboxes[apicID] = make(map[int]*sched.Mailbox)

	for class := 0; class < k.Options.NumScheduleClasses; class++ {
		roller := sched.NewRoller(p, class, k.Options.DefaultSliceTicks)
		mailbox := &sched.Mailbox{}
		k.Rollers[apicID][class] = roller
		k.Mailboxes[apicID][class] = mailbox

		bal, ok := k.Balancers[class]
		if !ok {
			bal = sched.NewBalancer(class)
			k.Balancers[class] = bal
		}
		bal.Register(p, roller, mailbox)
	}

	return p
}

// Step7LoadBootModules loads the boot-module bundle once, on the BSP,
// after APs are up and the heap is functional.
func (k *Kernel) Step7LoadBootModules(raws []module.RawModule) ([]*module.Record, error) {
	if k.Symbols == nil {
		k.Symbols = module.NewSymbolTable()
	}
	if k.Loader == nil {
		k.Loader = module.NewLoader(k.Symbols)
	}
	return k.Loader.LoadBundle(raws)
}
