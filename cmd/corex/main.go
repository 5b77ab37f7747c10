// Command corex is the kernel's entry point, linked as a freestanding
// c-archive image. KernelMain is called directly from the assembly
// trampoline once the CPU is in protected mode with a stack set up;
// main() exists only so the Go toolchain has something to build and
// link against — it is never reached on the real target.
package main

import (
	"corex/internal/arch/ia32"
	"corex/internal/boot"
	"corex/internal/kernpanic"
	"corex/internal/topology"
)

// apTrampolineTarget is the physical page the AP start-up vector points
// real-mode code at; populated by the linker script.
const apTrampolineTarget uint8 = 0x08

// KernelMain runs the deterministic bring-up sequence once, on the
// bootstrap processor, then falls through into the idle loop.
func KernelMain(multibootInfoPA, rsdpPA, madtPA, lapicBase uintptr, kernelStackTop uint32) {
	k := boot.NewKernel(boot.DefaultOptions())

	if err := k.Step1ParseFirmware(multibootInfoPA, rsdpPA); err != nil {
		kernpanic.Halt("firmware parse failed: " + err.Error())
	}

	totalBytes := k.Multiboot.TotalUsablePages(k.Options.PageSize) * k.Options.PageSize
	if err := k.Step2InitAllocators(totalBytes); err != nil {
		kernpanic.Halt("allocator init failed: " + err.Error())
	}

	k.Step3EnumerateCPUs(madtPA)
	k.Step4InitBSP(lapicBase, kernelStackTop)

	for i, entry := range k.MADT.LocalAPICs {
		if i == 0 {
			continue
		}
		// the AP's own entry point calls Step6PlugAndStartCPU for
		// itself once its trampoline hands off into Go; this call
		// reserves its topology slot ahead of that handshake.
		k.Step6PlugAndStartCPU(uint32(entry.APICID), flatTopologyID(i))
		k.Step5WakeAP(entry.APICID, apTrampolineTarget)
	}
	if len(k.MADT.LocalAPICs) > 0 {
		// the BSP (first MADT entry) plugs itself once the APs are up.
		k.Step6PlugAndStartCPU(uint32(k.MADT.LocalAPICs[0].APICID), flatTopologyID(0))
	}

	if _, err := k.Step7LoadBootModules(nil); err != nil {
		kernpanic.Halt("boot module load failed: " + err.Error())
	}

	idle()
}

// flatTopologyID assigns each enumerated CPU its own core, all in
// package 0 and cluster 0, one SMT thread each: real systems derive SMT/Core/Package/Cluster
// from the APIC ID bit layout CPUID leaf 0xB reports, which this
// freestanding build has no CPUID-decode table for yet.
func flatTopologyID(index int) topology.TopologyID {
	return topology.TopologyID{SMT: 0, Core: uint32(index), Package: 0, Cluster: 0}
}

func idle() {
	ia32.EnableInterrupts()
	for {
		ia32.Halt()
	}
}

func main() {
	var zero uintptr
	var zero32 uint32
	KernelMain(zero, zero, zero, zero, zero32)
}
