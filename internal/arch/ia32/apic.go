package ia32

// Local APIC register offsets and
// original_source/Interface/Arch/IA32/APIC.h.
const (
	LAPICDefaultBase uintptr = 0xFEE00000

	RegID        uintptr = 0x20
	RegVersion   uintptr = 0x30
	RegEOI       uintptr = 0xB0
	RegICRLow    uintptr = 0x300
	RegICRHigh   uintptr = 0x310
	RegLVTTimer  uintptr = 0x320
	RegLVTLint0  uintptr = 0x350
	RegLVTLint1  uintptr = 0x360
	RegLVTError  uintptr = 0x370
	RegTimerICR  uintptr = 0x380 // initial count
	RegTimerCCR  uintptr = 0x390 // current count
	RegTimerDCR  uintptr = 0x3E0 // divide config
)

// IPI delivery modes (ICR bits 8-10), per APIC.h.
const (
	DeliveryFixed  uint32 = 0b000 << 8
	DeliveryINIT   uint32 = 0b101 << 8
	DeliverySIPI   uint32 = 0b110 << 8
)

// IPIDestShorthand values for ICR bits 18-19.
const (
	DestNoShorthand uint32 = 0b00 << 18
	DestSelf        uint32 = 0b01 << 18
	DestAllIncl     uint32 = 0b10 << 18
	DestAllExcl     uint32 = 0b11 << 18
)

// LocalAPIC is the per-CPU register window, memory-mapped at a fixed
// physical address.
type LocalAPIC struct {
	regs MMIO
}

func NewLocalAPIC(base uintptr) *LocalAPIC { return &LocalAPIC{regs: MMIO{Base: base}} }

// ID returns this CPU's 8-bit local APIC id (used as the processor index
// throughout internal/topology and internal/sched).
func (l *LocalAPIC) ID() uint8 { return uint8(l.regs.Read32(RegID) >> 24) }

// EOI signals end-of-interrupt.
func (l *LocalAPIC) EOI() { l.regs.Write32(RegEOI, 0) }

// SendIPI issues an inter-processor interrupt to destAPICID carrying vector,
// with the given delivery mode and destination shorthand. This is the
// transport the scheduler's Accept/Renounce balancer messages and
// task send/receive ride on.
func (l *LocalAPIC) SendIPI(destAPICID uint8, vector uint8, delivery uint32, shorthand uint32) {
	l.regs.Write32(RegICRHigh, uint32(destAPICID)<<24)
	l.regs.Write32(RegICRLow, uint32(vector)|delivery|shorthand)
	for l.regs.Read32(RegICRLow)&(1<<12) != 0 {
		// wait for delivery-status bit to clear (send pending)
	}
}

// SendInitSIPISIPI performs the AP wakeup sequence: one INIT IPI
// followed by two start-up IPIs at startVector.
func (l *LocalAPIC) SendInitSIPISIPI(destAPICID uint8, startVector uint8) {
	l.SendIPI(destAPICID, 0, DeliveryINIT, DestNoShorthand)
	l.SendIPI(destAPICID, startVector, DeliverySIPI, DestNoShorthand)
	l.SendIPI(destAPICID, startVector, DeliverySIPI, DestNoShorthand)
}

// ArmTimer programs the one-shot/periodic APIC timer; used only when the
// soft-timer engine's HardwareTimer binding selects the local APIC
// timer rather than PIT/HPET.
func (l *LocalAPIC) ArmTimer(vector uint8, initialCount uint32, divide uint32) {
	l.regs.Write32(RegTimerDCR, divide)
	l.regs.Write32(RegLVTTimer, uint32(vector))
	l.regs.Write32(RegTimerICR, initialCount)
}
