package ia32

// HPET event-timer block: 1024-byte MMIO region.
const (
	hpetCapabilities       uintptr = 0x00
	hpetConfiguration      uintptr = 0x10
	hpetInterruptStatus    uintptr = 0xF0
	hpetMainCounter        uintptr = 0xF8
	hpetTimerBlockStride   uintptr = 0x20
	hpetTimerBlockBase     uintptr = 0x100
)

const (
	hpetConfigEnable            uint64 = 1 << 0
	hpetConfigLegacyReplacement uint64 = 1 << 1
)

// HPET implements the HardwareTimer capability set, the same
// role PIT plays; exactly one of the two backs the soft-timer engine.
type HPET struct {
	regs MMIO
}

func NewHPET(base uintptr) *HPET { return &HPET{regs: MMIO{Base: base}} }

func (h *HPET) Enable(legacyReplacement bool) {
	cfg := hpetConfigEnable
	if legacyReplacement {
		cfg |= hpetConfigLegacyReplacement
	}
	h.regs.Write64(hpetConfiguration, cfg)
}

func (h *HPET) Disable() { h.regs.Write64(hpetConfiguration, 0) }

func (h *HPET) CounterPeriodFemtoseconds() uint32 { return uint32(h.regs.Read64(hpetCapabilities) >> 32) }

func (h *HPET) MainCounter() uint64 { return h.regs.Read64(hpetMainCounter) }

func (h *HPET) timerOffset(n int) uintptr { return hpetTimerBlockBase + uintptr(n)*hpetTimerBlockStride }

// SetComparator arms timer n to fire once the main counter reaches value.
func (h *HPET) SetComparator(n int, value uint64) {
	h.regs.Write64(h.timerOffset(n)+0x08, value)
}

// NotifyAfter arms timer 0 to fire nanos nanoseconds from now, converting
// via the counter's femtosecond period.
func (h *HPET) NotifyAfter(nanos uint64) {
	period := uint64(h.CounterPeriodFemtoseconds())
	if period == 0 {
		period = 10_000_000 // conservative 10ns/tick fallback
	}
	deltaTicks := nanos * 1_000_000 / period
	h.SetComparator(0, h.MainCounter()+deltaTicks)
}

func (h *HPET) StopCounter() { h.SetComparator(0, ^uint64(0)) }

func (h *HPET) ClearInterruptStatus(n int) { h.regs.Write64(hpetInterruptStatus, 1<<uint(n)) }
