package timer

import "corex/internal/arch/ia32"

// PITBinding adapts ia32.PIT to the Engine's HardwareTimer interface.
// The engine's HardwareTimer capability set is just Arm and Now;
// PITBinding and HPETBinding are its two concrete implementations.
type PITBinding struct {
	pit ia32.PIT
	now int64 // ticks since bring-up, advanced by the ISR driving this binding
}

func NewPITBinding() *PITBinding { return &PITBinding{} }

// Arm schedules the PIT to fire when deadline (in ticks) is reached,
// reprogramming channel 0 in rate-generator mode with a reload of
// (deadline-now) ticks.
func (b *PITBinding) Arm(deadline int64) {
	delta := deadline - b.now
	if delta <= 0 {
		delta = 1
	}
	b.pit.NotifyAfter(uint16(delta))
}

func (b *PITBinding) Now() int64 { return b.now }

// Tick advances the binding's notion of the current time by one PIT
// interrupt; the bring-up sequencer's PIT ISR calls this before invoking
// Engine.RetireActiveEvents.
func (b *PITBinding) Tick() { b.now++ }

// HPETBinding adapts ia32.HPET to HardwareTimer, using the HPET main
// counter directly as the time base instead of a software tick count.
type HPETBinding struct {
	hpet *ia32.HPET
}

func NewHPETBinding(hpet *ia32.HPET) *HPETBinding { return &HPETBinding{hpet: hpet} }

func (b *HPETBinding) Arm(deadline int64) { b.hpet.SetComparator(0, uint64(deadline)) }

func (b *HPETBinding) Now() int64 { return int64(b.hpet.MainCounter()) }
