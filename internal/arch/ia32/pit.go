package ia32

// PIT (8254) ports and command-word layout:
// "command word format [counter_select:2][access_mode:2][operating_mode:3][bcd:1]".
const (
	pitChannel0 Port = 0x40
	pitCommand  Port = 0x43

	pitFrequencyHz = 1193182
)

type CounterSelect uint8

const (
	Counter0 CounterSelect = 0
	Counter1 CounterSelect = 1
	Counter2 CounterSelect = 2
	ReadBack CounterSelect = 3
)

type AccessMode uint8

const (
	LatchCount AccessMode = 0
	LoByteOnly AccessMode = 1
	HiByteOnly AccessMode = 2
	LoHiByte   AccessMode = 3
)

type OperatingMode uint8

const (
	ModeInterruptOnTerminalCount OperatingMode = 0
	ModeRateGenerator            OperatingMode = 2
	ModeSquareWave               OperatingMode = 3
)

func commandWord(counter CounterSelect, access AccessMode, mode OperatingMode, bcd bool) uint8 {
	var b uint8
	b |= uint8(counter) << 6
	b |= uint8(access) << 4
	b |= uint8(mode) << 1
	if bcd {
		b |= 1
	}
	return b
}

// PIT implements the HardwareTimer capability set the soft-timer
// engine binds against: one kernel-owned hardware timer carries the
// engine's wake-ups.
type PIT struct{}

// NotifyAfter programs channel 0 in rate-generator mode to fire after the
// given number of PIT ticks (1.193182 MHz), the classic 8254 periodic-IRQ
// setup; ticks is clamped to the 16-bit counter range.
func (PIT) NotifyAfter(ticks uint16) {
	OutB(pitCommand, commandWord(Counter0, LoHiByte, ModeRateGenerator, false))
	OutB(pitChannel0, uint8(ticks))
	OutB(pitChannel0, uint8(ticks>>8))
}

// StopCounter masks the channel by reprogramming it with a zero reload,
// which on real 8254 hardware is done via the PIC mask instead; kept here as
// the capability-set method calls for.
func (PIT) StopCounter() {
	OutB(pitCommand, commandWord(Counter0, LoHiByte, ModeInterruptOnTerminalCount, false))
	OutB(pitChannel0, 0)
	OutB(pitChannel0, 0)
}

// TicksForDuration converts a nanosecond duration into a PIT reload value.
func TicksForDuration(nanos uint64) uint16 {
	ticks := nanos * pitFrequencyHz / 1_000_000_000
	if ticks > 0xFFFF {
		ticks = 0xFFFF
	}
	if ticks == 0 {
		ticks = 1
	}
	return uint16(ticks)
}
