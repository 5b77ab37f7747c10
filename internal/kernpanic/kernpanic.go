// Package kernpanic implements the kernel's fatal path: log, then halt
// the offending CPU. On the real target this disables interrupts and
// parks the CPU forever; under `go test` (no freestanding target
// available) Halt instead panics so the condition is still observable,
// matching how mazarin/kernel.go's own echo loop never returns once
// entered.
package kernpanic

import "corex/internal/klog"

// HaltFunc is swapped out by arch-specific init (cli + infinite loop on the
// real target); tests observe the logged line and the panic instead.
var HaltFunc = func(reason string) {
	panic("kernel halt: " + reason)
}

// Halt logs reason through klog.Warn, prefixed "FATAL: ", and then invokes HaltFunc, which never
// returns on the real target.
func Halt(reason string) {
	klog.Warn("FATAL: %s", reason)
	HaltFunc(reason)
}
