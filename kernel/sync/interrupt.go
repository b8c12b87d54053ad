// Package sync provides low-level synchronization primitives for kernel
// code paths that must not be preempted by interrupt handlers.
package sync

import "github.com/too-r/lambdaOS/kernel/cpu"

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn         = cpu.SaveFlags
	restoreFlagsFn      = cpu.RestoreFlags
	disableInterruptsFn = cpu.DisableInterrupts
)

// WithoutInterrupts invokes fn with external interrupts masked and restores
// the previous interrupt state afterwards. The restore is performed via a
// deferred call so it also runs when fn panics. Callers that entered with
// interrupts already masked therefore stay masked on return.
func WithoutInterrupts(fn func()) {
	flags := saveFlagsFn()
	disableInterruptsFn()
	defer restoreFlagsFn(flags)

	fn()
}
