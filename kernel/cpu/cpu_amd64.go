// Package cpu exposes the privileged amd64 instructions that the memory and
// interrupt subsystems depend on. All functions are implemented in assembly
// (see cpu_amd64.s) and must only be invoked while running in ring 0.
package cpu

// EnableInterrupts sets the interrupt flag, allowing maskable external
// interrupts to be delivered.
func EnableInterrupts()

// DisableInterrupts clears the interrupt flag, masking external interrupts.
func DisableInterrupts()

// SaveFlags returns the current contents of the RFLAGS register.
func SaveFlags() uint64

// RestoreFlags loads flags into the RFLAGS register. Passing a value
// previously obtained via SaveFlags restores the interrupt flag to its saved
// state.
func RestoreFlags(flags uint64)

// Halt masks external interrupts and suspends instruction execution. It is
// the terminal operation of a kernel panic.
func Halt()

// FlushTLBEntry invalidates the TLB entry for the page containing virtAddr.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB invalidates all non-global TLB entries by reloading the page
// table base register with its current value.
func FlushTLB()

// SwitchPDT loads the page table base register with the physical address of
// a level 4 page table. The switch implicitly flushes all non-global TLB
// entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the level 4 page table that the
// MMU is currently walking.
func ActivePDT() uintptr
