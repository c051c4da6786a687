// Package arch defines the narrow architecture-port contract the kernel
// core needs (spec.md §4.1/§6.3): context save/restore, MPU programming,
// the current-task pointer, NVIC control, and a monotonic tick source. A
// real Cortex-M port implements Port in assembly plus CMSIS calls; this
// repo's only concrete Port is the host simulator in internal/arch/simhw.
package arch

import "github.com/oxidecomputer/hubris-sub001/internal/task"

// IRQEntry is one build-time "IRQ number -> (task, notification bit)"
// mapping, sorted by IRQNumber with at most one entry per number.
type IRQEntry struct {
	IRQNumber int
	Task      int
	Bit       uint32
}

// Port is everything the dispatcher, scheduler, and fault handler need
// from the architecture layer. Implementations must be safe to call only
// from kernel context (interrupts disabled or via WithTaskTable).
type Port interface {
	// Now returns a monotonically non-decreasing tick count, readable
	// without disabling interrupts.
	Now() uint64

	// ApplyMemoryProtection programs the MPU from the task's region
	// table. Idempotent.
	ApplyMemoryProtection(d *task.Descriptor)

	// SetCurrentTask makes index the task returned to on kernel exit.
	SetCurrentTask(index int)

	// CurrentTask returns the index most recently passed to
	// SetCurrentTask, or -1 before the first call.
	CurrentTask() int

	// WithTaskTable provides exclusive access to the task table for the
	// duration of f; it must exclude kernel re-entry for that duration.
	WithTaskTable(f func(*task.Table))

	// IRQTable returns the sorted, build-time IRQ map. Read-only.
	IRQTable() []IRQEntry

	// EnableIRQ / DisableIRQ manipulate one NVIC line.
	EnableIRQ(n int)
	DisableIRQ(n int)
	IRQEnabled(n int) bool

	// Reinitialize rewrites the arch-specific saved state of the task at
	// index so that on next dispatch it begins at its descriptor's entry
	// point with its initial stack.
	Reinitialize(index int, d *task.Descriptor)
}
