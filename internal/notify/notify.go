// Package notify implements the per-task notification-bit set and timer
// deadline described in spec.md §4.5 (C5).
package notify

import "github.com/oxidecomputer/hubris-sub001/internal/task"

// Post ORs bits into t's notification word. If t is in a RECV that accepts
// notifications and the new set matches its mask, it delivers a synthetic
// kernel message immediately and returns true so the caller reschedules.
func Post(t *task.Record, bits uint32) (delivered bool) {
	t.Notifications |= bits
	if t.Health != task.Healthy || t.Sched != task.InRecv {
		return false
	}
	matched := t.Notifications & t.Recv.Mask
	if matched == 0 {
		return false
	}
	t.Notifications &^= matched
	t.Ret = [7]uint32{0, uint32(task.Kernel), matched, 0, 0, 0}
	t.Recv = task.RecvState{}
	t.Sched = task.Runnable
	return true
}

// ProcessTimers advances every task whose deadline is <= now: clears the
// deadline and posts its configured fire bits. Called at kernel entry
// before dispatch, per spec.md §4.5.
func ProcessTimers(tbl *task.Table, now uint64) (anyDelivered bool) {
	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Get(i)
		if !r.Timer.HasDeadline || r.Timer.Deadline > now {
			continue
		}
		bits := r.Timer.FireBits
		r.Timer.HasDeadline = false
		r.Timer.Deadline = 0
		if Post(r, bits) {
			anyDelivered = true
		}
	}
	return
}

// SetTimer implements the SET_TIMER syscall body: if the deadline is
// already in the past, the bits are posted immediately instead of being
// armed.
func SetTimer(r *task.Record, now uint64, hasDeadline bool, deadline uint64, bits uint32) (delivered bool) {
	if !hasDeadline {
		r.Timer = task.Timer{}
		return false
	}
	if deadline <= now {
		r.Timer = task.Timer{}
		return Post(r, bits)
	}
	r.Timer = task.Timer{HasDeadline: true, Deadline: deadline, FireBits: bits}
	return false
}

// RouteIRQ looks up bits for irqNum in the build-time table and posts them
// to the mapped task, mirroring the hardware IRQ handler's job (spec.md
// §4.5's "Interrupt routing"). entries must be the Port's IRQTable.
func RouteIRQ(tbl *task.Table, entries []IRQLookup, irqNum int) (taskIndex int, delivered bool, found bool) {
	for _, e := range entries {
		if e.IRQNumber == irqNum {
			r := tbl.Get(e.Task)
			return e.Task, Post(r, e.Bit), true
		}
	}
	return 0, false, false
}

// IRQLookup mirrors arch.IRQEntry without importing the arch package, so
// notify has no dependency on the architecture port.
type IRQLookup struct {
	IRQNumber int
	Task      int
	Bit       uint32
}
