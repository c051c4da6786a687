// Package fault implements force_fault and supervisor escalation (spec.md
// §4.7, C7).
package fault

import (
	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/notify"
	"github.com/oxidecomputer/hubris-sub001/internal/sched"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// SupervisorIndex is the fixed task-table index of the supervisor,
// spec.md §4.2's "index 0 is the supervisor by convention".
const SupervisorIndex = 0

// Handler carries the single configured supervisor-fault-notification bit
// (spec.md §6.2) and a logger for CRITICAL fault records.
type Handler struct {
	Bit uint32
	Log *klog.Logger
}

// Force moves idx into Faulted, preserving original_state across a double
// fault (spec.md §4.7): if already Faulted, the new fault overwrites the
// recorded cause but the frozen original scheduling state is untouched.
// It posts the fault-notification bit to the supervisor and returns the
// scheduling hint the dispatcher should honor.
func (h *Handler) Force(tbl *task.Table, idx int, f task.FaultInfo) sched.Hint {
	r := tbl.Get(idx)
	if r.Health == task.Healthy {
		r.OriginalSched = r.Sched
		r.Health = task.Faulted
	}
	r.Fault = f
	if h.Log != nil {
		h.Log.Criticalf("task %s faulted: %s", tbl.IDOf(idx), f)
	}
	if idx == SupervisorIndex {
		// The supervisor cannot notify itself meaningfully; it simply
		// stops, and nothing else in the system can recover it.
		return sched.Other
	}
	sup := tbl.Get(SupervisorIndex)
	if notify.Post(sup, h.Bit) {
		return sched.Specific(SupervisorIndex)
	}
	return sched.Other
}
