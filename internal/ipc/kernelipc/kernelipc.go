// Package kernelipc implements the kernel-targeted IPC operations spec.md
// §4.6.2 step 1 names but leaves out of scope: restart-task,
// read-task-status, fault-task. Only the supervisor (task index 0) may
// invoke restart-task and fault-task; any other caller is faulted with
// InvalidOperation, matching the original implementation's behavior for a
// non-supervisor kernel-IPC caller (see SPEC_FULL.md §3).
package kernelipc

import (
	"github.com/oxidecomputer/hubris-sub001/internal/arch"
	"github.com/oxidecomputer/hubris-sub001/internal/fault"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc"
	"github.com/oxidecomputer/hubris-sub001/internal/sched"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// Op is the closed set of kernel-IPC operations, carried in the low 16
// bits of SEND's arg0 exactly like a regular operation code, distinguished
// only by Callee == task.Kernel.
type Op uint16

const (
	OpRestartTask Op = iota
	OpReadTaskStatus
	OpFaultTask
)

// Request is the decoded body of a kernel-IPC message: a target task ID
// (for RestartTask/ReadTaskStatus/FaultTask) and a reason code. Handle does
// not use Reason: an injected fault records only the injecting task.
type Request struct {
	Op     Op
	Target task.ID
	Reason uint32
}

// Status is ReadTaskStatus's reply payload.
type Status struct {
	Health     task.Health
	Sched      task.SchedState
	Generation uint8
	FaultKind  task.FaultKind
}

// Handle executes one kernel-IPC request on behalf of callerIdx, returning
// the response code and, for ReadTaskStatus, the status payload.
func Handle(tbl *task.Table, fh *fault.Handler, port arch.Port, callerIdx int, req Request) (rc uint32, status Status, outcome ipc.Outcome) {
	if req.Op == OpRestartTask || req.Op == OpFaultTask {
		if callerIdx != fault.SupervisorIndex {
			return 0, Status{}, ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultInvalidOperation}}
		}
	}
	idx, ue, rangeOK := tbl.CheckID(req.Target)
	if !rangeOK {
		return 0, Status{}, ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.TaskOutOfRange}}
	}
	if ue.Stale && req.Op != OpReadTaskStatus {
		return ipc.StaleResponseCode(ue.LiveID.Generation()), Status{}, ipc.Outcome{Hint: sched.Same}
	}

	switch req.Op {
	case OpReadTaskStatus:
		r := tbl.Get(idx)
		return ipc.RCOk, Status{Health: r.Health, Sched: r.Sched, Generation: r.Generation, FaultKind: r.Fault.Kind}, ipc.Outcome{Hint: sched.Same}

	case OpRestartTask:
		tbl.Restart(idx, func(r *task.Record) { port.Reinitialize(idx, r.Descriptor) })
		return ipc.RCOk, Status{}, ipc.Outcome{Hint: sched.Other}

	case OpFaultTask:
		hint := fh.Force(tbl, idx, task.FaultInfo{Kind: task.FaultInjected, ByID: tbl.IDOf(callerIdx)})
		return ipc.RCOk, Status{}, ipc.Outcome{Hint: hint}
	}
	return 0, Status{}, ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.IllegalTask}}
}
