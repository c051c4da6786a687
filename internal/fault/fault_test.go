package fault

import (
	"testing"

	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

func newTable() *task.Table {
	return task.NewTable([]*task.Descriptor{
		{Name: "supervisor", StartAtBoot: true},
		{Name: "worker", StartAtBoot: true},
	})
}

func TestForceNotifiesSupervisor(t *testing.T) {
	tbl := newTable()
	sup := tbl.Get(SupervisorIndex)
	sup.Sched = task.InRecv
	sup.Recv = task.RecvState{Mask: 0x2}
	h := &Handler{Bit: 0x2, Log: klog.NewDiscard()}

	h.Force(tbl, 1, task.FaultInfo{Kind: task.FaultMemoryAccess})

	worker := tbl.Get(1)
	if worker.Health != task.Faulted {
		t.Fatalf("faulted task should become Faulted")
	}
	if sup.Sched != task.Runnable {
		t.Fatalf("supervisor should wake once notified of the fault")
	}
}

func TestForcePreservesOriginalSchedOnDoubleFault(t *testing.T) {
	tbl := newTable()
	h := &Handler{Bit: 0x1, Log: klog.NewDiscard()}
	w := tbl.Get(1)
	w.Sched = task.InReply

	h.Force(tbl, 1, task.FaultInfo{Kind: task.FaultMemoryAccess})
	if w.OriginalSched != task.InReply {
		t.Fatalf("first fault should freeze original_state, got %v", w.OriginalSched)
	}

	h.Force(tbl, 1, task.FaultInfo{Kind: task.FaultDivideByZero})
	if w.OriginalSched != task.InReply {
		t.Fatalf("a second fault must not overwrite the frozen original_state, got %v", w.OriginalSched)
	}
	if w.Fault.Kind != task.FaultDivideByZero {
		t.Fatalf("a second fault should still overwrite the recorded cause, got %v", w.Fault.Kind)
	}
}

func TestForceOnSupervisorItselfDoesNotLoop(t *testing.T) {
	tbl := newTable()
	h := &Handler{Bit: 0x1, Log: klog.NewDiscard()}
	h.Force(tbl, SupervisorIndex, task.FaultInfo{Kind: task.FaultPanic})
	if tbl.Get(SupervisorIndex).Health != task.Faulted {
		t.Fatalf("supervisor must still be marked Faulted")
	}
}
