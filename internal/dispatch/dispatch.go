// Package dispatch implements the kernel entry point of spec.md §4.8 (C8):
// decode one syscall from the current task, route it to the owning
// subsystem, and resolve the next task to run. There is no real trap frame
// here — the host simulator hands dispatch a decoded Request directly,
// standing in for the assembly SVC stub a real arch port would run first.
package dispatch

import (
	"github.com/oxidecomputer/hubris-sub001/internal/arch"
	"github.com/oxidecomputer/hubris-sub001/internal/fault"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc/kernelipc"
	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/memvalid"
	"github.com/oxidecomputer/hubris-sub001/internal/notify"
	"github.com/oxidecomputer/hubris-sub001/internal/sched"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// Number is the syscall ABI's opcode space (spec.md §6.1's table).
type Number uint16

const (
	NumSend Number = iota
	NumRecv
	NumReply
	NumSetTimer
	NumBorrowRead
	NumBorrowWrite
	NumBorrowInfo
	NumIRQControl
	NumPanic
	NumGetTimer
	NumRefreshTaskID
	NumPost
	NumReplyFault
	NumIRQStatus
)

// TimerArgs mirrors SET_TIMER's in-slots.
type TimerArgs struct {
	HasDeadline bool
	Deadline    uint64
	Bits        uint32
}

// IRQArgs mirrors IRQ_CONTROL's in-slots: mask selects by notification bit,
// not IRQ number, matching spec.md §6.1 ("mask, control").
type IRQArgs struct {
	Mask    uint32
	Enable  bool
}

// PostArgs mirrors POST's in-slots: a kernel-mediated notification send
// from one task to another, spec.md §6.1 row 11.
type PostArgs struct {
	Target task.ID
	Bits   uint32
}

// Request is one decoded syscall, tagged by Number; only the field(s) that
// Number names are read.
type Request struct {
	Number Number

	Send       ipc.SendArgs
	Recv       ipc.RecvArgs
	Reply      ipc.ReplyArgs
	ReplyFault ipc.ReplyFaultArgs
	Timer      TimerArgs
	BorrowIdx  uint32
	Offset     uint32
	Buf        memvalid.Slice
	Lender     task.ID
	IRQ        IRQArgs
	RefreshOf  task.ID
	Post       PostArgs
	PanicMsg   memvalid.Slice
}

// Response carries the calling task's own return-register slots. A caller
// that blocks (SEND/RECV) gets a zero Response; its eventual return values
// are written into task.Record.Ret by whoever unblocks it, and Blocked is
// true so the caller (a test harness or the simulator's step loop) knows
// not to read Ret yet.
type Response struct {
	Ret     [7]uint32
	Blocked bool
}

// Kernel bundles everything one kernel entry needs: the runtime table, the
// arch port, the raw memory backing safe-copy, the fault handler, and a
// logger. One Kernel is built per boot.
type Kernel struct {
	Table *task.Table
	Port  arch.Port
	Mem   ipc.Memory
	Fault *fault.Handler
	Log   *klog.Logger
}

// Enter runs one syscall to completion: it first drains any timers that
// have come due (spec.md §4.5's "called at kernel entry before dispatch"),
// then dispatches, applies the Outcome (faulting the caller if needed), and
// resolves and installs the next task via sched.Next.
//
// It returns the calling task's own Response (meaningless if Blocked) and
// the index of the task now selected to run.
func (k *Kernel) Enter(callerIdx int, req Request) (resp Response, next int) {
	notify.ProcessTimers(k.Table, k.Port.Now())

	caller := k.Table.Get(callerIdx)
	outcome := k.dispatch(callerIdx, req)

	if outcome.Fault != nil {
		hint := k.Fault.Force(k.Table, callerIdx, *outcome.Fault)
		next = sched.Next(k.Table, callerIdx, hint)
		k.switchTo(callerIdx, next)
		return Response{Blocked: true}, next
	}

	next = sched.Next(k.Table, callerIdx, outcome.Hint)
	k.switchTo(callerIdx, next)

	blocked := caller.Health != task.Healthy || caller.Sched == task.InSend || caller.Sched == task.InReply || caller.Sched == task.InRecv
	if blocked {
		return Response{Blocked: true}, next
	}
	return Response{Ret: caller.Ret}, next
}

// switchTo installs next as the running task, reprogramming the MPU for it
// whenever the task actually changes (spec.md §1(a), §2, §4.8: isolation is
// the kernel's first job, and C8's post-condition is "MPU programmed for
// whichever task now runs"). Re-entering the same task needs no reprogram.
func (k *Kernel) switchTo(previous, next int) {
	k.Port.SetCurrentTask(next)
	if next != previous {
		k.Port.ApplyMemoryProtection(k.Table.Get(next).Descriptor)
	}
}

func (k *Kernel) dispatch(callerIdx int, req Request) ipc.Outcome {
	caller := k.Table.Get(callerIdx)

	switch req.Number {
	case NumSend:
		if req.Send.Callee == task.Kernel {
			return k.kernelSend(callerIdx, req.Send)
		}
		return ipc.Send(k.Table, k.Mem, callerIdx, req.Send)

	case NumRecv:
		return ipc.Recv(k.Table, k.Mem, callerIdx, req.Recv)

	case NumReply:
		out := ipc.Reply(k.Table, k.Mem, callerIdx, req.Reply)
		if out.Fault == nil {
			caller.Ret[0] = ipc.RCOk
		}
		return out

	case NumReplyFault:
		out := ipc.ReplyFault(k.Table, callerIdx, req.ReplyFault)
		if out.Fault == nil {
			caller.Ret[0] = ipc.RCOk
		}
		return out

	case NumSetTimer:
		notify.SetTimer(caller, k.Port.Now(), req.Timer.HasDeadline, req.Timer.Deadline, req.Timer.Bits)
		caller.Ret[0] = ipc.RCOk
		return ipc.Outcome{Hint: sched.Same}

	case NumGetTimer:
		now := k.Port.Now()
		caller.Ret = [7]uint32{uint32(now), uint32(now >> 32), b2u(caller.Timer.HasDeadline),
			uint32(caller.Timer.Deadline), uint32(caller.Timer.Deadline >> 32), caller.Timer.FireBits}
		return ipc.Outcome{Hint: sched.Same}

	case NumBorrowRead:
		rc, n, out := ipc.BorrowRead(k.Table, k.Mem, callerIdx, req.Lender, req.BorrowIdx, req.Offset, req.Buf)
		if out.Fault == nil {
			caller.Ret = [7]uint32{rc, n}
		}
		return out

	case NumBorrowWrite:
		rc, n, out := ipc.BorrowWrite(k.Table, k.Mem, callerIdx, req.Lender, req.BorrowIdx, req.Offset, req.Buf)
		if out.Fault == nil {
			caller.Ret = [7]uint32{rc, n}
		}
		return out

	case NumBorrowInfo:
		rc, attrs, length, out := ipc.BorrowInfo(k.Table, k.Mem, callerIdx, req.Lender, req.BorrowIdx)
		if out.Fault == nil {
			caller.Ret = [7]uint32{rc, uint32(attrs), length}
		}
		return out

	case NumIRQControl:
		return k.irqControl(callerIdx, req.IRQ)

	case NumIRQStatus:
		caller.Ret[0] = k.irqStatus(callerIdx, req.IRQ.Mask)
		return ipc.Outcome{Hint: sched.Same}

	case NumRefreshTaskID:
		idx := req.RefreshOf.Index()
		if idx < 0 || idx >= k.Table.Len() {
			return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.TaskOutOfRange}}
		}
		caller.Ret[0] = uint32(k.Table.IDOf(idx))
		return ipc.Outcome{Hint: sched.Same}

	case NumPost:
		return k.post(callerIdx, req.Post)

	case NumPanic:
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultPanic}}

	default:
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.BadSyscallNumber}}
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// kernelSend routes a SEND addressed to task.Kernel to the kernel-IPC
// handler (restart-task, read-task-status, fault-task; SPEC_FULL.md §3)
// instead of the ordinary rendezvous path, decoding the request body out of
// the caller's message buffer the same way a real server would.
func (k *Kernel) kernelSend(callerIdx int, a ipc.SendArgs) ipc.Outcome {
	caller := k.Table.Get(callerIdx)
	if !memvalid.CanAccessRef(a.Msg, caller.Descriptor, task.Read) {
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.InvalidSlice}}
	}
	b := k.Mem.Bytes()
	if a.Msg.Len < 6 || int(a.Msg.Base)+6 > len(b) {
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.InvalidSlice}}
	}
	target := task.ID(uint16(b[a.Msg.Base]) | uint16(b[a.Msg.Base+1])<<8)
	reason := uint32(b[a.Msg.Base+2]) | uint32(b[a.Msg.Base+3])<<8 | uint32(b[a.Msg.Base+4])<<16 | uint32(b[a.Msg.Base+5])<<24

	req := kernelipc.Request{Op: kernelipc.Op(a.Op), Target: target, Reason: reason}
	rc, status, out := kernelipc.Handle(k.Table, k.Fault, k.Port, callerIdx, req)
	if out.Fault != nil {
		return out
	}
	caller.Ret = [7]uint32{rc, uint32(status.Health), uint32(status.Sched), uint32(status.Generation), uint32(status.FaultKind)}
	return out
}

// irqControl implements IRQ_CONTROL (spec.md §6.1 row 7): enable or disable
// every IRQ line mapped to a notification bit set in mask. A mask touching
// no configured IRQ is a NoIrq usage fault.
func (k *Kernel) irqControl(callerIdx int, a IRQArgs) ipc.Outcome {
	caller := k.Table.Get(callerIdx)
	touched := false
	for _, e := range k.Port.IRQTable() {
		if e.Task != callerIdx || e.Bit&a.Mask == 0 {
			continue
		}
		touched = true
		if a.Enable {
			k.Port.EnableIRQ(e.IRQNumber)
		} else {
			k.Port.DisableIRQ(e.IRQNumber)
		}
	}
	if !touched {
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.NoIrq}}
	}
	caller.Ret[0] = ipc.RCOk
	return ipc.Outcome{Hint: sched.Same}
}

// irqStatus implements IRQ_STATUS: reports which bits in mask currently
// correspond to an enabled IRQ line owned by the caller. A bit mapped only
// to another task's IRQ lines always reads as disabled.
func (k *Kernel) irqStatus(callerIdx int, mask uint32) uint32 {
	var status uint32
	for _, e := range k.Port.IRQTable() {
		if e.Task == callerIdx && e.Bit&mask != 0 && k.Port.IRQEnabled(e.IRQNumber) {
			status |= e.Bit
		}
	}
	return status
}

// post implements POST (spec.md §6.1 row 11): a direct kernel-mediated
// notification send, used by servers to wake clients without a full
// SEND/RECV/REPLY round trip.
func (k *Kernel) post(callerIdx int, a PostArgs) ipc.Outcome {
	caller := k.Table.Get(callerIdx)
	idx, ue, rangeOK := k.Table.CheckID(a.Target)
	if !rangeOK {
		return ipc.Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.TaskOutOfRange}}
	}
	if ue.Stale {
		caller.Ret[0] = ipc.StaleResponseCode(ue.LiveID.Generation())
		return ipc.Outcome{Hint: sched.Same}
	}
	target := k.Table.Get(idx)
	hint := sched.Same
	if notify.Post(target, a.Bits) {
		hint = sched.Specific(idx)
	}
	caller.Ret[0] = ipc.RCOk
	return ipc.Outcome{Hint: hint}
}

// RouteIRQ delivers a hardware interrupt firing to whatever task the
// build-time IRQ table maps it to. Unlike Enter, this runs from interrupt
// context on a real port — it can preempt Enter mid-dispatch on another
// core's trap, or even the same core between instructions — so it takes
// the table through Port.WithTaskTable rather than touching k.Table
// directly, matching arch.Port's documented "exclude kernel re-entry for
// the duration" contract (the host simulator holds its mutex for the
// duration of f; a real port serializes this against Enter by masking the
// matching interrupt). f makes no other Port calls, so the current task is
// read before it and the switch is made after it.
func (k *Kernel) RouteIRQ(irqNum int) (taskIndex int, delivered bool, found bool) {
	entries := make([]notify.IRQLookup, len(k.Port.IRQTable()))
	for i, e := range k.Port.IRQTable() {
		entries[i] = notify.IRQLookup{IRQNumber: e.IRQNumber, Task: e.Task, Bit: e.Bit}
	}
	previous := k.Port.CurrentTask()
	next := previous
	k.Port.WithTaskTable(func(tbl *task.Table) {
		idx, del, fnd := notify.RouteIRQ(tbl, entries, irqNum)
		taskIndex, delivered, found = idx, del, fnd
		if delivered {
			next = sched.Next(tbl, previous, sched.Specific(idx))
		}
	})
	if delivered {
		k.switchTo(previous, next)
	}
	return taskIndex, delivered, found
}
