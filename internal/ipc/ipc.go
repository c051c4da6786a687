// Package ipc implements the synchronous SEND/RECV/REPLY/REPLY_FAULT
// rendezvous, zero-copy safe-copy, and the borrow protocol of spec.md §4.6
// (C6) — the hardest part of the kernel.
//
// Every entry point here acts on the currently-running task's syscall
// directly (it returns values the dispatcher writes straight into that
// task's registers) and, when it unblocks some *other* task, writes that
// task's pending return values into task.Record.Ret instead: that task's
// own syscall already suspended the CPU, so its "return" is whatever the
// arch port loads from Ret the next time it is dispatched.
package ipc

import (
	"encoding/binary"

	"github.com/oxidecomputer/hubris-sub001/internal/memvalid"
	"github.com/oxidecomputer/hubris-sub001/internal/sched"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// Memory is the raw backing store safe-copy reads and writes through, once
// memvalid has already bounded the access to a single region. It is
// satisfied by *internal/arch/simhw.Sim (its Bytes method) on the host simulator; a
// real port would back it with the same physical map the MPU describes.
type Memory interface {
	Bytes() []byte
}

// Result codes for retN slot 0.
const (
	RCOk     uint32 = 0
	RCDefect uint32 = 0xFFFFFF02 // lender not in expected state: protocol bug, not a fault
	staleTag uint32 = 0xFFFFFF00
)

// StaleResponseCode encodes spec.md §8 scenario S2: 0xFFFFFF00 | live gen.
func StaleResponseCode(liveGen uint8) uint32 {
	return staleTag | uint32(liveGen)
}

// IsStale reports whether rc is a stale-id recoverable response and, if
// so, the live generation it encodes.
func IsStale(rc uint32) (gen uint8, ok bool) {
	if rc&0xFFFFFF00 == staleTag {
		return uint8(rc & 0xFF), true
	}
	return 0, false
}

// Outcome is what the dispatcher needs after any IPC entry point: the
// scheduling hint, and, if Fault is non-nil, the caller must be faulted
// with *Fault instead of having its normal return values honored.
type Outcome struct {
	Hint  sched.Hint
	Fault *task.FaultInfo
}

func usageFault(k task.UsageKind) Outcome {
	return Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: k}}
}

// LeaseEncodedSize is the wire size of one task.Lease entry in a sender's
// lease-table slice: 1 byte attrs + 3 pad + 4 byte base + 4 byte length.
const LeaseEncodedSize = 12

func decodeLeases(mem Memory, s memvalid.Slice) []task.Lease {
	if s.Len == 0 {
		return nil
	}
	n := int(s.Len) / LeaseEncodedSize
	if n == 0 {
		return nil
	}
	b := mem.Bytes()
	out := make([]task.Lease, 0, n)
	for i := 0; i < n; i++ {
		off := int(s.Base) + i*LeaseEncodedSize
		if off+LeaseEncodedSize > len(b) {
			break
		}
		attrs := task.Attr(b[off])
		base := binary.LittleEndian.Uint32(b[off+4:])
		ln := binary.LittleEndian.Uint32(b[off+8:])
		out = append(out, task.Lease{Attrs: attrs, Base: base, Len: ln})
	}
	return out
}

// SafeCopy transfers min(src.Len, dst.Len) bytes from srcIdx's memory to
// dstIdx's memory, each end validated against its own regions (spec.md
// §4.6.4). It uses CanAccessRaw, not CanAccessRef: the copy below indexes
// mem.Bytes() directly in one statement and never holds a Go slice or
// pointer into either end beyond it, exactly the "raw pointer copy" spec.md
// §9 requires for DMA memory instead of an aliased reference.
func SafeCopy(tbl *task.Table, mem Memory, srcIdx int, src memvalid.Slice, dstIdx int, dst memvalid.Slice) (copied uint32, ok bool, faultSrc bool) {
	srcDesc := tbl.Get(srcIdx).Descriptor
	dstDesc := tbl.Get(dstIdx).Descriptor
	if !memvalid.CanAccessRaw(src, srcDesc, task.Read) {
		return 0, false, true
	}
	if !memvalid.CanAccessRaw(dst, dstDesc, task.Write) {
		return 0, false, false
	}
	n := src.Len
	if dst.Len < n {
		n = dst.Len
	}
	if n > 0 {
		b := mem.Bytes()
		copy(b[dst.Base:dst.Base+n], b[src.Base:src.Base+n])
	}
	return n, true, false
}

// ---- SEND ----

// SendArgs mirrors the SEND syscall's argument slots (spec.md §4.6.1).
type SendArgs struct {
	Callee   task.ID
	Op       uint16
	Msg      memvalid.Slice
	Rsp      memvalid.Slice
	LeaseTab memvalid.Slice
}

// Send implements spec.md §4.6.2. The dispatcher must route Callee ==
// task.Kernel to the kernel-IPC handler before calling Send; Send only
// ever targets a regular task.
func Send(tbl *task.Table, mem Memory, callerIdx int, a SendArgs) Outcome {
	caller := tbl.Get(callerIdx)
	d := caller.Descriptor

	if !memvalid.CanAccessRef(a.Msg, d, task.Read) {
		return usageFault(task.InvalidSlice)
	}
	if !memvalid.CanAccessRef(a.Rsp, d, task.Write) {
		return usageFault(task.InvalidSlice)
	}
	if !memvalid.CanAccessRef(a.LeaseTab, d, task.Read) {
		return usageFault(task.InvalidSlice)
	}

	calleeIdx, ue, rangeOK := tbl.CheckID(a.Callee)
	if !rangeOK {
		return usageFault(task.TaskOutOfRange)
	}
	if ue.Stale {
		caller.Ret[0] = StaleResponseCode(ue.LiveID.Generation())
		return Outcome{Hint: sched.Same}
	}

	callee := tbl.Get(calleeIdx)
	if acceptsFrom(callee, callerIdx) {
		return sendDeliver(tbl, mem, callerIdx, calleeIdx, a)
	}

	blockInSend(caller, a)
	return Outcome{Hint: sched.Other}
}

// blockInSend suspends caller on SEND, recording a's arguments so a later
// matching RECV (or a retried delivery after the callee restarts) can find
// everything it needs without the caller re-issuing the syscall.
func blockInSend(caller *task.Record, a SendArgs) {
	caller.Sched = task.InSend
	caller.Send = task.SendState{
		Callee: a.Callee, Op: a.Op,
		MsgBase: a.Msg.Base, MsgLen: a.Msg.Len,
		RspBase: a.Rsp.Base, RspLen: a.Rsp.Len,
		LeaseBase: a.LeaseTab.Base, LeaseLen: a.LeaseTab.Len,
	}
}

func acceptsFrom(callee *task.Record, callerIdx int) bool {
	if callee.Health != task.Healthy || callee.Sched != task.InRecv {
		return false
	}
	if !callee.Recv.HasSpecific {
		return true
	}
	return callee.Recv.SpecificSender.Index() == callerIdx
}

// sendDeliver performs the immediate rendezvous: copy the message into the
// receiver's buffer, stash lease/op metadata, write the receiver's RECV
// return values into its Ret, and donate the remainder of the caller's
// time slice per spec.md §4.6.2 step 3.
func sendDeliver(tbl *task.Table, mem Memory, callerIdx, calleeIdx int, a SendArgs) Outcome {
	caller := tbl.Get(callerIdx)
	callee := tbl.Get(calleeIdx)

	n, ok, faultSrc := SafeCopy(tbl, mem, callerIdx, a.Msg, calleeIdx, memvalid.Slice{Base: callee.Recv.BufBase, Len: callee.Recv.BufLen})
	if !ok {
		if faultSrc {
			return Outcome{Fault: &task.FaultInfo{Kind: task.FaultMemoryAccess, Address: a.Msg.Base, Source: task.SourceKernel}}
		}
		// Receiver's buffer was bad: fault the receiver, and the caller's
		// SEND genuinely keeps blocking rather than returning as if
		// delivered — re-enter InSend exactly as an open-receive miss
		// would have (above), so a fresh RECV from callee, post-restart,
		// retries delivery from scratch.
		blockInSend(caller, a)
		hint := faultOther(tbl, calleeIdx, task.FaultInfo{Kind: task.FaultMemoryAccess, Address: callee.Recv.BufBase, Source: task.SourceKernel})
		return Outcome{Hint: sched.Combine(sched.Other, hint)}
	}

	leases := decodeLeases(mem, a.LeaseTab)
	caller.Sched = task.InReply
	caller.Reply = task.ReplyState{Peer: tbl.IDOf(calleeIdx), RspBase: a.Rsp.Base, RspLen: a.Rsp.Len}
	caller.Leases = leases

	callee.Sched = task.Runnable
	// rsp_cap reports the capacity of the *sender's* response buffer
	// (spec.md §4.6.2; original_source/sys/kern/src/syscalls.rs sets
	// response_capacity from send_args.response().len(), not the
	// receiver's own buffer length).
	callee.Ret = [7]uint32{0, uint32(tbl.IDOf(callerIdx)), uint32(a.Op), n, a.Rsp.Len, uint32(len(leases))}
	callee.Recv = task.RecvState{}

	return Outcome{Hint: sched.Specific(calleeIdx)}
}

// faultOther forces a fault on some task that is not the syscall's caller,
// returning the Other-scan hint such a fault produces; used where a
// caller-side Outcome.Fault (which the dispatcher applies to the caller)
// would be the wrong target.
func faultOther(tbl *task.Table, idx int, f task.FaultInfo) sched.Hint {
	r := tbl.Get(idx)
	if r.Health == task.Healthy {
		r.OriginalSched = r.Sched
		r.Health = task.Faulted
	}
	r.Fault = f
	return sched.Other
}

// ---- RECV ----

// RecvArgs mirrors the RECV syscall's argument slots.
type RecvArgs struct {
	Buf            memvalid.Slice
	Mask           uint32
	HasSpecific    bool
	SpecificSender task.ID
}

// Recv implements spec.md §4.6.3. On immediate satisfaction it writes the
// caller's own Ret (the dispatcher reads it back the normal way); when it
// must block, it returns Outcome{Hint: sched.Other} having parked the
// caller in InRecv.
func Recv(tbl *task.Table, mem Memory, callerIdx int, a RecvArgs) Outcome {
	caller := tbl.Get(callerIdx)
	d := caller.Descriptor

	if !memvalid.CanAccessRef(a.Buf, d, task.Write) {
		return usageFault(task.InvalidSlice)
	}

	// Step 1: pending notifications matching mask win immediately. A
	// notification carries no response buffer, so rsp_cap is 0 (spec.md
	// §4.6.3; ground truth: original_source/test/test-suite/src/main.rs
	// asserts response_capacity == 0 for notification messages).
	if matched := caller.Notifications & a.Mask; matched != 0 {
		caller.Notifications &^= matched
		caller.Ret = [7]uint32{0, uint32(task.Kernel), matched, 0, 0, 0}
		return Outcome{Hint: sched.Same}
	}

	if a.HasSpecific && a.SpecificSender == task.Kernel {
		caller.Sched = task.InRecv
		caller.Recv = task.RecvState{Mask: a.Mask, HasSpecific: true, SpecificSender: task.Kernel, BufBase: a.Buf.Base, BufLen: a.Buf.Len}
		return Outcome{Hint: sched.Other}
	}

	if a.HasSpecific {
		idx, ue, rangeOK := tbl.CheckID(a.SpecificSender)
		if !rangeOK {
			return usageFault(task.TaskOutOfRange)
		}
		if ue.Stale {
			caller.Ret[0] = StaleResponseCode(ue.LiveID.Generation())
			return Outcome{Hint: sched.Same}
		}
		if sender := tbl.Get(idx); sender.Health == task.Healthy && sender.Sched == task.InSend && sender.Send.Callee.Index() == callerIdx {
			return recvDeliver(tbl, mem, callerIdx, idx, a)
		}
		caller.Sched = task.InRecv
		caller.Recv = task.RecvState{Mask: a.Mask, HasSpecific: true, SpecificSender: a.SpecificSender, BufBase: a.Buf.Base, BufLen: a.Buf.Len}
		return Outcome{Hint: sched.Other}
	}

	// Open receive: priority-scan for any task InSend(caller), preferring
	// the highest priority, then round-robin order.
	n := tbl.Len()
	best := -1
	start := callerIdx
	for off := 1; off <= n; off++ {
		i := (start + off) % n
		s := tbl.Get(i)
		if s.Health != task.Healthy || s.Sched != task.InSend || s.Send.Callee.Index() != callerIdx {
			continue
		}
		if best == -1 || s.Priority < tbl.Get(best).Priority {
			best = i
		}
	}
	for best != -1 {
		outcome, faulted := tryRecvDeliver(tbl, mem, callerIdx, best, a)
		if !faulted {
			return outcome
		}
		// Per-task delivery failure: that sender was just faulted by
		// tryRecvDeliver; resume scanning from just past it. Faults
		// strictly shrink the waiting-sender set, so this terminates.
		next := -1
		for off := 1; off <= n; off++ {
			i := (best + off) % n
			s := tbl.Get(i)
			if s.Health != task.Healthy || s.Sched != task.InSend || s.Send.Callee.Index() != callerIdx {
				continue
			}
			if next == -1 || s.Priority < tbl.Get(next).Priority {
				next = i
			}
		}
		best = next
	}

	caller.Sched = task.InRecv
	caller.Recv = task.RecvState{Mask: a.Mask, HasSpecific: false, BufBase: a.Buf.Base, BufLen: a.Buf.Len}
	return Outcome{Hint: sched.Other}
}

// tryRecvDeliver attempts delivery from sender senderIdx to the currently
// running receiver callerIdx; faulted reports whether the sender was
// faulted (caller should keep scanning) as opposed to a clean delivery.
func tryRecvDeliver(tbl *task.Table, mem Memory, callerIdx, senderIdx int, a RecvArgs) (Outcome, bool) {
	sender := tbl.Get(senderIdx)
	n, ok, faultSrc := SafeCopy(tbl, mem, senderIdx, memvalid.Slice{Base: sender.Send.MsgBase, Len: sender.Send.MsgLen}, callerIdx, a.Buf)
	if !ok {
		if faultSrc {
			faultOther(tbl, senderIdx, task.FaultInfo{Kind: task.FaultMemoryAccess, Address: sender.Send.MsgBase, Source: task.SourceKernel})
			return Outcome{}, true
		}
		// Receiver's own buffer was invalid: fault the receiver (the
		// caller of this very RECV).
		return Outcome{Fault: &task.FaultInfo{Kind: task.FaultMemoryAccess, Address: a.Buf.Base, Source: task.SourceKernel}}, false
	}
	leases := decodeLeases(mem, memvalid.Slice{Base: sender.Send.LeaseBase, Len: sender.Send.LeaseLen})
	sender.Sched = task.InReply
	sender.Reply = task.ReplyState{Peer: tbl.IDOf(callerIdx), RspBase: sender.Send.RspBase, RspLen: sender.Send.RspLen}
	sender.Leases = leases
	caller := tbl.Get(callerIdx)
	// rsp_cap is the sender's own response-buffer capacity, stashed in
	// Send.RspLen at SEND time, not this RECV's receive-buffer length.
	caller.Ret = [7]uint32{0, uint32(tbl.IDOf(senderIdx)), uint32(sender.Send.Op), n, sender.Send.RspLen, uint32(len(leases))}
	caller.Recv = task.RecvState{}
	sender.Send = task.SendState{}
	return Outcome{Hint: sched.Same}, false
}

func recvDeliver(tbl *task.Table, mem Memory, callerIdx, senderIdx int, a RecvArgs) Outcome {
	out, faulted := tryRecvDeliver(tbl, mem, callerIdx, senderIdx, a)
	if faulted {
		// Sender was faulted; caller (closed receive on a specific,
		// now-faulted sender) simply blocks as if nothing were ready.
		caller := tbl.Get(callerIdx)
		caller.Sched = task.InRecv
		caller.Recv = task.RecvState{Mask: a.Mask, HasSpecific: true, SpecificSender: a.SpecificSender, BufBase: a.Buf.Base, BufLen: a.Buf.Len}
		return Outcome{Hint: sched.Other}
	}
	return out
}

// ---- REPLY ----

// ReplyArgs mirrors the REPLY syscall's argument slots.
type ReplyArgs struct {
	Callee task.ID
	RC     uint32
	Msg    memvalid.Slice
}

// Reply implements spec.md §4.6.5. Non-blocking: returns Hint=Same, except
// when the callee is faulted for a bad response buffer (the combined hint is
// then Other) or the caller itself is faulted.
func Reply(tbl *task.Table, mem Memory, callerIdx int, a ReplyArgs) Outcome {
	caller := tbl.Get(callerIdx)
	idx, ue, rangeOK := tbl.CheckID(a.Callee)
	if !rangeOK {
		return usageFault(task.TaskOutOfRange)
	}
	if ue.Stale {
		// Reply to a restarted task: recoverable success, no action.
		return Outcome{Hint: sched.Same}
	}
	callee := tbl.Get(idx)
	if callee.Health != task.Healthy || callee.Sched != task.InReply || callee.Reply.Peer.Index() != callerIdx {
		return Outcome{Hint: sched.Same} // no-op per spec.md §4.6.5 step 2
	}
	if !memvalid.CanAccessRef(a.Msg, caller.Descriptor, task.Read) {
		return usageFault(task.InvalidSlice)
	}
	n, ok, faultSrc := SafeCopy(tbl, mem, callerIdx, a.Msg, idx, memvalid.Slice{Base: callee.Reply.RspBase, Len: callee.Reply.RspLen})
	if !ok {
		if faultSrc {
			return usageFault(task.InvalidSlice)
		}
		// The replier (caller) itself continues normally (Same); combine
		// that with the callee's own fault hint per spec.md §4.4's
		// combine(a,b) instead of discarding one side.
		hint := faultOther(tbl, idx, task.FaultInfo{Kind: task.FaultMemoryAccess, Address: callee.Reply.RspBase, Source: task.SourceKernel})
		return Outcome{Hint: sched.Combine(sched.Same, hint)}
	}
	callee.Ret = [7]uint32{a.RC, n}
	callee.Sched = task.Runnable
	callee.Reply = task.ReplyState{}
	callee.Leases = nil
	return Outcome{Hint: sched.Same}
}

// ---- REPLY_FAULT ----

// ReplyFaultArgs mirrors the REPLY_FAULT syscall's argument slots.
type ReplyFaultArgs struct {
	Callee task.ID
	Reason uint32
}

// ReplyFault implements spec.md §4.6.6.
func ReplyFault(tbl *task.Table, callerIdx int, a ReplyFaultArgs) Outcome {
	idx, ue, rangeOK := tbl.CheckID(a.Callee)
	if !rangeOK {
		return usageFault(task.TaskOutOfRange)
	}
	if ue.Stale {
		return Outcome{Hint: sched.Same}
	}
	callee := tbl.Get(idx)
	if callee.Health != task.Healthy || callee.Sched != task.InReply || callee.Reply.Peer.Index() != callerIdx {
		return Outcome{Hint: sched.Same}
	}
	hint := faultOther(tbl, idx, task.FaultInfo{Kind: task.FaultFromServer, ServerID: tbl.IDOf(callerIdx), Reason: a.Reason})
	return Outcome{Hint: hint}
}

// ---- Borrow protocol ----

// BorrowInfo implements BORROW_INFO (spec.md §4.6.7). rc is RCOk, RCDefect,
// or unused (0) when outcome.Fault is set.
func BorrowInfo(tbl *task.Table, mem Memory, borrowerIdx int, lenderID task.ID, leaseIdx uint32) (rc uint32, attrs task.Attr, length uint32, outcome Outcome) {
	lender, _, status, out := resolveLenderIdx(tbl, borrowerIdx, lenderID)
	if status == lenderFault {
		return 0, 0, 0, out
	}
	if status == lenderDefect {
		return RCDefect, 0, 0, Outcome{Hint: sched.Same}
	}
	if int(leaseIdx) >= len(lender.Leases) {
		return 0, 0, 0, Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.LeaseOutOfRange}}
	}
	l := lender.Leases[leaseIdx]
	return RCOk, l.Attrs, l.Len, Outcome{Hint: sched.Same}
}

// BorrowRead implements BORROW_READ: copies lender.lease[idx][offset:] into
// dst, requiring lease attribute Read.
func BorrowRead(tbl *task.Table, mem Memory, borrowerIdx int, lenderID task.ID, leaseIdx, offset uint32, dst memvalid.Slice) (rc, copied uint32, outcome Outcome) {
	return borrowCopy(tbl, mem, borrowerIdx, lenderID, leaseIdx, offset, dst, task.Read, true)
}

// BorrowWrite implements BORROW_WRITE: copies src into
// lender.lease[idx][offset:], requiring lease attribute Write.
func BorrowWrite(tbl *task.Table, mem Memory, borrowerIdx int, lenderID task.ID, leaseIdx, offset uint32, src memvalid.Slice) (rc, copied uint32, outcome Outcome) {
	return borrowCopy(tbl, mem, borrowerIdx, lenderID, leaseIdx, offset, src, task.Write, false)
}

func borrowCopy(tbl *task.Table, mem Memory, borrowerIdx int, lenderID task.ID, leaseIdx, offset uint32, local memvalid.Slice, need task.Attr, read bool) (uint32, uint32, Outcome) {
	lender, lenderIdx, status, out := resolveLenderIdx(tbl, borrowerIdx, lenderID)
	if status == lenderFault {
		return 0, 0, out
	}
	if status == lenderDefect {
		return RCDefect, 0, Outcome{Hint: sched.Same}
	}
	if int(leaseIdx) >= len(lender.Leases) {
		return 0, 0, Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.LeaseOutOfRange}}
	}
	lease := lender.Leases[leaseIdx]
	if !lease.Attrs.Has(need) {
		return 0, 0, Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.LeaseOutOfRange}}
	}
	if offset > lease.Len {
		return 0, 0, Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.OffsetOutOfRange}}
	}
	leaseWindow := memvalid.Slice{Base: lease.Base + offset, Len: lease.Len - offset}

	borrower := tbl.Get(borrowerIdx)
	if read {
		if !memvalid.CanAccessRef(local, borrower.Descriptor, task.Write) {
			return 0, 0, usageFault(task.InvalidSlice)
		}
		n, ok, faultSrc := SafeCopy(tbl, mem, lenderIdx, leaseWindow, borrowerIdx, local)
		if !ok {
			if faultSrc {
				// The borrower's own call still succeeds (Same); combine
				// with the lender's fault hint per spec.md §4.4.
				hint := faultOther(tbl, lenderIdx, task.FaultInfo{Kind: task.FaultMemoryAccess, Address: lease.Base, Source: task.SourceKernel})
				return RCOk, 0, Outcome{Hint: sched.Combine(sched.Same, hint)}
			}
			return 0, 0, usageFault(task.InvalidSlice)
		}
		return RCOk, n, Outcome{Hint: sched.Same}
	}
	if !memvalid.CanAccessRef(local, borrower.Descriptor, task.Read) {
		return 0, 0, usageFault(task.InvalidSlice)
	}
	n, ok, faultSrc := SafeCopy(tbl, mem, borrowerIdx, local, lenderIdx, leaseWindow)
	if !ok {
		if faultSrc {
			return 0, 0, usageFault(task.InvalidSlice)
		}
		// The borrower's own call still succeeds (Same); combine with the
		// lender's fault hint per spec.md §4.4.
		hint := faultOther(tbl, lenderIdx, task.FaultInfo{Kind: task.FaultMemoryAccess, Address: lease.Base, Source: task.SourceKernel})
		return RCOk, 0, Outcome{Hint: sched.Combine(sched.Same, hint)}
	}
	return RCOk, n, Outcome{Hint: sched.Same}
}

// lenderStatus is the tri-state result of resolving a BORROW_* lender:
// usable, in the wrong state (defect — a lender protocol bug, not a
// fault), or an outright invalid TaskId (a caller usage fault).
type lenderStatus uint8

const (
	lenderOK lenderStatus = iota
	lenderDefect
	lenderFault
)

// resolveLenderIdx validates the lender is in InReply(borrower), per
// spec.md §4.6.7; a lender with an empty lease table is reported as a
// defect as well. It does not separately check that the lender's lease
// table is readable: Send validated that slice as Read via CanAccessRef
// before the lender either delivered or blocked, and sendDeliver and
// tryRecvDeliver both decode from that validated slice, so a lender
// reaching InReply always has an already-decoded Leases slice.
func resolveLenderIdx(tbl *task.Table, borrowerIdx int, lenderID task.ID) (*task.Record, int, lenderStatus, Outcome) {
	idx, ue, rangeOK := tbl.CheckID(lenderID)
	if !rangeOK {
		return nil, 0, lenderFault, Outcome{Fault: &task.FaultInfo{Kind: task.FaultSyscallUsage, Usage: task.IllegalTask}}
	}
	if ue.Stale {
		return nil, 0, lenderDefect, Outcome{}
	}
	lender := tbl.Get(idx)
	if lender.Health != task.Healthy || lender.Sched != task.InReply || lender.Reply.Peer.Index() != borrowerIdx {
		return nil, 0, lenderDefect, Outcome{}
	}
	if len(lender.Leases) == 0 {
		return nil, 0, lenderDefect, Outcome{}
	}
	return lender, idx, lenderOK, Outcome{}
}
