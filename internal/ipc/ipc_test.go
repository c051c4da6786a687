package ipc

import (
	"testing"

	"github.com/oxidecomputer/hubris-sub001/internal/memvalid"
	"github.com/oxidecomputer/hubris-sub001/internal/sched"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// fakeMemory is a plain-slice stand-in for the simulator's mmap'd arena,
// sufficient for exercising safe-copy without a real Port.
type fakeMemory struct{ b []byte }

func (m *fakeMemory) Bytes() []byte { return m.b }

func newMem() *fakeMemory { return &fakeMemory{b: make([]byte, 4096)} }

// rwDescriptor gives the task one big Read|Write region covering the whole
// fake arena, enough for these tests' purposes.
func rwDescriptor(name string) *task.Descriptor {
	d := &task.Descriptor{Name: name, StartAtBoot: true}
	d.Regions[0] = task.Region{Base: 0, Len: 4096, Attrs: task.Read | task.Write}
	return d
}

func newTwoTaskTable() *task.Table {
	return task.NewTable([]*task.Descriptor{rwDescriptor("a"), rwDescriptor("b")})
}

func TestSendRecvReplyRoundTrip(t *testing.T) {
	tbl := newTwoTaskTable()
	mem := newMem()
	copy(mem.b[0:4], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	recvOut := Recv(tbl, mem, 1, RecvArgs{Buf: memvalid.Slice{Base: 200, Len: 4}})
	if recvOut.Hint != sched.Other {
		t.Fatalf("open RECV with nobody waiting should block, got %+v", recvOut)
	}

	sendOut := Send(tbl, mem, 0, SendArgs{
		Callee: tbl.IDOf(1), Op: 1,
		Msg: memvalid.Slice{Base: 0, Len: 4},
		Rsp: memvalid.Slice{Base: 100, Len: 4},
	})
	if sendOut.Fault != nil {
		t.Fatalf("SEND faulted unexpectedly: %+v", sendOut.Fault)
	}
	if sendOut.Hint != sched.Specific(1) {
		t.Fatalf("SEND to a waiting RECV should deliver immediately to task 1, got %+v", sendOut.Hint)
	}

	b := tbl.Get(1)
	if b.Sched != task.Runnable {
		t.Fatalf("receiver should be Runnable after delivery")
	}
	if got := mem.b[200:204]; string(got) != "\xDE\xAD\xBE\xEF" {
		t.Fatalf("message bytes not delivered unchanged: % x", got)
	}
	if b.Ret[2] != 1 || b.Ret[3] != 4 {
		t.Fatalf("receiver's RECV return values wrong: %v", b.Ret)
	}

	a := tbl.Get(0)
	if a.Sched != task.InReply {
		t.Fatalf("sender should be parked InReply awaiting the callee's REPLY")
	}

	copy(mem.b[300:304], []byte{0x21, 0xFE, 0x41, 0x10})
	replyOut := Reply(tbl, mem, 1, ReplyArgs{Callee: tbl.IDOf(0), RC: 0, Msg: memvalid.Slice{Base: 300, Len: 4}})
	if replyOut.Fault != nil {
		t.Fatalf("REPLY faulted unexpectedly: %+v", replyOut.Fault)
	}
	if a.Sched != task.Runnable {
		t.Fatalf("sender should become Runnable after REPLY")
	}
	if got := mem.b[100:104]; string(got) != "\x21\xFE\x41\x10" {
		t.Fatalf("reply bytes not delivered unchanged: % x", got)
	}
	if a.Ret[0] != RCOk || a.Ret[1] != 4 {
		t.Fatalf("sender's final Ret wrong: %v", a.Ret)
	}
}

func TestSendStaleIDReturnsRecoverableCode(t *testing.T) {
	tbl := newTwoTaskTable()
	mem := newMem()
	staleID := tbl.IDOf(1)
	tbl.Restart(1, nil) // live generation is now 1; staleID still holds 0

	out := Send(tbl, mem, 0, SendArgs{Callee: staleID, Op: 1})
	if out.Fault != nil {
		t.Fatalf("a stale id must be recoverable, not a fault: %+v", out.Fault)
	}
	rc := tbl.Get(0).Ret[0]
	gen, ok := IsStale(rc)
	if !ok || gen != 1 {
		t.Fatalf("expected stale response encoding generation 1, got rc=0x%x", rc)
	}
}

func TestBorrowReadClipping(t *testing.T) {
	tbl := newTwoTaskTable()
	mem := newMem()
	copy(mem.b[0:5], "hello")
	lender := tbl.Get(0)
	lender.Sched = task.InReply
	lender.Reply = task.ReplyState{Peer: tbl.IDOf(1)}
	lender.Leases = []task.Lease{{Attrs: task.Read, Base: 0, Len: 5}}

	rc, n, out := BorrowRead(tbl, mem, 1, tbl.IDOf(0), 0, 2, memvalid.Slice{Base: 100, Len: 3})
	if out.Fault != nil || rc != RCOk {
		t.Fatalf("clipped in-range read should succeed, got rc=%d out=%+v", rc, out)
	}
	if got := string(mem.b[100 : 100+n]); got != "llo" {
		t.Fatalf("expected \"llo\", got %q", got)
	}

	_, _, out = BorrowRead(tbl, mem, 1, tbl.IDOf(0), 0, 6, memvalid.Slice{Base: 200, Len: 1})
	if out.Fault == nil || out.Fault.Usage != task.OffsetOutOfRange {
		t.Fatalf("offset past lease length should fault OffsetOutOfRange, got %+v", out.Fault)
	}
}

func TestBorrowZeroLeaseTableIsDefect(t *testing.T) {
	tbl := newTwoTaskTable()
	mem := newMem()
	lender := tbl.Get(0)
	lender.Sched = task.InReply
	lender.Reply = task.ReplyState{Peer: tbl.IDOf(1)}
	// Leases is nil: a zero-length lease table.

	rc, _, _, out := BorrowInfo(tbl, mem, 1, tbl.IDOf(0), 0)
	if out.Fault != nil {
		t.Fatalf("a defect is recoverable, not a fault: %+v", out.Fault)
	}
	if rc != RCDefect {
		t.Fatalf("BORROW_INFO against an empty lease table should return RCDefect, got %d", rc)
	}
}

func TestSafeCopyClipsToShorterSide(t *testing.T) {
	tbl := newTwoTaskTable()
	mem := newMem()
	copy(mem.b[0:8], "abcdefgh")
	n, ok, faultSrc := SafeCopy(tbl, mem, 0, memvalid.Slice{Base: 0, Len: 8}, 1, memvalid.Slice{Base: 100, Len: 3})
	if !ok || faultSrc {
		t.Fatalf("copy should succeed, ok=%v faultSrc=%v", ok, faultSrc)
	}
	if n != 3 {
		t.Fatalf("copy should clip to the shorter destination, got n=%d", n)
	}
	if got := string(mem.b[100:103]); got != "abc" {
		t.Fatalf("expected clipped prefix \"abc\", got %q", got)
	}
}
