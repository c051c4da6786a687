package dispatch

import (
	"testing"

	"github.com/oxidecomputer/hubris-sub001/internal/arch"
	"github.com/oxidecomputer/hubris-sub001/internal/fault"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc/kernelipc"
	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/memvalid"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// fakePort is a minimal arch.Port for exercising dispatch without a real
// mmap'd arena or NVIC.
type fakePort struct {
	tbl           *task.Table
	current       int
	now           uint64
	irqs          []arch.IRQEntry
	enabled       map[int]bool
	mpuProgrammed []*task.Descriptor
}

func newFakePort(tbl *task.Table, irqs []arch.IRQEntry) *fakePort {
	return &fakePort{tbl: tbl, irqs: irqs, enabled: make(map[int]bool)}
}

func (p *fakePort) Now() uint64 { return p.now }
func (p *fakePort) ApplyMemoryProtection(d *task.Descriptor) {
	p.mpuProgrammed = append(p.mpuProgrammed, d)
}
func (p *fakePort) SetCurrentTask(i int)                   { p.current = i }
func (p *fakePort) CurrentTask() int                       { return p.current }
func (p *fakePort) WithTaskTable(f func(*task.Table))      { f(p.tbl) }
func (p *fakePort) IRQTable() []arch.IRQEntry              { return p.irqs }
func (p *fakePort) EnableIRQ(n int)                        { p.enabled[n] = true }
func (p *fakePort) DisableIRQ(n int)                       { p.enabled[n] = false }
func (p *fakePort) IRQEnabled(n int) bool                  { return p.enabled[n] }
func (p *fakePort) Reinitialize(i int, d *task.Descriptor) {}

type fakeMem struct{ b []byte }

func (m *fakeMem) Bytes() []byte { return m.b }

func rwDescriptor(name string, priority uint8) *task.Descriptor {
	d := &task.Descriptor{Name: name, Priority: priority, StartAtBoot: true}
	d.Regions[0] = task.Region{Base: 0, Len: 4096, Attrs: task.Read | task.Write}
	return d
}

func newKernel(t *testing.T) *Kernel {
	t.Helper()
	tbl := task.NewTable([]*task.Descriptor{
		rwDescriptor("supervisor", 0),
		rwDescriptor("a", 1),
		rwDescriptor("b", 2),
	})
	port := newFakePort(tbl, []arch.IRQEntry{{IRQNumber: 17, Task: 1, Bit: 0x10}})
	return &Kernel{
		Table: tbl,
		Port:  port,
		Mem:   &fakeMem{b: make([]byte, 4096)},
		Fault: &fault.Handler{Bit: 0x1, Log: klog.NewDiscard()},
		Log:   klog.NewDiscard(),
	}
}

func TestEnterSendRecvReply(t *testing.T) {
	k := newKernel(t)

	recvResp, next := k.Enter(2, Request{Number: NumRecv, Recv: ipc.RecvArgs{Buf: memvalid.Slice{Base: 200, Len: 4}}})
	if !recvResp.Blocked {
		t.Fatalf("RECV on an empty mailbox must block")
	}
	if next != 0 {
		t.Fatalf("with nobody else runnable, scheduler should pick the supervisor, got %d", next)
	}

	copy(k.Mem.Bytes()[0:4], []byte{1, 2, 3, 4})
	sendResp, next := k.Enter(1, Request{Number: NumSend, Send: ipc.SendArgs{
		Callee: k.Table.IDOf(2), Op: 9,
		Msg: memvalid.Slice{Base: 0, Len: 4},
		Rsp: memvalid.Slice{Base: 50, Len: 4},
	}})
	if !sendResp.Blocked {
		t.Fatalf("SEND must block awaiting REPLY")
	}
	if next != 2 {
		t.Fatalf("immediate delivery should schedule the receiver next, got %d", next)
	}

	copy(k.Mem.Bytes()[300:304], []byte{9, 9, 9, 9})
	replyResp, _ := k.Enter(2, Request{Number: NumReply, Reply: ipc.ReplyArgs{
		Callee: k.Table.IDOf(1), RC: 0, Msg: memvalid.Slice{Base: 300, Len: 4},
	}})
	if replyResp.Blocked {
		t.Fatalf("REPLY must not block")
	}

	a := k.Table.Get(1)
	if a.Ret[0] != ipc.RCOk || a.Ret[1] != 4 {
		t.Fatalf("sender's final Ret wrong: %v", a.Ret)
	}
}

func TestEnterReprogramsMPUOnTaskSwitch(t *testing.T) {
	k := newKernel(t)
	port := k.Port.(*fakePort)

	// RECV on task 2 blocks, and with nobody else runnable the scheduler
	// falls back to the supervisor (task 0) — a real switch, so the MPU
	// must be reprogrammed for it.
	_, next := k.Enter(2, Request{Number: NumRecv, Recv: ipc.RecvArgs{Buf: memvalid.Slice{Base: 200, Len: 4}}})
	if len(port.mpuProgrammed) != 1 || port.mpuProgrammed[0] != k.Table.Get(next).Descriptor {
		t.Fatalf("expected one ApplyMemoryProtection call for the switched-to task, got %v", port.mpuProgrammed)
	}

	// SET_TIMER on the already-current task 0 is not a switch; no further
	// MPU reprogram should occur.
	k.Enter(0, Request{Number: NumSetTimer, Timer: TimerArgs{HasDeadline: false}})
	if len(port.mpuProgrammed) != 1 {
		t.Fatalf("re-entering the same task must not reprogram the MPU, got %v", port.mpuProgrammed)
	}
}

func TestEnterUnknownSyscallFaults(t *testing.T) {
	k := newKernel(t)
	resp, _ := k.Enter(1, Request{Number: Number(200)})
	if !resp.Blocked {
		t.Fatalf("a faulted caller's syscall never returns normally")
	}
	if k.Table.Get(1).Health != task.Faulted {
		t.Fatalf("unknown syscall number must fault the caller")
	}
	if k.Table.Get(1).Fault.Usage != task.BadSyscallNumber {
		t.Fatalf("expected BadSyscallNumber, got %v", k.Table.Get(1).Fault.Usage)
	}
}

func TestEnterRefreshTaskID(t *testing.T) {
	k := newKernel(t)
	k.Table.Restart(2, nil)
	resp, _ := k.Enter(1, Request{Number: NumRefreshTaskID, RefreshOf: task.MakeID(2, 0)})
	if resp.Blocked {
		t.Fatalf("REFRESH_TASK_ID must not block")
	}
	got := task.ID(resp.Ret[0])
	if got.Index() != 2 || got.Generation() != 1 {
		t.Fatalf("expected fresh id for index 2 gen 1, got %s", got)
	}
}

func TestEnterSetAndGetTimer(t *testing.T) {
	k := newKernel(t)
	resp, _ := k.Enter(1, Request{Number: NumSetTimer, Timer: TimerArgs{HasDeadline: true, Deadline: 100, Bits: 0x4}})
	if resp.Blocked || resp.Ret[0] != ipc.RCOk {
		t.Fatalf("SET_TIMER should succeed immediately, got %+v", resp)
	}
	resp, _ = k.Enter(1, Request{Number: NumGetTimer})
	if resp.Ret[2] != 1 || resp.Ret[3] != 100 {
		t.Fatalf("GET_TIMER should report the armed deadline, got %v", resp.Ret)
	}
}

func TestEnterIRQControlAndStatus(t *testing.T) {
	k := newKernel(t)
	resp, _ := k.Enter(1, Request{Number: NumIRQControl, IRQ: IRQArgs{Mask: 0x10, Enable: true}})
	if resp.Blocked || resp.Ret[0] != ipc.RCOk {
		t.Fatalf("IRQ_CONTROL enable should succeed, got %+v", resp)
	}
	resp, _ = k.Enter(1, Request{Number: NumIRQStatus, IRQ: IRQArgs{Mask: 0x10}})
	if resp.Ret[0] != 0x10 {
		t.Fatalf("IRQ_STATUS should report the enabled bit, got 0x%x", resp.Ret[0])
	}

	resp, _ = k.Enter(2, Request{Number: NumIRQControl, IRQ: IRQArgs{Mask: 0x10, Enable: true}})
	if !resp.Blocked {
		t.Fatalf("a caller faulted for a bad IRQ mask never gets a normal syscall return")
	}
	if k.Table.Get(2).Fault.Usage != task.NoIrq {
		t.Fatalf("IRQ_CONTROL for a bit the caller owns no IRQ on must fault NoIrq")
	}
}

func TestEnterPostWakesTarget(t *testing.T) {
	k := newKernel(t)
	k.Enter(2, Request{Number: NumRecv, Recv: ipc.RecvArgs{Mask: 0x8, HasSpecific: true, SpecificSender: task.Kernel}})
	resp, next := k.Enter(1, Request{Number: NumPost, Post: PostArgs{Target: k.Table.IDOf(2), Bits: 0x8}})
	if resp.Blocked || resp.Ret[0] != ipc.RCOk {
		t.Fatalf("POST should succeed immediately, got %+v", resp)
	}
	if next != 2 {
		t.Fatalf("POST should schedule the woken target next, got %d", next)
	}
}

func TestKernelIPCRestartGatedToSupervisor(t *testing.T) {
	k := newKernel(t)
	b := k.Mem.Bytes()
	target := k.Table.IDOf(2)
	b[0], b[1] = byte(target), byte(target>>8)

	resp, _ := k.Enter(1, Request{Number: NumSend, Send: ipc.SendArgs{
		Callee: task.Kernel, Op: uint16(kernelipc.OpRestartTask),
		Msg: memvalid.Slice{Base: 0, Len: 6},
	}})
	if !resp.Blocked {
		t.Fatalf("a faulted caller never gets a normal syscall return")
	}
	if k.Table.Get(1).Fault.Kind != task.FaultInvalidOperation {
		t.Fatalf("expected InvalidOperation fault, got %v", k.Table.Get(1).Fault.Kind)
	}

	k2 := newKernel(t)
	b2 := k2.Mem.Bytes()
	b2[0], b2[1] = byte(target), byte(target>>8)
	genBefore := k2.Table.Get(2).Generation
	resp2, _ := k2.Enter(0, Request{Number: NumSend, Send: ipc.SendArgs{
		Callee: task.Kernel, Op: uint16(kernelipc.OpRestartTask),
		Msg: memvalid.Slice{Base: 0, Len: 6},
	}})
	if resp2.Blocked {
		t.Fatalf("supervisor's restart-task should not block")
	}
	if k2.Table.Get(2).Generation != genBefore+1 {
		t.Fatalf("restart-task from the supervisor should bump the target's generation")
	}
}
