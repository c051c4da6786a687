// Package scenario drives canned interactions against a booted kernel for
// the CLI and for tests: there are no compiled task binaries in a host
// simulation, so a scenario plays the role real task code would by issuing
// syscalls directly against dispatch.Kernel on a chosen task's behalf.
package scenario

import (
	"fmt"

	"github.com/oxidecomputer/hubris-sub001/internal/dispatch"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc"
	"github.com/oxidecomputer/hubris-sub001/internal/ipc/kernelipc"
	"github.com/oxidecomputer/hubris-sub001/internal/memvalid"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// PingPongResult reports the outcome of spec.md §8 scenario S1.
type PingPongResult struct {
	ReplyRC  uint32
	ReplyLen uint32
	Bytes    [4]byte
}

// PingPong runs scenario S1: calleeIdx is placed in an open RECV first
// (matching "Task B ... is in open RECV"), then callerIdx sends op=1 with a
// 4-byte message, which the rendezvous delivers immediately; calleeIdx
// replies with rc=0 and a fixed 4-byte payload. msgBase/rspBase/bufBase are
// offsets already carved out of the arena by the relevant task's regions.
func PingPong(k *dispatch.Kernel, callerIdx, calleeIdx int, msgBase, rspBase, bufBase uint32) (PingPongResult, error) {
	mem := k.Mem.Bytes()
	copy(mem[msgBase:msgBase+4], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	recvResp, _ := k.Enter(calleeIdx, dispatch.Request{
		Number: dispatch.NumRecv,
		Recv:   ipc.RecvArgs{Buf: memvalid.Slice{Base: bufBase, Len: 4}},
	})
	if !recvResp.Blocked {
		return PingPongResult{}, fmt.Errorf("scenario: RECV did not block on an empty mailbox")
	}

	sendResp, next := k.Enter(callerIdx, dispatch.Request{
		Number: dispatch.NumSend,
		Send: ipc.SendArgs{
			Callee: k.Table.IDOf(calleeIdx),
			Op:     0x0001,
			Msg:    memvalid.Slice{Base: msgBase, Len: 4},
			Rsp:    memvalid.Slice{Base: rspBase, Len: 4},
		},
	})
	if !sendResp.Blocked {
		return PingPongResult{}, fmt.Errorf("scenario: SEND did not block pending REPLY")
	}
	if next != calleeIdx {
		return PingPongResult{}, fmt.Errorf("scenario: expected callee %d delivered to immediately, got %d", calleeIdx, next)
	}

	callee := k.Table.Get(calleeIdx)
	if callee.Ret[2] != 1 || callee.Ret[3] != 4 {
		return PingPongResult{}, fmt.Errorf("scenario: unexpected op/len in %v", callee.Ret)
	}

	copy(mem[rspBase:rspBase+4], []byte{0x21, 0xFE, 0x41, 0x10})
	replyResp, _ := k.Enter(calleeIdx, dispatch.Request{
		Number: dispatch.NumReply,
		Reply: ipc.ReplyArgs{
			Callee: k.Table.IDOf(callerIdx),
			RC:     0,
			Msg:    memvalid.Slice{Base: rspBase, Len: 4},
		},
	})
	if replyResp.Blocked {
		return PingPongResult{}, fmt.Errorf("scenario: REPLY unexpectedly blocked")
	}

	caller := k.Table.Get(callerIdx)
	var out PingPongResult
	out.ReplyRC = caller.Ret[0]
	out.ReplyLen = caller.Ret[1]
	copy(out.Bytes[:], mem[rspBase:rspBase+4])
	return out, nil
}

// FaultInject drives the kernel-IPC fault-task operation from the
// supervisor, used by the CLI's fault-inject subcommand and by restart
// tests that need a faulted task without a real memory violation.
func FaultInject(k *dispatch.Kernel, supervisorIdx, targetIdx int, reason uint32, msgBase uint32) error {
	mem := k.Mem.Bytes()
	target := k.Table.IDOf(targetIdx)
	mem[msgBase] = byte(target)
	mem[msgBase+1] = byte(target >> 8)
	mem[msgBase+2] = byte(reason)
	mem[msgBase+3] = byte(reason >> 8)
	mem[msgBase+4] = byte(reason >> 16)
	mem[msgBase+5] = byte(reason >> 24)

	resp, _ := k.Enter(supervisorIdx, dispatch.Request{
		Number: dispatch.NumSend,
		Send: ipc.SendArgs{
			Callee: task.Kernel,
			Op:     uint16(kernelipc.OpFaultTask),
			Msg:    memvalid.Slice{Base: msgBase, Len: 6},
		},
	})
	if resp.Blocked {
		return fmt.Errorf("scenario: fault-inject unexpectedly blocked")
	}
	if resp.Ret[0] != ipc.RCOk {
		return fmt.Errorf("scenario: fault-inject returned rc=%d", resp.Ret[0])
	}
	return nil
}
