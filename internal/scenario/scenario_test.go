package scenario

import (
	"testing"

	"github.com/oxidecomputer/hubris-sub001/internal/bootstrap"
	"github.com/oxidecomputer/hubris-sub001/internal/kimage"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

func bootSample(t *testing.T) *bootstrap.Booted {
	t.Helper()
	mk := func(name string, priority uint8) *task.Descriptor {
		d := &task.Descriptor{Name: name, Priority: priority, StartAtBoot: true, Entry: 0x1000, InitialStack: 0x2000}
		d.Regions[0] = task.Region{Base: 0, Len: 1 << 16, Attrs: task.Read | task.Write}
		return d
	}
	img := &kimage.Image{
		Tasks:           []*task.Descriptor{mk("supervisor", 0), mk("a", 1), mk("b", 2)},
		SupervisorFault: 1,
	}
	b, err := bootstrap.Boot(img, nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { b.Sim.Close() })
	return b
}

func TestPingPongDeliversReply(t *testing.T) {
	b := bootSample(t)
	res, err := PingPong(b.Kernel, 1, 2, 0, 64, 128)
	if err != nil {
		t.Fatalf("PingPong: %v", err)
	}
	if res.ReplyRC != 0 || res.ReplyLen != 4 {
		t.Fatalf("unexpected reply rc/len: %+v", res)
	}
	want := [4]byte{0x21, 0xFE, 0x41, 0x10}
	if res.Bytes != want {
		t.Fatalf("unexpected reply bytes: % x, want % x", res.Bytes, want)
	}
}

func TestFaultInjectFaultsTarget(t *testing.T) {
	b := bootSample(t)
	if err := FaultInject(b.Kernel, 0, 1, 42, 256); err != nil {
		t.Fatalf("FaultInject: %v", err)
	}
	if b.Kernel.Table.Get(1).Health != task.Faulted {
		t.Fatalf("target task should be Faulted after fault-inject")
	}
}

func TestFaultInjectRejectsNonSupervisorCaller(t *testing.T) {
	b := bootSample(t)
	if err := FaultInject(b.Kernel, 1, 2, 1, 256); err == nil {
		t.Fatalf("fault-inject from a non-supervisor caller should fault, not succeed")
	}
	if b.Kernel.Table.Get(1).Fault.Kind != task.FaultInvalidOperation {
		t.Fatalf("non-supervisor caller itself should be faulted InvalidOperation, got %v", b.Kernel.Table.Get(1).Fault.Kind)
	}
}
