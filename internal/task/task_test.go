package task

import "testing"

func descriptor(name string, startAtBoot bool, priority uint8) *Descriptor {
	return &Descriptor{Name: name, Priority: priority, StartAtBoot: startAtBoot}
}

func TestMakeIDRoundTrip(t *testing.T) {
	id := MakeID(3, 7)
	if id.Index() != 3 {
		t.Fatalf("Index() = %d, want 3", id.Index())
	}
	if id.Generation() != 7 {
		t.Fatalf("Generation() = %d, want 7", id.Generation())
	}
}

func TestCheckIDStaleAndRange(t *testing.T) {
	tbl := NewTable([]*Descriptor{descriptor("sup", true, 0), descriptor("a", true, 1)})

	if _, _, ok := tbl.CheckID(MakeID(5, 0)); ok {
		t.Fatalf("CheckID accepted an out-of-range index")
	}

	idx, ue, ok := tbl.CheckID(MakeID(1, 0))
	if !ok || ue.Stale {
		t.Fatalf("CheckID(fresh id) = idx=%d ue=%+v ok=%v, want fresh", idx, ue, ok)
	}

	tbl.Restart(1, nil)
	idx, ue, ok = tbl.CheckID(MakeID(1, 0))
	if !ok || !ue.Stale {
		t.Fatalf("CheckID after restart should report stale, got ue=%+v ok=%v", ue, ok)
	}
	if ue.LiveID.Generation() != 1 {
		t.Fatalf("LiveID generation = %d, want 1", ue.LiveID.Generation())
	}
}

func TestRestartMonotoneGeneration(t *testing.T) {
	tbl := NewTable([]*Descriptor{descriptor("sup", true, 0)})
	var last uint8
	for i := 0; i < 5; i++ {
		tbl.Restart(0, nil)
		gen := tbl.Get(0).Generation
		if gen <= last {
			t.Fatalf("generation did not strictly increase: %d -> %d", last, gen)
		}
		last = gen
	}
}

func TestRestartResetsTransientState(t *testing.T) {
	tbl := NewTable([]*Descriptor{descriptor("sup", true, 0), descriptor("a", true, 1)})
	r := tbl.Get(1)
	r.Sched = InSend
	r.Notifications = 0xFF
	r.Leases = []Lease{{Len: 4}}
	r.Health = Faulted
	r.Fault = FaultInfo{Kind: FaultMemoryAccess}

	tbl.Restart(1, nil)
	r = tbl.Get(1)
	if r.Health != Healthy || r.Sched != Runnable {
		t.Fatalf("restart did not reinit a StartAtBoot task: health=%v sched=%v", r.Health, r.Sched)
	}
	if r.Notifications != 0 || r.Leases != nil {
		t.Fatalf("restart left stale transient state: notif=%x leases=%v", r.Notifications, r.Leases)
	}
}

func TestRegionContains(t *testing.T) {
	r := Region{Base: 0x1000, Len: 0x100}
	if !r.Contains(0x1000, 0x100) {
		t.Fatalf("exact window should be contained")
	}
	if r.Contains(0x1000, 0x101) {
		t.Fatalf("overrun window should not be contained")
	}
	if r.Contains(0x0FFF, 0x10) {
		t.Fatalf("window starting before base should not be contained")
	}
	empty := Region{}
	if empty.Contains(0, 0) {
		t.Fatalf("a zero-length region never contains anything, even an empty window")
	}
}
