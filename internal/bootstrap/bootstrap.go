// Package bootstrap wires a parsed kimage.Image into a running dispatch.Kernel
// on the host simulator: build the task table, bind it to a fresh simhw.Sim,
// seed every start-at-boot task's initial context, and construct the fault handler and
// logger. This is the kernel's one boot path; spec.md never narrates boot
// itself (§9 leaves it as an arch detail), so it is grounded on the
// teacher's ingest/config + muxer pairing of "load config, then construct
// the long-lived orchestrator" (muxer.go's NewMuxer).
package bootstrap

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oxidecomputer/hubris-sub001/internal/arch/simhw"
	"github.com/oxidecomputer/hubris-sub001/internal/dispatch"
	"github.com/oxidecomputer/hubris-sub001/internal/fault"
	"github.com/oxidecomputer/hubris-sub001/internal/kimage"
	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// Booted bundles the running kernel with the simulator handle the CLI and
// tests need for IRQ injection and tick advancement, which are not part of
// arch.Port's narrow contract.
type Booted struct {
	Kernel *dispatch.Kernel
	Sim    *simhw.Sim
}

// Boot constructs a task table from img, binds a fresh simulator to it, and
// returns a ready-to-dispatch Kernel. log may be nil, in which case fault
// records are discarded.
func Boot(img *kimage.Image, log *klog.Logger) (*Booted, error) {
	if log == nil {
		log = klog.NewDiscard()
	}
	tbl := task.NewTable(img.Tasks)

	sim, err := simhw.New(img.IRQs)
	if err != nil {
		return nil, err
	}
	sim.Bind(tbl)

	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Get(i)
		if r.Health == task.Healthy {
			sim.Reinitialize(i, r.Descriptor)
		}
	}
	sim.SetCurrentTask(fault.SupervisorIndex)
	sim.ApplyMemoryProtection(tbl.Get(fault.SupervisorIndex).Descriptor)

	k := &dispatch.Kernel{
		Table: tbl,
		Port:  sim,
		Mem:   sim,
		Fault: &fault.Handler{Bit: img.SupervisorFault, Log: log},
		Log:   log,
	}
	return &Booted{Kernel: k, Sim: sim}, nil
}

// RunClock supervises a single background goroutine that advances the
// simulator's tick count once per period, standing in for a free-running
// SysTick. It never delivers timer notifications itself: spec.md §4.5
// processes due timers at the next kernel entry, so a tick that arrives
// between syscalls simply waits for one, exactly as on real hardware. The
// returned group's Wait unblocks once ctx is cancelled.
func (b *Booted) RunClock(ctx context.Context, period time.Duration) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				b.Sim.Advance(1)
			}
		}
	})
	return g
}
