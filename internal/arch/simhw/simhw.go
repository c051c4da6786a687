// Package simhw is the host-simulator implementation of arch.Port. It backs
// the kernel's 32-bit address space with a single mmap'd (via
// golang.org/x/sys/unix) arena so that safe-copy operates against real
// page-backed memory rather than a plain Go slice. The whole arena is mapped
// read/write; no per-region page protection is applied, and region
// boundaries are enforced only by memvalid. Regions' Base/Len are byte
// offsets into this arena.
package simhw

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oxidecomputer/hubris-sub001/internal/arch"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

// ArenaSize is the simulated physical address space size.
const ArenaSize = 16 * 1024 * 1024

// Sim is a host-hosted arch.Port. One Sim is built per simulated boot.
type Sim struct {
	mtx      sync.Mutex
	arena    []byte
	table    *task.Table
	current  int
	irqTable []arch.IRQEntry
	irqOn    map[int]bool
	tick     uint64
}

// New builds a Sim with a fresh mmap'd arena and the given build-time IRQ
// table, sorted here by IRQ number. Duplicate IRQ numbers are not removed;
// kimage.LoadBytes rejects an image that declares them.
func New(irqs []arch.IRQEntry) (*Sim, error) {
	arena, err := unix.Mmap(-1, 0, ArenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	sorted := append([]arch.IRQEntry(nil), irqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IRQNumber < sorted[j].IRQNumber })
	return &Sim{
		arena:    arena,
		current:  -1,
		irqTable: sorted,
		irqOn:    make(map[int]bool),
	}, nil
}

// Close unmaps the arena. Not part of arch.Port; called by whoever booted
// the simulator once it is done with it (the CLI subcommands and tests).
func (s *Sim) Close() error {
	return unix.Munmap(s.arena)
}

// Bind attaches the runtime task table this Sim will serve. Called once at
// boot before the dispatcher is entered.
func (s *Sim) Bind(t *task.Table) { s.table = t }

// Arena exposes the backing bytes so the IPC layer's safe-copy can read and
// write through validated (base, len) windows.
func (s *Sim) Arena() []byte { return s.arena }

// Bytes satisfies ipc.Memory; it is the same backing store as Arena, named
// to match the narrow interface the IPC layer depends on instead of a
// concrete simulator type.
func (s *Sim) Bytes() []byte { return s.arena }

// Advance moves the simulated tick count forward; used by tests and by
// bootstrap.Booted.RunClock's ticker instead of a real SysTick.
func (s *Sim) Advance(ticks uint64) {
	s.mtx.Lock()
	s.tick += ticks
	s.mtx.Unlock()
}

func (s *Sim) Now() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tick
}

func (s *Sim) ApplyMemoryProtection(d *task.Descriptor) {
	// The host simulator has no real MPU; regions are enforced entirely
	// by memvalid against the descriptor on every access, so programming
	// here is a no-op kept for interface parity with a real port.
}

func (s *Sim) SetCurrentTask(index int) {
	s.mtx.Lock()
	s.current = index
	s.mtx.Unlock()
}

func (s *Sim) CurrentTask() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.current
}

func (s *Sim) WithTaskTable(f func(*task.Table)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	f(s.table)
}

func (s *Sim) IRQTable() []arch.IRQEntry { return s.irqTable }

func (s *Sim) EnableIRQ(n int) {
	s.mtx.Lock()
	s.irqOn[n] = true
	s.mtx.Unlock()
}

func (s *Sim) DisableIRQ(n int) {
	s.mtx.Lock()
	s.irqOn[n] = false
	s.mtx.Unlock()
}

func (s *Sim) IRQEnabled(n int) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.irqOn[n]
}

func (s *Sim) Reinitialize(index int, d *task.Descriptor) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.table == nil {
		return
	}
	r := s.table.Get(index)
	r.Context = simContext{pc: d.Entry, sp: d.InitialStack}
}

type simContext struct {
	pc, sp uint32
}

var _ arch.Port = (*Sim)(nil)
