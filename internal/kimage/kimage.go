// Package kimage loads the static task image (spec.md §6.2) from a gcfg
// text file: the task descriptor table, each task's region list, the IRQ
// table, and the supervisor fault-notification bit. It is grounded on
// ingest/config's LoadConfigFile / gcfg.ReadStringInto pattern, generalized
// from an ingester's listener config to a kernel's task image.
package kimage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravwell/gcfg"

	"github.com/oxidecomputer/hubris-sub001/internal/arch"
	"github.com/oxidecomputer/hubris-sub001/internal/task"
)

const maxImageSize int64 = 1 * 1024 * 1024

var (
	// ErrImageTooLarge mirrors the teacher's oversized-config guard.
	ErrImageTooLarge  = errors.New("image file is too large")
	ErrNoTasks        = errors.New("image declares no tasks")
	ErrNoSupervisor   = errors.New("image's first task must be StartAtBoot")
	ErrBadRegionCount = errors.New("task does not declare exactly RegionsPerTask regions")
	ErrDupIRQ         = errors.New("duplicate irq_number in irq table")
	ErrBadRegionSpec  = errors.New("malformed Region directive")
	ErrBadIRQSpec     = errors.New("malformed Entry directive")
)

// taskSection is one [task "name"] gcfg section.
type taskSection struct {
	Entry        string
	InitialStack string
	Priority     uint8
	StartAtBoot  bool
	Region       []string // "base,len,attrs" per entry; attrs is letters R W X, D (device), M (DMA), G (guard), e.g. "RWX"
}

// irqSection is the singular [irq] section; each Entry line is
// "irq_number,task_name,bit".
type irqSection struct {
	Entry []string
}

// globalSection is the singular [global] section.
type globalSection struct {
	SupervisorFaultBit string
}

type fileFormat struct {
	Global globalSection
	Task   map[string]*taskSection
	IRQ    irqSection
}

// Image is the fully parsed, order-stable build-time image: task order
// matches the order tasks appeared in the file, task index 0 is always the
// first StartAtBoot task (the supervisor, spec.md §4.2).
type Image struct {
	Tasks           []*task.Descriptor
	IRQs            []arch.IRQEntry
	SupervisorFault uint32
	BootID          uuid.UUID
}

// LoadFile reads and parses path, enforcing the same size ceiling the
// teacher's loader applies before handing bytes to gcfg.
func LoadFile(path string) (*Image, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxImageSize {
		return nil, ErrImageTooLarge
	}
	bb := bytes.NewBuffer(nil)
	if _, err := io.Copy(bb, fin); err != nil {
		return nil, err
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses raw gcfg image text, in declaration order, and verifies
// the build-time invariants SPEC_FULL.md §6.2 names.
func LoadBytes(b []byte) (*Image, error) {
	var ff fileFormat
	ff.Task = make(map[string]*taskSection)
	if err := gcfg.ReadStringInto(&ff, string(b)); err != nil {
		return nil, err
	}

	order, err := sectionOrder(b, "task")
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, ErrNoTasks
	}

	img := &Image{BootID: uuid.New()}
	for _, name := range order {
		ts, ok := ff.Task[name]
		if !ok {
			continue
		}
		d, err := ts.descriptor(name)
		if err != nil {
			return nil, err
		}
		img.Tasks = append(img.Tasks, d)
	}
	if !img.Tasks[0].StartAtBoot {
		return nil, ErrNoSupervisor
	}

	for i, raw := range ff.IRQ.Entry {
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: entry %d", ErrBadIRQSpec, i)
		}
		irqNum, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadIRQSpec, i, err)
		}
		taskIdx := indexOf(order, strings.TrimSpace(parts[1]))
		if taskIdx < 0 {
			return nil, fmt.Errorf("%w: entry %d: unknown task %q", ErrBadIRQSpec, i, parts[1])
		}
		bit, err := parseUint32(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadIRQSpec, i, err)
		}
		img.IRQs = append(img.IRQs, arch.IRQEntry{IRQNumber: irqNum, Task: taskIdx, Bit: bit})
	}
	sort.Slice(img.IRQs, func(i, j int) bool { return img.IRQs[i].IRQNumber < img.IRQs[j].IRQNumber })
	seen := make(map[int]bool)
	for _, e := range img.IRQs {
		if seen[e.IRQNumber] {
			return nil, ErrDupIRQ
		}
		seen[e.IRQNumber] = true
	}

	if ff.Global.SupervisorFaultBit != "" {
		bit, err := parseUint32(ff.Global.SupervisorFaultBit)
		if err != nil {
			return nil, fmt.Errorf("SupervisorFaultBit: %v", err)
		}
		img.SupervisorFault = bit
	} else {
		img.SupervisorFault = 1
	}
	return img, nil
}

func (ts *taskSection) descriptor(name string) (*task.Descriptor, error) {
	if len(ts.Region) != task.RegionsPerTask {
		return nil, fmt.Errorf("%w: task %q has %d, want %d", ErrBadRegionCount, name, len(ts.Region), task.RegionsPerTask)
	}
	entry, err := parseUint32(ts.Entry)
	if err != nil {
		return nil, fmt.Errorf("task %q: Entry: %v", name, err)
	}
	sp, err := parseUint32(ts.InitialStack)
	if err != nil {
		return nil, fmt.Errorf("task %q: InitialStack: %v", name, err)
	}
	d := &task.Descriptor{
		Name:         name,
		Entry:        entry,
		InitialStack: sp,
		Priority:     ts.Priority,
		StartAtBoot:  ts.StartAtBoot,
	}
	for i, raw := range ts.Region {
		r, err := parseRegion(raw)
		if err != nil {
			return nil, fmt.Errorf("task %q region %d: %w", name, i, err)
		}
		d.Regions[i] = r
	}
	return d, nil
}

func parseRegion(raw string) (task.Region, error) {
	parts := strings.Split(raw, ",")
	if len(parts) < 2 {
		return task.Region{}, ErrBadRegionSpec
	}
	base, err := parseUint32(strings.TrimSpace(parts[0]))
	if err != nil {
		return task.Region{}, err
	}
	ln, err := parseUint32(strings.TrimSpace(parts[1]))
	if err != nil {
		return task.Region{}, err
	}
	var attrs task.Attr
	if len(parts) > 2 {
		for _, c := range strings.TrimSpace(parts[2]) {
			switch c {
			case 'R':
				attrs |= task.Read
			case 'W':
				attrs |= task.Write
			case 'X':
				attrs |= task.Execute
			case 'D':
				attrs |= task.Device
			case 'M': // DMA
				attrs |= task.DMA
			case 'G':
				attrs |= task.Guard
			}
		}
	}
	return task.Region{Base: base, Len: ln, Attrs: attrs}, nil
}

func parseUint32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

// sectionOrder scans the raw text for "[kind \"name\"]" headers in the
// order they appear: gcfg's map target loses declaration order, and the
// image's task order fixes task indices (spec.md §4.2), so this is not
// optional bookkeeping.
func sectionOrder(b []byte, kind string) ([]string, error) {
	var out []string
	prefix := "[" + kind + " \""
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := line[len(prefix):]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return nil, fmt.Errorf("malformed section header: %s", line)
		}
		out = append(out, rest[:end])
	}
	return out, nil
}
