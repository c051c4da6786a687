// Package memvalid implements the memory-protection-assisted validation of
// user-supplied slices and pointers (spec.md §4.3, C3). It never forms a
// Go slice into task memory by itself; callers use its decision to gate a
// separately-bounded raw-pointer copy (see internal/ipc's SafeCopy).
package memvalid

import "github.com/oxidecomputer/hubris-sub001/internal/task"

// Slice is a user-supplied (base, length) pair from a syscall argument
// pair, before validation.
type Slice struct {
	Base uint32
	Len  uint32
}

func (s Slice) Empty() bool { return s.Len == 0 }

// CanAccess decides whether slice lies within a single region of t with
// every bit of required present and none of forbidden present. DEVICE is
// always forbidden regardless of the caller's forbidden mask, per spec.md
// §4.3. An empty slice is always accessible.
func CanAccess(s Slice, d *task.Descriptor, required, forbidden task.Attr) bool {
	if s.Empty() {
		return true
	}
	forbidden |= task.Device
	for i := range d.Regions {
		r := d.Regions[i]
		if r.Len == 0 || r.Attrs.Has(task.Guard) {
			continue
		}
		if !r.Contains(s.Base, s.Len) {
			continue
		}
		if !r.Attrs.Has(required) {
			continue
		}
		if r.Attrs.Any(forbidden) {
			continue
		}
		return true
	}
	return false
}

// CanAccessRaw permits DMA memory for raw-pointer copies, where CanAccess
// would otherwise reject it because DMA memory may be asynchronously
// modified by hardware and must never back a language-level reference.
// ipc.SafeCopy is the caller: it indexes the backing array and copies bytes
// in one statement without retaining a slice or pointer past it, exactly
// the raw-pointer-copy discipline spec.md §9 requires for DMA memory.
func CanAccessRaw(s Slice, d *task.Descriptor, required task.Attr) bool {
	return CanAccess(s, d, required, 0)
}

// CanAccessRef is the reference-forming path: DMA is always forbidden in
// addition to DEVICE, because a Go slice/pointer alias into DMA memory
// could be invalidated by hardware between validation and use.
func CanAccessRef(s Slice, d *task.Descriptor, required task.Attr) bool {
	return CanAccess(s, d, required, task.DMA)
}
