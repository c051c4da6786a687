// Package task holds the static descriptor tables and the runtime task
// table: the fixed-size array of task records the kernel owns for the
// system's lifetime.
package task

import "fmt"

// RegionsPerTask bounds the number of memory regions every task descriptor
// carries, fixed at build time.
const RegionsPerTask = 8

// Attr is a single MPU region attribute bit.
type Attr uint8

const (
	Read Attr = 1 << iota
	Write
	Execute
	Device
	DMA
	Guard // stack-overflow guard region; never matched by can_access
)

func (a Attr) Has(bits Attr) bool { return a&bits == bits }
func (a Attr) Any(bits Attr) bool { return a&bits != 0 }

// Region is a contiguous address range with a fixed attribute set, built at
// image time and never mutated afterward.
type Region struct {
	Base  uint32
	Len   uint32
	Attrs Attr
}

func (r Region) end() uint64 { return uint64(r.Base) + uint64(r.Len) }

// Contains reports whether [base, base+len) lies entirely within r.
func (r Region) Contains(base uint32, ln uint32) bool {
	if r.Len == 0 {
		return false
	}
	s, e := uint64(base), uint64(base)+uint64(ln)
	return s >= uint64(r.Base) && e <= r.end() && e >= s
}

// Descriptor is the immutable, build-time description of one task.
type Descriptor struct {
	Name         string
	Entry        uint32
	InitialStack uint32
	Priority     uint8
	StartAtBoot  bool
	Regions      [RegionsPerTask]Region
}

// ID is the 16-bit externally visible task identifier: high byte index,
// low byte generation, exactly as spec.md §3 describes.
type ID uint16

const (
	indexShift = 8
	genMask    = 0xFF
)

// Kernel is the reserved ID denoting the kernel itself as an IPC target.
const Kernel ID = 0xFFFF

func MakeID(index int, generation uint8) ID {
	return ID(uint16(index&0xFF)<<indexShift | uint16(generation))
}

func (id ID) Index() int        { return int(uint16(id) >> indexShift) }
func (id ID) Generation() uint8 { return uint8(uint16(id) & genMask) }

// Stale reports whether id's generation is behind the live one at index i,
// returning the current id for that index either way. Used by a caller that
// already holds the table index and just wants to compare generations
// without a full CheckID range check.
func (id ID) Stale(liveGeneration uint8) (fresh ID, stale bool) {
	fresh = MakeID(id.Index(), liveGeneration)
	return fresh, liveGeneration != id.Generation()
}

func (id ID) String() string {
	if id == Kernel {
		return "kernel"
	}
	return fmt.Sprintf("task(%d,gen=%d)", id.Index(), id.Generation())
}

// SchedState is the tagged union of a healthy task's scheduling state.
type SchedState uint8

const (
	Runnable SchedState = iota
	InSend              // blocked sending to .Send.Callee
	InReply             // blocked awaiting a reply from/to .Reply.Peer
	InRecv              // blocked receiving; .Recv.SpecificSender when .Recv.HasSpecific, otherwise open
)

func (s SchedState) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case InSend:
		return "InSend"
	case InReply:
		return "InReply"
	case InRecv:
		return "InRecv"
	}
	return "?"
}

// Health is the top-level state of a task: either Healthy with a scheduling
// sub-state, or Faulted.
type Health uint8

const (
	Healthy Health = iota
	Faulted
)

// FaultKind is the closed set of fault causes from spec.md §7.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultSyscallUsage
	FaultMemoryAccess
	FaultBusError
	FaultIllegalInstruction
	FaultIllegalText
	FaultInvalidOperation
	FaultStackOverflow
	FaultDivideByZero
	FaultPanic
	FaultInjected
	FaultFromServer
)

// UsageKind is the closed set of SyscallUsage sub-reasons.
type UsageKind uint8

const (
	BadSyscallNumber UsageKind = iota
	InvalidSlice
	TaskOutOfRange
	IllegalTask
	LeaseOutOfRange
	OffsetOutOfRange
	BadReplyFaultReason
	NoIrq
)

// MemorySource distinguishes a fault attributed to the user-supplied
// address itself from one the kernel discovered while safe-copying.
type MemorySource uint8

const (
	SourceUser MemorySource = iota
	SourceKernel
)

// FaultInfo is the full record of why a task was faulted.
type FaultInfo struct {
	Kind     FaultKind
	Usage    UsageKind    // valid when Kind == FaultSyscallUsage
	Address  uint32       // valid when Kind == FaultMemoryAccess
	Source   MemorySource // valid when Kind == FaultMemoryAccess
	ByID     ID           // valid when Kind == FaultInjected (who injected it)
	ServerID ID           // valid when Kind == FaultFromServer
	Reason   uint32       // valid when Kind == FaultFromServer
}

func (f FaultInfo) String() string {
	switch f.Kind {
	case FaultNone:
		return "none"
	case FaultSyscallUsage:
		return fmt.Sprintf("syscall-usage(%d)", f.Usage)
	case FaultMemoryAccess:
		return fmt.Sprintf("memory-access(addr=0x%x,source=%d)", f.Address, f.Source)
	case FaultInjected:
		return fmt.Sprintf("injected(by=%s)", f.ByID)
	case FaultFromServer:
		return fmt.Sprintf("from-server(server=%s,reason=%d)", f.ServerID, f.Reason)
	default:
		return fmt.Sprintf("fault(%d)", f.Kind)
	}
}

// Lease describes one loaned region in a sender's lease table, valid only
// between SEND and the matching REPLY.
type Lease struct {
	Attrs Attr // subset of {Read, Write}
	Base  uint32
	Len   uint32
}

// Timer holds one task's outstanding deadline and the notification bits to
// post when it fires.
type Timer struct {
	HasDeadline bool
	Deadline    uint64
	FireBits    uint32
}

// RecvState captures what a blocked RECV is waiting for, recorded at the
// moment the task transitions into InRecv.
type RecvState struct {
	Mask            uint32
	SpecificSender  ID
	HasSpecific     bool
	BufBase, BufLen uint32
}

// SendState captures a blocked SEND's addressing, recorded when a task
// transitions into InSend so a later RECV can re-validate and deliver.
type SendState struct {
	Callee   ID
	Op       uint16
	MsgBase  uint32
	MsgLen   uint32
	RspBase  uint32
	RspLen   uint32
	LeaseBase uint32
	LeaseLen  uint32
}

// ReplyState records, for a task blocked InReply, who it is waiting on and
// where the original SEND recorded its response buffer.
type ReplyState struct {
	Peer    ID
	RspBase uint32
	RspLen  uint32
}

// Record is one runtime task: owned by the Table for the system's lifetime,
// never moved, never destroyed. Context must remain the first field so an
// arch port's interrupt stub can address it without an offset computation;
// callers of Table must not reorder this struct.
type Record struct {
	Context interface{} // arch-specific saved register state, opaque to the core

	Descriptor *Descriptor
	Priority   uint8
	Generation uint8

	Health Health
	Sched  SchedState // valid when Health == Healthy

	Send  SendState
	Reply ReplyState
	Recv  RecvState

	Fault         FaultInfo
	OriginalSched SchedState // frozen from the first fault in a double-fault

	Timer         Timer
	Notifications uint32

	Leases []Lease

	// Ret holds the seven syscall return-register slots (spec.md §6.1)
	// to be loaded when this task is next dispatched. A syscall handler
	// acting on another task (delivering a SEND, completing a REPLY,
	// waking a notification-matched RECV) writes the woken task's Ret
	// here rather than returning a value, because that task's own
	// syscall already suspended — its "return" is whatever sits in Ret
	// the next time the arch port resumes it.
	Ret [7]uint32
}

func newRecord(d *Descriptor) Record {
	r := Record{
		Descriptor: d,
		Priority:   d.Priority,
	}
	if d.StartAtBoot {
		r.Health = Healthy
		r.Sched = Runnable
	} else {
		r.Health = Faulted
		r.Fault = FaultInfo{Kind: FaultNone}
		r.OriginalSched = Runnable
	}
	return r
}

// Table is the fixed-size runtime task table, index 0 is the supervisor by
// convention.
type Table struct {
	recs []Record
}

// NewTable builds the runtime table from the static descriptor array. The
// backing slice is allocated once and never resized.
func NewTable(descs []*Descriptor) *Table {
	t := &Table{recs: make([]Record, len(descs))}
	for i, d := range descs {
		t.recs[i] = newRecord(d)
	}
	return t
}

func (t *Table) Len() int { return len(t.recs) }

// Get returns a pointer to the live record at index i. The caller must not
// retain the pointer beyond the current syscall.
func (t *Table) Get(i int) *Record { return &t.recs[i] }

// IDOf returns the current externally visible ID for the record at index i.
func (t *Table) IDOf(i int) ID { return MakeID(i, t.recs[i].Generation) }

// UserError mirrors spec.md §7's recoverable/fault split: CheckID returns a
// UserError only for the recoverable stale-generation case; everything else
// is a caller fault the dispatcher applies directly.
type UserError struct {
	Stale      bool
	LiveID     ID
}

// CheckID validates id's index range and generation, per spec.md §4.2.
// ok=false with zero UserError means the index itself is out of range (a
// SyscallUsage(TaskOutOfRange) fault, not recoverable). ok=true with
// Stale=true means a recoverable stale-id condition; the caller should
// report LiveID and let the caller REFRESH_TASK_ID.
func (t *Table) CheckID(id ID) (index int, ue UserError, rangeOK bool) {
	idx := id.Index()
	if idx < 0 || idx >= len(t.recs) {
		return 0, UserError{}, false
	}
	live := t.IDOf(idx)
	if live.Generation() != id.Generation() {
		return idx, UserError{Stale: true, LiveID: live}, true
	}
	return idx, UserError{}, true
}

// Restart reinitializes the record at index i: clears notifications, resets
// the timer, increments generation, and re-enters the task's initial state.
// The arch-specific saved context is reset by reinit, supplied by the
// caller (the dispatcher holds the arch port).
func (t *Table) Restart(i int, reinit func(*Record)) {
	r := &t.recs[i]
	r.Generation++
	r.Notifications = 0
	r.Timer = Timer{}
	r.Send = SendState{}
	r.Reply = ReplyState{}
	r.Recv = RecvState{}
	r.Leases = nil
	if r.Descriptor.StartAtBoot {
		r.Health = Healthy
		r.Sched = Runnable
	} else {
		r.Health = Faulted
		r.Fault = FaultInfo{Kind: FaultNone}
		r.OriginalSched = Runnable
	}
	if reinit != nil {
		reinit(r)
	}
}
