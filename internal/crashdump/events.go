// Package crashdump decodes developer-driver crash dump event logs into a
// typed event sequence.
package crashdump

// Chunk kinds in the dump's framed container. Kinds with the high bit set are
// mandatory: a reader that does not understand one must reject the dump.
// Kinds with the high bit clear are optional and may be skipped.
const (
	KindMandatoryBit uint32 = 0x80000000

	KindDumpHeader       uint32 = 0x80000001
	KindMarkerBegin      uint32 = 0x80000002
	KindMarkerEnd        uint32 = 0x80000003
	KindTimestampWritten uint32 = 0x80000004
	KindCodeObjectLoad   uint32 = 0x80000005
	KindCodeObjectUnload uint32 = 0x80000006
	KindCrashContext     uint32 = 0x80000007
	KindResourceEvent    uint32 = 0x00000008
)

// MarkerSource identifies the layer that emitted an execution marker.
// It is carried in the top byte of the marker id.
type MarkerSource uint8

const (
	SourceApplication MarkerSource = 0
	SourceAPILayer    MarkerSource = 1
	SourceHardware    MarkerSource = 2
)

func (s MarkerSource) String() string {
	switch s {
	case SourceApplication:
		return "application"
	case SourceAPILayer:
		return "api"
	case SourceHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// HangType classifies the crash carried by a CrashContext frame.
type HangType uint32

const (
	HangUnknown   HangType = 0
	HangDevice    HangType = 1
	HangPageFault HangType = 2
)

func (h HangType) String() string {
	switch h {
	case HangDevice:
		return "device hang"
	case HangPageFault:
		return "page fault"
	default:
		return "unknown"
	}
}

// ResourceOp is the operation recorded by a ResourceEvent frame.
type ResourceOp uint32

const (
	ResourceCreate  ResourceOp = 0
	ResourceDestroy ResourceOp = 1
	ResourceBind    ResourceOp = 2
)

// EventMeta carries reader-assigned bookkeeping common to all events.
// SeqNum is the monotonic host-side sequence number; event ordering is fully
// determined by it. FileOffset is the byte offset of the frame header.
type EventMeta struct {
	SeqNum     uint64
	FileOffset uint64
}

// Seq returns the event's host-side sequence number.
func (m EventMeta) Seq() uint64 { return m.SeqNum }

// Offset returns the byte offset of the event's frame in the dump.
func (m EventMeta) Offset() uint64 { return m.FileOffset }

// Event is one decoded dump frame.
type Event interface {
	Seq() uint64
	Offset() uint64
	event()
}

// DumpHeader is the first frame of every dump.
type DumpHeader struct {
	EventMeta
	FormatVersion uint32
	Timestamp     uint64
	AsicFamilyID  uint32
	AsicERev      uint32
	DriverVersion string
}

// MarkerBegin opens a named execution marker region on a queue.
type MarkerBegin struct {
	EventMeta
	QueueID        uint32
	MarkerID       uint32
	ParentMarkerID uint32
	GPUTimestamp   uint64
	Name           string
}

// Source returns the layer that emitted the marker.
func (e *MarkerBegin) Source() MarkerSource {
	return MarkerSource(e.MarkerID >> 24)
}

// MarkerEnd closes a marker region previously opened on the same queue.
type MarkerEnd struct {
	EventMeta
	QueueID      uint32
	MarkerID     uint32
	GPUTimestamp uint64
}

// TimestampWritten records a retired GPU timestamp on a queue.
type TimestampWritten struct {
	EventMeta
	QueueID      uint32
	Slot         uint32
	GPUTimestamp uint64
}

// CodeObjectLoad records a GPU binary loaded at an address range.
type CodeObjectLoad struct {
	EventMeta
	LoadAddress uint64
	Size        uint64
	Blob        []byte
}

// CodeObjectUnload records a previously loaded GPU binary being unloaded.
type CodeObjectUnload struct {
	EventMeta
	LoadAddress uint64
}

// CrashContext carries the raw crash-time register blob for one queue.
// The blob's interpretation depends on the ASIC family from the dump header;
// decoding is done by the register parser, not the event reader.
type CrashContext struct {
	EventMeta
	QueueID      uint32
	HangType     HangType
	RegisterBlob []byte
}

// ResourceEvent records a GPU resource lifecycle operation. The frame kind is
// optional: older producers do not emit it.
type ResourceEvent struct {
	EventMeta
	ResourceID   uint64
	ResourceType uint32
	Op           ResourceOp
	Size         uint64
	Name         string
}

func (*DumpHeader) event()       {}
func (*MarkerBegin) event()      {}
func (*MarkerEnd) event()        {}
func (*TimestampWritten) event() {}
func (*CodeObjectLoad) event()   {}
func (*CodeObjectUnload) event() {}
func (*CrashContext) event()     {}
func (*ResourceEvent) event()    {}
