package crashdump

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gpudetect/internal/dumpfmt"
)

// Magic is the 4-byte file magic preceding the first frame.
var Magic = [4]byte{'R', 'G', 'D', 'D'}

// Dump format versions this reader implements.
const (
	MinFormatVersion = 1
	MaxFormatVersion = 2
)

var (
	ErrInvalidDump        = errors.New("crashdump: invalid dump")
	ErrTruncated          = errors.New("crashdump: truncated dump")
	ErrVersionUnsupported = errors.New("crashdump: unsupported format version")
)

// Reader is a streaming decoder over a framed, versioned binary event log.
// Frames are returned in on-disk order; the reader assigns each event a
// monotonic sequence number starting at 1.
type Reader struct {
	s      *dumpfmt.Stream
	diags  *dumpfmt.Diags
	header *DumpHeader
	seq    uint64
}

// NewReader validates the magic and the leading DumpHeader frame and returns
// a reader positioned at the header. The first Next call yields the header
// event itself.
func NewReader(data []byte, diags *dumpfmt.Diags) (*Reader, error) {
	if len(data) < len(Magic) {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncated, len(data), len(Magic))
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidDump, data[:4])
	}
	r := &Reader{s: dumpfmt.NewStreamAt(data, len(Magic)), diags: diags}

	// Peek the header frame eagerly so version and ASIC selection can happen
	// before any event is consumed.
	ev, err := r.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header frame", ErrTruncated)
		}
		return nil, err
	}
	hdr, ok := ev.(*DumpHeader)
	if !ok {
		return nil, fmt.Errorf("%w: first frame kind is not a dump header", ErrInvalidDump)
	}
	if hdr.FormatVersion < MinFormatVersion || hdr.FormatVersion > MaxFormatVersion {
		return nil, fmt.Errorf("%w: version %d, implemented range %d..%d",
			ErrVersionUnsupported, hdr.FormatVersion, MinFormatVersion, MaxFormatVersion)
	}
	r.header = hdr
	return r, nil
}

// Header returns the dump header, valid after NewReader succeeds.
func (r *Reader) Header() *DumpHeader { return r.header }

// Next returns the next event in sequence order, or io.EOF after the last
// frame. The header event is returned first.
func (r *Reader) Next() (Event, error) {
	if r.header != nil {
		hdr := r.header
		r.header = nil
		return hdr, nil
	}
	return r.next()
}

func (r *Reader) next() (Event, error) {
	for {
		if r.s.Remaining() == 0 {
			return nil, io.EOF
		}
		frameOff := uint64(r.s.Position())
		kind, err := r.s.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: frame header at offset 0x%x", ErrTruncated, frameOff)
		}
		payloadLen, err := r.s.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: frame header at offset 0x%x", ErrTruncated, frameOff)
		}
		payload, err := r.s.ReadBytes(int(payloadLen))
		if err != nil {
			return nil, fmt.Errorf("%w: frame payload at offset 0x%x (%d bytes)", ErrTruncated, frameOff, payloadLen)
		}

		ev, err := r.decode(kind, payload, frameOff)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			// Unknown optional kind, skipped with a diagnostic.
			continue
		}
		return ev, nil
	}
}

// decode parses one frame payload. A nil event with nil error means the frame
// was skippable.
func (r *Reader) decode(kind uint32, payload []byte, frameOff uint64) (Event, error) {
	s := dumpfmt.NewStream(payload)
	r.seq++
	meta := EventMeta{SeqNum: r.seq, FileOffset: frameOff}

	truncated := func(what string) error {
		return fmt.Errorf("%w: %s in frame at offset 0x%x", ErrTruncated, what, frameOff)
	}

	switch kind {
	case KindDumpHeader:
		ev := &DumpHeader{EventMeta: meta}
		var err error
		if ev.FormatVersion, err = s.ReadUint32(); err != nil {
			return nil, truncated("format version")
		}
		if ev.Timestamp, err = s.ReadUint64(); err != nil {
			return nil, truncated("timestamp")
		}
		if ev.AsicFamilyID, err = s.ReadUint32(); err != nil {
			return nil, truncated("asic family")
		}
		if ev.AsicERev, err = s.ReadUint32(); err != nil {
			return nil, truncated("asic revision")
		}
		ev.DriverVersion = string(s.ReadRest())
		return ev, nil

	case KindMarkerBegin:
		ev := &MarkerBegin{EventMeta: meta}
		var err error
		if ev.QueueID, err = s.ReadUint32(); err != nil {
			return nil, truncated("queue id")
		}
		if ev.MarkerID, err = s.ReadUint32(); err != nil {
			return nil, truncated("marker id")
		}
		if ev.ParentMarkerID, err = s.ReadUint32(); err != nil {
			return nil, truncated("parent marker id")
		}
		if ev.GPUTimestamp, err = s.ReadUint64(); err != nil {
			return nil, truncated("gpu timestamp")
		}
		ev.Name = string(s.ReadRest())
		return ev, nil

	case KindMarkerEnd:
		ev := &MarkerEnd{EventMeta: meta}
		var err error
		if ev.QueueID, err = s.ReadUint32(); err != nil {
			return nil, truncated("queue id")
		}
		if ev.MarkerID, err = s.ReadUint32(); err != nil {
			return nil, truncated("marker id")
		}
		if ev.GPUTimestamp, err = s.ReadUint64(); err != nil {
			return nil, truncated("gpu timestamp")
		}
		return ev, nil

	case KindTimestampWritten:
		ev := &TimestampWritten{EventMeta: meta}
		var err error
		if ev.QueueID, err = s.ReadUint32(); err != nil {
			return nil, truncated("queue id")
		}
		if ev.Slot, err = s.ReadUint32(); err != nil {
			return nil, truncated("slot")
		}
		if ev.GPUTimestamp, err = s.ReadUint64(); err != nil {
			return nil, truncated("gpu timestamp")
		}
		return ev, nil

	case KindCodeObjectLoad:
		ev := &CodeObjectLoad{EventMeta: meta}
		var err error
		if ev.LoadAddress, err = s.ReadUint64(); err != nil {
			return nil, truncated("load address")
		}
		if ev.Size, err = s.ReadUint64(); err != nil {
			return nil, truncated("size")
		}
		ev.Blob = s.ReadRest()
		return ev, nil

	case KindCodeObjectUnload:
		ev := &CodeObjectUnload{EventMeta: meta}
		var err error
		if ev.LoadAddress, err = s.ReadUint64(); err != nil {
			return nil, truncated("load address")
		}
		return ev, nil

	case KindCrashContext:
		ev := &CrashContext{EventMeta: meta}
		var err error
		if ev.QueueID, err = s.ReadUint32(); err != nil {
			return nil, truncated("queue id")
		}
		var ht uint32
		if ht, err = s.ReadUint32(); err != nil {
			return nil, truncated("hang type")
		}
		ev.HangType = HangType(ht)
		ev.RegisterBlob = s.ReadRest()
		return ev, nil

	case KindResourceEvent:
		ev := &ResourceEvent{EventMeta: meta}
		var err error
		if ev.ResourceID, err = s.ReadUint64(); err != nil {
			return nil, truncated("resource id")
		}
		if ev.ResourceType, err = s.ReadUint32(); err != nil {
			return nil, truncated("resource type")
		}
		var op uint32
		if op, err = s.ReadUint32(); err != nil {
			return nil, truncated("resource op")
		}
		ev.Op = ResourceOp(op)
		if ev.Size, err = s.ReadUint64(); err != nil {
			return nil, truncated("resource size")
		}
		ev.Name = string(s.ReadRest())
		return ev, nil

	default:
		if kind&KindMandatoryBit != 0 {
			r.seq-- // frame produced no event
			return nil, fmt.Errorf("%w: unknown mandatory chunk kind 0x%08x at offset 0x%x",
				ErrInvalidDump, kind, frameOff)
		}
		r.seq--
		if r.diags != nil {
			r.diags.Addf(frameOff, dumpfmt.DiagUnknownChunk,
				"skipping unknown optional chunk kind 0x%08x (%d bytes)", kind, len(payload))
		}
		return nil, nil
	}
}
