// Package dumptest builds in-memory crash dumps for tests.
package dumptest

import (
	"bytes"
	"encoding/binary"

	"gpudetect/internal/crashdump"
)

// ASIC family codes used across tests.
const (
	FamilyNavi   = 0x8F
	FamilyRdna3  = 0x91
	FamilyStrix1 = 0x96
	FamilyRdna4  = 0x98

	ERevRdna2 = 0x28
)

// Builder assembles a framed dump byte stream.
type Builder struct {
	buf bytes.Buffer
}

// New returns a builder with the file magic already written.
func New() *Builder {
	b := &Builder{}
	b.buf.Write(crashdump.Magic[:])
	return b
}

// Bytes returns the assembled dump.
func (b *Builder) Bytes() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Frame appends a raw frame.
func (b *Builder) Frame(kind uint32, payload []byte) *Builder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], kind)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	b.buf.Write(hdr[:])
	b.buf.Write(payload)
	return b
}

type payload struct {
	buf bytes.Buffer
}

func (p *payload) u32(v uint32) *payload {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.buf.Write(b[:])
	return p
}

func (p *payload) u64(v uint64) *payload {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.buf.Write(b[:])
	return p
}

func (p *payload) raw(b []byte) *payload {
	p.buf.Write(b)
	return p
}

func (p *payload) str(s string) *payload {
	p.buf.WriteString(s)
	return p
}

// Header appends a DumpHeader frame.
func (b *Builder) Header(version uint32, family, eRev uint32, driver string) *Builder {
	p := &payload{}
	p.u32(version).u64(0x1234).u32(family).u32(eRev).str(driver)
	return b.Frame(crashdump.KindDumpHeader, p.buf.Bytes())
}

// MarkerBegin appends a MarkerBegin frame.
func (b *Builder) MarkerBegin(queue, id, parent uint32, ts uint64, name string) *Builder {
	p := &payload{}
	p.u32(queue).u32(id).u32(parent).u64(ts).str(name)
	return b.Frame(crashdump.KindMarkerBegin, p.buf.Bytes())
}

// MarkerEnd appends a MarkerEnd frame.
func (b *Builder) MarkerEnd(queue, id uint32, ts uint64) *Builder {
	p := &payload{}
	p.u32(queue).u32(id).u64(ts)
	return b.Frame(crashdump.KindMarkerEnd, p.buf.Bytes())
}

// Timestamp appends a TimestampWritten frame.
func (b *Builder) Timestamp(queue, slot uint32, ts uint64) *Builder {
	p := &payload{}
	p.u32(queue).u32(slot).u64(ts)
	return b.Frame(crashdump.KindTimestampWritten, p.buf.Bytes())
}

// CodeObjectLoad appends a CodeObjectLoad frame.
func (b *Builder) CodeObjectLoad(addr, size uint64, blob []byte) *Builder {
	p := &payload{}
	p.u64(addr).u64(size).raw(blob)
	return b.Frame(crashdump.KindCodeObjectLoad, p.buf.Bytes())
}

// CodeObjectUnload appends a CodeObjectUnload frame.
func (b *Builder) CodeObjectUnload(addr uint64) *Builder {
	p := &payload{}
	p.u64(addr)
	return b.Frame(crashdump.KindCodeObjectUnload, p.buf.Bytes())
}

// CrashContext appends a CrashContext frame with a raw register blob.
func (b *Builder) CrashContext(queue uint32, hang crashdump.HangType, blob []byte) *Builder {
	p := &payload{}
	p.u32(queue).u32(uint32(hang)).raw(blob)
	return b.Frame(crashdump.KindCrashContext, p.buf.Bytes())
}

// Resource appends a ResourceEvent frame.
func (b *Builder) Resource(id uint64, typ uint32, op crashdump.ResourceOp, size uint64, name string) *Builder {
	p := &payload{}
	p.u64(id).u32(typ).u32(uint32(op)).u64(size).str(name)
	return b.Frame(crashdump.KindResourceEvent, p.buf.Bytes())
}

// RegisterBlob assembles a crash register blob of wave groups.
type RegisterBlob struct {
	p payload
}

// Group starts a register group for one wave from one source
// (0 = SQ, 1 = SPI). regs alternate offset, value.
func (r *RegisterBlob) Group(source, waveID uint32, regs ...uint32) *RegisterBlob {
	if len(regs)%2 != 0 {
		panic("dumptest: regs must be offset/value pairs")
	}
	r.p.u32(source).u32(waveID).u32(uint32(len(regs) / 2))
	for _, v := range regs {
		r.p.u32(v)
	}
	return r
}

// Bytes returns the blob.
func (r *RegisterBlob) Bytes() []byte {
	out := make([]byte, r.p.buf.Len())
	copy(out, r.p.buf.Bytes())
	return out
}

// Rdna3Wave builds an SQ register group carrying the minimal RDNA3 wave
// state for the given PC and exec mask.
func Rdna3Wave(waveID uint32, pc, exec uint64) *RegisterBlob {
	blob := &RegisterBlob{}
	blob.Group(0, waveID,
		0x0108, uint32(pc),
		0x0109, uint32(pc>>32),
		0x027e, uint32(exec),
		0x027f, uint32(exec>>32),
		0x0102, 0x1,
		0x0117, 0x42,
	)
	return blob
}
