// Package analysis orchestrates the crash dump pipeline: event ingestion,
// marker tree reconstruction, register decoding and crash point resolution.
package analysis

import (
	"encoding/hex"
	"sort"

	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/markertree"
	"gpudetect/internal/regparse"
)

// Header summarizes the dump's identity.
type Header struct {
	FormatVersion uint32 `json:"format_version"`
	Timestamp     uint64 `json:"timestamp"`
	DriverVersion string `json:"driver_version"`
	AsicFamilyID  uint32 `json:"asic_family_id"`
	AsicERev      uint32 `json:"asic_e_rev"`
	Series        string `json:"series"`
	DisasmTarget  string `json:"disasm_target,omitempty"`
	HangType      string `json:"hang_type,omitempty"`
}

// ResolvedLocation is a crash PC mapped into a code object.
type ResolvedLocation struct {
	CodeObjectLoadAddr uint64 `json:"code_object_load_addr"`
	BlockAddress       uint64 `json:"block_address"`
	InstructionOffset  uint64 `json:"instruction_offset"`
	DisasmLine         string `json:"disasm_line"`
	Comment            string `json:"comment,omitempty"`
	Symbol             string `json:"symbol,omitempty"`
	ViaUnloaded        bool   `json:"via_unloaded,omitempty"`
}

// CrashPoint is one crashing wave and, when resolution succeeded, its
// location in a loaded code object.
type CrashPoint struct {
	QueueID          uint32              `json:"queue_id"`
	Wave             regparse.WaveRecord `json:"wave"`
	Resolved         *ResolvedLocation   `json:"resolved,omitempty"`
	UnresolvedReason string              `json:"unresolved_reason,omitempty"`
}

// RawCrashBlob preserves an undecoded register blob for an unsupported ASIC.
type RawCrashBlob struct {
	QueueID     uint32 `json:"queue_id"`
	RegisterHex string `json:"register_hex"`
}

// ResourceTypeSummary aggregates resource events of one type.
type ResourceTypeSummary struct {
	Type       uint32 `json:"type"`
	TypeName   string `json:"type_name"`
	Created    uint64 `json:"created"`
	Destroyed  uint64 `json:"destroyed"`
	LiveBytes  uint64 `json:"live_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// ResourceSummary is the per-type aggregation of resource events.
type ResourceSummary struct {
	Types []ResourceTypeSummary `json:"types,omitempty"`
}

// Report is the immutable output model of one analysis run.
type Report struct {
	Header      Header
	Forest      *markertree.Forest
	CrashPoints []CrashPoint
	Resources   ResourceSummary
	RawBlobs    []RawCrashBlob
	Diagnostics []dumpfmt.Diag
}

// resourceTypeName names the driver's resource type codes.
func resourceTypeName(t uint32) string {
	switch t {
	case 0:
		return "buffer"
	case 1:
		return "image"
	case 2:
		return "pipeline"
	case 3:
		return "heap"
	case 4:
		return "descriptor"
	default:
		return "other"
	}
}

// resourceFold accumulates resource events during the streaming pass.
type resourceFold struct {
	byType map[uint32]*ResourceTypeSummary
	// live sizes per resource id, to account destroys correctly
	liveSize map[uint64]uint64
	liveType map[uint64]uint32
}

func newResourceFold() *resourceFold {
	return &resourceFold{
		byType:   map[uint32]*ResourceTypeSummary{},
		liveSize: map[uint64]uint64{},
		liveType: map[uint64]uint32{},
	}
}

func (r *resourceFold) observe(ev *crashdump.ResourceEvent) {
	s, ok := r.byType[ev.ResourceType]
	if !ok {
		s = &ResourceTypeSummary{Type: ev.ResourceType, TypeName: resourceTypeName(ev.ResourceType)}
		r.byType[ev.ResourceType] = s
	}
	switch ev.Op {
	case crashdump.ResourceCreate:
		s.Created++
		s.TotalBytes += ev.Size
		s.LiveBytes += ev.Size
		r.liveSize[ev.ResourceID] = ev.Size
		r.liveType[ev.ResourceID] = ev.ResourceType
	case crashdump.ResourceDestroy:
		if size, ok := r.liveSize[ev.ResourceID]; ok {
			if ts, ok := r.byType[r.liveType[ev.ResourceID]]; ok {
				ts.Destroyed++
				ts.LiveBytes -= size
			}
			delete(r.liveSize, ev.ResourceID)
			delete(r.liveType, ev.ResourceID)
		} else {
			s.Destroyed++
		}
	case crashdump.ResourceBind:
		// Binds carry no size accounting; creation already counted the bytes.
	}
}

func (r *resourceFold) summary() ResourceSummary {
	types := make([]ResourceTypeSummary, 0, len(r.byType))
	for _, s := range r.byType {
		types = append(types, *s)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })
	return ResourceSummary{Types: types}
}

func rawBlob(cc *regparse.CrashContext) RawCrashBlob {
	return RawCrashBlob{QueueID: cc.QueueID, RegisterHex: hex.EncodeToString(cc.RawBlob)}
}
