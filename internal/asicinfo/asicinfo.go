// Package asicinfo maps ASIC family identifiers to GPU series, crash register
// layouts and disassembler target features.
package asicinfo

import (
	"errors"
	"fmt"
)

// Family codes as reported by the kernel driver. See amdgpu_asic.h.
const (
	familyNavi   = 0x8F
	familyNavi3  = 0x91
	familyStrix1 = 0x96
	familyNavi4  = 0x98

	// Navi family revisions below this are Navi1x parts.
	navi2MinimumRevision = 0x28
)

// GpuSeries identifies a GPU hardware generation.
type GpuSeries uint8

const (
	SeriesUnknown GpuSeries = iota
	SeriesNavi1
	SeriesRdna2
	SeriesRdna3
	SeriesRdna4
	SeriesStrix1
)

func (s GpuSeries) String() string {
	switch s {
	case SeriesNavi1:
		return "navi1"
	case SeriesRdna2:
		return "rdna2"
	case SeriesRdna3:
		return "rdna3"
	case SeriesRdna4:
		return "rdna4"
	case SeriesStrix1:
		return "strix1"
	default:
		return "unknown"
	}
}

// ErrUnsupportedAsic is returned for families with no register layout or
// disassembler target. Callers degrade to preserving the register blob as
// opaque hex rather than aborting.
var ErrUnsupportedAsic = errors.New("asicinfo: unsupported ASIC family")

// SeriesFromFamily derives the GPU series from the family id and eRevision.
func SeriesFromFamily(family, eRev uint32) GpuSeries {
	if family == familyNavi {
		if eRev < navi2MinimumRevision {
			return SeriesNavi1
		}
		return SeriesRdna2
	}
	switch family {
	case familyNavi3:
		return SeriesRdna3
	case familyNavi4:
		return SeriesRdna4
	case familyStrix1:
		return SeriesStrix1
	default:
		return SeriesUnknown
	}
}

// DisasmTarget selects the disassembler target for a GPU series.
type DisasmTarget struct {
	// Name is the gfxip target, e.g. "gfx1100".
	Name string
	// MAttr is the comma-separated target feature string passed to the
	// disassembler's "mattr" option.
	MAttr string
}

// RegisterLayout describes where crash-relevant fields live in the wave
// register space of a GPU series. Offsets are hardware register offsets as
// they appear in the crash register blob.
type RegisterLayout struct {
	// Names maps every known register offset to its canonical name.
	Names map[uint32]string

	// Offsets of the fields the analyzer consumes directly.
	PCLo   uint32
	PCHi   uint32
	ExecLo uint32
	ExecHi uint32
	Status uint32
	HwID   uint32
}

// Info bundles everything the analyzer needs for one GPU series.
type Info struct {
	Series GpuSeries
	Layout RegisterLayout
	Target DisasmTarget
}

// Shared wave register offsets for RDNA2, RDNA3 and Strix1.
var layoutRdna2AndRdna3 = RegisterLayout{
	Names: map[uint32]string{
		0x0102: "SQ_WAVE_STATUS",
		0x0108: "SQ_WAVE_PC_LO",
		0x0109: "SQ_WAVE_PC_HI",
		0x0103: "SQ_WAVE_TRAPSTS",
		0x0107: "SQ_WAVE_IB_STS",
		0x011c: "SQ_WAVE_IB_STS2",
		0x000a: "SQ_WAVE_ACTIVE",
		0x000b: "SQ_WAVE_VALID_AND_IDLE",
		0x027e: "SQ_WAVE_EXEC_LO",
		0x027f: "SQ_WAVE_EXEC_HI",
		0x0117: "SQ_WAVE_HW_ID1",
		0x0118: "SQ_WAVE_HW_ID2",
	},
	PCLo:   0x0108,
	PCHi:   0x0109,
	ExecLo: 0x027e,
	ExecHi: 0x027f,
	Status: 0x0102,
	HwID:   0x0117,
}

// Wave register offsets for RDNA4. The PC pair moved and trap state split
// into privileged and user exception flag registers.
var layoutRdna4 = RegisterLayout{
	Names: map[uint32]string{
		0x0102: "SQ_WAVE_STATUS",
		0x0104: "SQ_WAVE_STATE_PRIV",
		0x0140: "SQ_WAVE_PC_LO",
		0x0141: "SQ_WAVE_PC_HI",
		0x0107: "SQ_WAVE_IB_STS",
		0x0111: "SQ_WAVE_EXCP_FLAG_PRIV",
		0x0112: "SQ_WAVE_EXCP_FLAG_USER",
		0x011c: "SQ_WAVE_IB_STS2",
		0x000a: "SQ_WAVE_ACTIVE",
		0x000b: "SQ_WAVE_VALID_AND_IDLE",
		0x027e: "SQ_WAVE_EXEC_LO",
		0x027f: "SQ_WAVE_EXEC_HI",
		0x0117: "SQ_WAVE_HW_ID1",
		0x0118: "SQ_WAVE_HW_ID2",
	},
	PCLo:   0x0140,
	PCHi:   0x0141,
	ExecLo: 0x027e,
	ExecHi: 0x027f,
	Status: 0x0102,
	HwID:   0x0117,
}

var infoBySeries = map[GpuSeries]Info{
	SeriesRdna2: {
		Series: SeriesRdna2,
		Layout: layoutRdna2AndRdna3,
		Target: DisasmTarget{Name: "gfx1030", MAttr: "+wavefrontsize32,+wavefrontsize64"},
	},
	SeriesRdna3: {
		Series: SeriesRdna3,
		Layout: layoutRdna2AndRdna3,
		Target: DisasmTarget{Name: "gfx1100", MAttr: "+wavefrontsize32,+wavefrontsize64"},
	},
	SeriesStrix1: {
		Series: SeriesStrix1,
		Layout: layoutRdna2AndRdna3,
		Target: DisasmTarget{Name: "gfx1150", MAttr: "+wavefrontsize32,+wavefrontsize64"},
	},
	SeriesRdna4: {
		Series: SeriesRdna4,
		Layout: layoutRdna4,
		Target: DisasmTarget{Name: "gfx1201", MAttr: "+wavefrontsize32,+wavefrontsize64"},
	},
}

// Lookup resolves the register layout and disassembler target for an ASIC
// family. Unknown or unsupported families return ErrUnsupportedAsic.
func Lookup(family, eRev uint32) (Info, error) {
	series := SeriesFromFamily(family, eRev)
	info, ok := infoBySeries[series]
	if !ok {
		return Info{}, fmt.Errorf("%w: family 0x%x rev 0x%x (%s)", ErrUnsupportedAsic, family, eRev, series)
	}
	return info, nil
}
