// Package regparse decodes the crash-context register blob into wave records
// using the register layout of the identified GPU series.
package regparse

import (
	"fmt"
	"sort"

	"gpudetect/internal/asicinfo"
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
)

// Register sources within the crash blob. When the same register for the same
// wave is present in both, the SQ value wins: the shader-queue snapshot is
// taken closer to the wave than the SPI one.
const (
	sourceSQ  uint32 = 0
	sourceSPI uint32 = 1
)

// WaveRecord is the decoded state of one wave at crash time.
type WaveRecord struct {
	WaveID         uint32            `json:"wave_id"`
	ProgramCounter uint64            `json:"program_counter"`
	ExecMask       uint64            `json:"exec_mask"`
	Status         uint32            `json:"status"`
	HwID           uint32            `json:"hw_id"`
	AdditionalRegs map[string]uint64 `json:"additional_regs,omitempty"`
}

// CrashContext is the decoded form of a crash-context event.
type CrashContext struct {
	QueueID  uint32
	HangType crashdump.HangType
	Seq      uint64
	Waves    []WaveRecord

	// RawBlob is retained when the ASIC family is unsupported so the report
	// can preserve the registers as opaque hex.
	RawBlob []byte
}

// waveRegs holds per-wave register values keyed by offset, with the source
// they were read from for tie-breaking.
type waveRegs struct {
	values map[uint32]uint32
	source map[uint32]uint32
}

// Parse decodes one crash-context event. Parsing is best-effort: undecodable
// fields become diagnostics and a wave is only dropped when its program
// counter pair is missing. A truncated blob terminates decoding of further
// groups but keeps the waves already decoded.
func Parse(ev *crashdump.CrashContext, layout asicinfo.RegisterLayout, diags *dumpfmt.Diags) *CrashContext {
	out := &CrashContext{QueueID: ev.QueueID, HangType: ev.HangType, Seq: ev.Seq()}

	regs := map[uint32]*waveRegs{}
	var order []uint32

	s := dumpfmt.NewStream(ev.RegisterBlob)
	for s.Remaining() > 0 {
		source, err := s.ReadUint32()
		if err != nil {
			diags.Addf(ev.Seq(), dumpfmt.DiagRegisterUndecoded, "truncated wave group header in register blob")
			break
		}
		waveID, err := s.ReadUint32()
		if err != nil {
			diags.Addf(ev.Seq(), dumpfmt.DiagRegisterUndecoded, "truncated wave group header in register blob")
			break
		}
		numRegs, err := s.ReadUint32()
		if err != nil {
			diags.Addf(ev.Seq(), dumpfmt.DiagRegisterUndecoded, "truncated wave group header for wave %d", waveID)
			break
		}

		wr, ok := regs[waveID]
		if !ok {
			wr = &waveRegs{values: map[uint32]uint32{}, source: map[uint32]uint32{}}
			regs[waveID] = wr
			order = append(order, waveID)
		}

		truncatedGroup := false
		for i := uint32(0); i < numRegs; i++ {
			offset, err := s.ReadUint32()
			if err != nil {
				truncatedGroup = true
				break
			}
			value, err := s.ReadUint32()
			if err != nil {
				diags.Addf(ev.Seq(), dumpfmt.DiagRegisterUndecoded,
					"wave %d: register 0x%04x has no value", waveID, offset)
				truncatedGroup = true
				break
			}
			if prev, seen := wr.source[offset]; seen {
				// Duplicate field: prefer the SQ source over the SPI source.
				if prev == sourceSQ && source == sourceSPI {
					continue
				}
			}
			wr.values[offset] = value
			wr.source[offset] = source
		}
		if truncatedGroup {
			diags.Addf(ev.Seq(), dumpfmt.DiagRegisterUndecoded,
				"wave %d: register group truncated", waveID)
			break
		}
	}

	for _, waveID := range order {
		wr := regs[waveID]
		rec, ok := decodeWave(waveID, wr, layout, ev.Seq(), diags)
		if !ok {
			continue
		}
		out.Waves = append(out.Waves, rec)
	}
	return out
}

// decodeWave assembles a WaveRecord from raw register values. All register
// widths are exact; no field in the wave register set is signed, so no
// sign-extension is applied.
func decodeWave(waveID uint32, wr *waveRegs, layout asicinfo.RegisterLayout, seq uint64, diags *dumpfmt.Diags) (WaveRecord, bool) {
	rec := WaveRecord{WaveID: waveID}

	pcLo, haveLo := wr.values[layout.PCLo]
	pcHi, haveHi := wr.values[layout.PCHi]
	if !haveLo || !haveHi {
		diags.Addf(seq, dumpfmt.DiagRegisterUndecoded,
			"wave %d: program counter pair (%s, %s) missing, wave dropped",
			waveID, layout.Names[layout.PCLo], layout.Names[layout.PCHi])
		return WaveRecord{}, false
	}
	rec.ProgramCounter = uint64(pcHi)<<32 | uint64(pcLo)

	if lo, ok := wr.values[layout.ExecLo]; ok {
		if hi, ok := wr.values[layout.ExecHi]; ok {
			rec.ExecMask = uint64(hi)<<32 | uint64(lo)
		} else {
			rec.ExecMask = uint64(lo)
			diags.Addf(seq, dumpfmt.DiagRegisterUndecoded,
				"wave %d: %s missing, exec mask truncated to 32 bits", waveID, layout.Names[layout.ExecHi])
		}
	} else {
		diags.Addf(seq, dumpfmt.DiagRegisterUndecoded,
			"wave %d: %s missing", waveID, layout.Names[layout.ExecLo])
	}

	if v, ok := wr.values[layout.Status]; ok {
		rec.Status = v
	} else {
		diags.Addf(seq, dumpfmt.DiagRegisterUndecoded,
			"wave %d: %s missing", waveID, layout.Names[layout.Status])
	}
	if v, ok := wr.values[layout.HwID]; ok {
		rec.HwID = v
	} else {
		diags.Addf(seq, dumpfmt.DiagRegisterUndecoded,
			"wave %d: %s missing", waveID, layout.Names[layout.HwID])
	}

	consumed := map[uint32]bool{
		layout.PCLo: true, layout.PCHi: true,
		layout.ExecLo: true, layout.ExecHi: true,
		layout.Status: true, layout.HwID: true,
	}
	for offset, value := range wr.values {
		if consumed[offset] {
			continue
		}
		name, known := layout.Names[offset]
		if !known {
			name = fmt.Sprintf("REG_0x%04x", offset)
		}
		if rec.AdditionalRegs == nil {
			rec.AdditionalRegs = map[string]uint64{}
		}
		rec.AdditionalRegs[name] = uint64(value)
	}
	return rec, true
}

// ParseOpaque preserves a crash context whose ASIC family has no register
// layout. No waves are decoded; the raw blob is kept for hex output.
func ParseOpaque(ev *crashdump.CrashContext, diags *dumpfmt.Diags) *CrashContext {
	diags.Addf(ev.Seq(), dumpfmt.DiagUnsupportedAsic,
		"crash context registers preserved as opaque blob (%d bytes)", len(ev.RegisterBlob))
	return &CrashContext{
		QueueID:  ev.QueueID,
		HangType: ev.HangType,
		Seq:      ev.Seq(),
		RawBlob:  ev.RegisterBlob,
	}
}

// SortedAdditionalRegs returns the additional register names in stable order,
// for deterministic report output.
func (w *WaveRecord) SortedAdditionalRegs() []string {
	names := make([]string, 0, len(w.AdditionalRegs))
	for name := range w.AdditionalRegs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
