package analysis

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"gpudetect/internal/amdgpudis"
	"gpudetect/internal/asicinfo"
	"gpudetect/internal/codeobjdb"
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/markertree"
	"gpudetect/internal/regparse"
)

// Analyzer runs the post-mortem pipeline over one dump. Analysis is
// single-threaded: one pass over the event sequence, then one pass over the
// crashing waves. The only fatal conditions are dump parse errors and an
// incompatible disassembler ABI; everything else degrades to diagnostics.
type Analyzer struct {
	dis amdgpudis.Disassembler
	log *zap.SugaredLogger
}

// New creates an analyzer. dis may be nil when no disassembler is available;
// crash points then stay unresolved. A nil logger disables logging.
func New(dis amdgpudis.Disassembler, log *zap.SugaredLogger) *Analyzer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Analyzer{dis: dis, log: log}
}

// Analyze consumes a complete dump and assembles the crash report.
// Cancellation is cooperative: ctx is checked between events and between
// per-wave resolutions.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Report, error) {
	var diags dumpfmt.Diags

	reader, err := crashdump.NewReader(data, &diags)
	if err != nil {
		return nil, err
	}
	hdr := reader.Header()
	a.log.Debugw("dump header",
		"version", hdr.FormatVersion,
		"family", hdr.AsicFamilyID,
		"erev", hdr.AsicERev,
		"driver", hdr.DriverVersion)

	report := &Report{
		Header: Header{
			FormatVersion: hdr.FormatVersion,
			Timestamp:     hdr.Timestamp,
			DriverVersion: hdr.DriverVersion,
			AsicFamilyID:  hdr.AsicFamilyID,
			AsicERev:      hdr.AsicERev,
			Series:        asicinfo.SeriesFromFamily(hdr.AsicFamilyID, hdr.AsicERev).String(),
		},
	}

	info, asicErr := asicinfo.Lookup(hdr.AsicFamilyID, hdr.AsicERev)
	asicSupported := asicErr == nil
	if asicSupported {
		report.Header.DisasmTarget = info.Target.Name
	} else {
		diags.Addf(hdr.Seq(), dumpfmt.DiagUnsupportedAsic, "%v", asicErr)
	}

	builder := markertree.NewBuilder(&diags)
	db := codeobjdb.New(a.dis, info.Target, &diags)
	defer db.Close()
	resources := newResourceFold()

	var crashContexts []*regparse.CrashContext

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev := ev.(type) {
		case *crashdump.DumpHeader:
			// Consumed above; later header frames would be mandatory-unknown
			// territory but the reader only accepts one as the first frame.
		case *crashdump.MarkerBegin:
			builder.Begin(ev)
		case *crashdump.MarkerEnd:
			builder.End(ev)
		case *crashdump.TimestampWritten:
			builder.Timestamp(ev)
		case *crashdump.CodeObjectLoad:
			db.Insert(ev.LoadAddress, ev.Size, ev.Blob, ev.Seq())
		case *crashdump.CodeObjectUnload:
			db.Unload(ev.LoadAddress, ev.Seq())
		case *crashdump.CrashContext:
			builder.Freeze()
			var cc *regparse.CrashContext
			if asicSupported {
				cc = regparse.Parse(ev, info.Layout, &diags)
			} else {
				cc = regparse.ParseOpaque(ev, &diags)
			}
			crashContexts = append(crashContexts, cc)
			if len(crashContexts) == 2 {
				diags.Addf(ev.Seq(), dumpfmt.DiagMultipleCrashContexts,
					"dump contains more than one crash context; all are preserved")
			}
			if ev.HangType != crashdump.HangUnknown || report.Header.HangType == "" {
				report.Header.HangType = ev.HangType.String()
			}
		case *crashdump.ResourceEvent:
			resources.observe(ev)
		}
	}

	report.Forest = builder.Finalize()
	report.Resources = resources.summary()

	for _, cc := range crashContexts {
		if cc.RawBlob != nil {
			report.RawBlobs = append(report.RawBlobs, rawBlob(cc))
		}
		for _, wave := range cc.Waves {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			cp := a.resolveWave(db, cc, wave, &diags)
			report.CrashPoints = append(report.CrashPoints, cp)
			if cp.Resolved != nil {
				markSuspected(report.Forest.Queue(cc.QueueID))
			}
		}
	}

	report.Diagnostics = diags.Items()
	a.log.Infow("analysis complete",
		"queues", len(report.Forest.Queues()),
		"crash_points", len(report.CrashPoints),
		"code_objects", db.Len(),
		"diagnostics", len(report.Diagnostics))
	return report, nil
}

// resolveWave maps one wave's PC to a code object location. Any failure
// downgrades the wave to unresolved; it never aborts the analysis.
func (a *Analyzer) resolveWave(db *codeobjdb.Database, cc *regparse.CrashContext, wave regparse.WaveRecord, diags *dumpfmt.Diags) CrashPoint {
	cp := CrashPoint{QueueID: cc.QueueID, Wave: wave}

	res, err := db.Resolve(wave.ProgramCounter, cc.Seq)
	if err != nil {
		cp.UnresolvedReason = unresolvedReason(err)
		diags.Addf(cc.Seq, dumpfmt.DiagUnresolvedWave,
			"wave %d: pc 0x%x unresolved: %s", wave.WaveID, wave.ProgramCounter, cp.UnresolvedReason)
		return cp
	}
	cp.Resolved = &ResolvedLocation{
		CodeObjectLoadAddr: res.Object.LoadAddress,
		BlockAddress:       res.BlockAddress,
		InstructionOffset:  res.InstructionOffset,
		DisasmLine:         res.Line.Text,
		Comment:            res.Line.Comment,
		Symbol:             res.Symbol,
		ViaUnloaded:        res.ViaUnloaded,
	}
	return cp
}

func unresolvedReason(err error) string {
	switch {
	case errors.Is(err, amdgpudis.ErrInvalidPC):
		return "invalid pc"
	case errors.Is(err, codeobjdb.ErrNotFound):
		return "no code object contains pc"
	case errors.Is(err, codeobjdb.ErrNoDisassembler):
		return "disassembler unavailable"
	default:
		return err.Error()
	}
}

// markSuspected flags the in-progress markers of the crashing wave's queue.
func markSuspected(root *markertree.Node) {
	if root == nil {
		return
	}
	for _, n := range root.Flatten() {
		if n.State == markertree.StateInProgress {
			n.Suspected = true
		}
	}
}

// Fatal reports whether err is one of the analyzer's fatal error kinds, as
// opposed to an environmental or cancellation error.
func Fatal(err error) bool {
	return errors.Is(err, crashdump.ErrTruncated) ||
		errors.Is(err, crashdump.ErrInvalidDump) ||
		errors.Is(err, crashdump.ErrVersionUnsupported) ||
		errors.Is(err, amdgpudis.ErrAbiMismatch)
}
