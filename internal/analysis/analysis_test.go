package analysis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpudetect/internal/amdgpudis/amdgpudistest"
	"gpudetect/internal/analysis"
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/dumptest"
	"gpudetect/internal/markertree"
)

func analyze(t *testing.T, fake *amdgpudistest.Fake, data []byte) *analysis.Report {
	t.Helper()
	a := analysis.New(nil, nil)
	if fake != nil {
		a = analysis.New(fake, nil)
	}
	report, err := a.Analyze(context.Background(), data)
	require.NoError(t, err)
	return report
}

func diagKinds(report *analysis.Report) []dumpfmt.DiagKind {
	var kinds []dumpfmt.DiagKind
	for _, d := range report.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func TestAnalyzeHeaderOnlyDump(t *testing.T) {
	data := dumptest.New().Header(1, dumptest.FamilyRdna3, 0, "25.10.1").Bytes()

	report := analyze(t, nil, data)

	assert.Equal(t, "25.10.1", report.Header.DriverVersion)
	assert.Equal(t, "gfx1100", report.Header.DisasmTarget)
	assert.Empty(t, report.Forest.Queues())
	assert.Empty(t, report.CrashPoints)
	assert.Empty(t, report.Diagnostics)
}

func TestAnalyzeSingleMarkerCompleted(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "frame 0").
		MarkerEnd(1, 0x10, 200).
		Timestamp(1, 0, 250).
		Bytes()

	report := analyze(t, nil, data)

	flat := report.Forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.Equal(t, "frame 0", flat[0].Name)
	assert.Equal(t, markertree.StateCompleted, flat[0].State)
	assert.False(t, flat[0].Suspected)
}

func TestAnalyzeInProgressMarkerWithUnresolvedWave(t *testing.T) {
	blob := dumptest.Rdna3Wave(0, 0xDEAD0000, 0xF).Bytes()
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "draw").
		Timestamp(1, 0, 150).
		CrashContext(1, crashdump.HangDevice, blob).
		Bytes()

	report := analyze(t, nil, data)

	flat := report.Forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.Equal(t, markertree.StateInProgress, flat[0].State)
	assert.False(t, flat[0].Suspected, "unresolved wave must not mark markers suspected")

	require.Len(t, report.CrashPoints, 1)
	cp := report.CrashPoints[0]
	assert.Nil(t, cp.Resolved)
	assert.Equal(t, "no code object contains pc", cp.UnresolvedReason)
	assert.Equal(t, "device hang", report.Header.HangType)
	assert.Contains(t, diagKinds(report), dumpfmt.DiagUnresolvedWave)
}

func TestAnalyzeResolvesCrashPC(t *testing.T) {
	fake := amdgpudistest.New()
	shader := []byte("shader-elf")
	fake.Register(shader, &amdgpudistest.Program{
		Blocks: []amdgpudistest.Block{
			{Addr: 0x1000, Insts: eightInsts("s_mov_b32 s0, s1")},
			{Addr: 0x1020, Insts: eightInsts("v_add_f32 v0, v1, v2")},
		},
	})

	blob := dumptest.Rdna3Wave(3, 0x1024, 0xFFFFFFFF).Bytes()
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		CodeObjectLoad(0x1000, 0x40, shader).
		MarkerBegin(1, 0x10, 0, 100, "dispatch").
		Timestamp(1, 0, 150).
		CrashContext(1, crashdump.HangDevice, blob).
		Bytes()

	report := analyze(t, fake, data)

	require.Len(t, report.CrashPoints, 1)
	cp := report.CrashPoints[0]
	require.NotNil(t, cp.Resolved)
	assert.Equal(t, uint64(0x1000), cp.Resolved.CodeObjectLoadAddr)
	assert.Equal(t, uint64(0x1020), cp.Resolved.BlockAddress)
	assert.Equal(t, uint64(1), cp.Resolved.InstructionOffset)
	assert.Equal(t, "v_add_f32 v0, v1, v2", cp.Resolved.DisasmLine)
	assert.Equal(t, uint32(3), cp.Wave.WaveID)

	flat := report.Forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.True(t, flat[0].Suspected, "in-progress marker on the crashing queue is suspected")

	assert.Equal(t, fake.ContextsOpened, fake.ContextsClosed, "analysis must release disassembler contexts")
}

func TestAnalyzeOverlappingLoad(t *testing.T) {
	fake := amdgpudistest.New()
	shader := []byte("shader-a")
	fake.Register(shader, &amdgpudistest.Program{
		Blocks: []amdgpudistest.Block{{Addr: 0x1000, Insts: eightInsts("s_nop 0")}},
	})

	blob := dumptest.Rdna3Wave(0, 0x1004, 0).Bytes()
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		CodeObjectLoad(0x1000, 0x20, shader).
		CodeObjectLoad(0x1010, 0x20, []byte("shader-b")).
		CrashContext(1, crashdump.HangUnknown, blob).
		Bytes()

	report := analyze(t, fake, data)

	assert.Contains(t, diagKinds(report), dumpfmt.DiagOverlappingLoad)
	require.Len(t, report.CrashPoints, 1)
	require.NotNil(t, report.CrashPoints[0].Resolved)
	assert.Equal(t, uint64(0x1000), report.CrashPoints[0].Resolved.CodeObjectLoadAddr)
}

func TestAnalyzeOpenMarkerWithoutCrash(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "draw").
		Bytes()

	report := analyze(t, nil, data)

	flat := report.Forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.Equal(t, markertree.StateUnknown, flat[0].State)
	assert.Contains(t, diagKinds(report), dumpfmt.DiagUnbalancedMarker,
		"a begin with no end and no crash context is unbalanced")
}

func TestAnalyzeUnbalancedMarkers(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "outer").
		MarkerBegin(1, 0x11, 0, 110, "inner").
		MarkerEnd(1, 0x10, 200).
		Timestamp(1, 0, 250).
		Bytes()

	report := analyze(t, nil, data)

	byName := map[string]*markertree.Node{}
	for _, n := range report.Forest.Queue(1).Flatten() {
		byName[n.Name] = n
	}
	assert.Equal(t, markertree.StateCompleted, byName["outer"].State)
	assert.Equal(t, markertree.StateUnknown, byName["inner"].State)
	assert.Contains(t, diagKinds(report), dumpfmt.DiagUnbalancedMarker)
}

func TestAnalyzeUnsupportedAsicKeepsRawBlob(t *testing.T) {
	blob := []byte{0xCA, 0xFE}
	data := dumptest.New().
		Header(1, dumptest.FamilyNavi, 0x10, ""). // navi1, unsupported
		CrashContext(2, crashdump.HangPageFault, blob).
		Bytes()

	report := analyze(t, nil, data)

	assert.Empty(t, report.Header.DisasmTarget)
	assert.Empty(t, report.CrashPoints)
	require.Len(t, report.RawBlobs, 1)
	assert.Equal(t, uint32(2), report.RawBlobs[0].QueueID)
	assert.Equal(t, "cafe", report.RawBlobs[0].RegisterHex)
	assert.Contains(t, diagKinds(report), dumpfmt.DiagUnsupportedAsic)
}

func TestAnalyzeMultipleCrashContexts(t *testing.T) {
	blob := dumptest.Rdna3Wave(0, 0x1000, 0).Bytes()
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		CrashContext(1, crashdump.HangDevice, blob).
		CrashContext(2, crashdump.HangDevice, blob).
		Bytes()

	report := analyze(t, nil, data)

	assert.Len(t, report.CrashPoints, 2)
	assert.Contains(t, diagKinds(report), dumpfmt.DiagMultipleCrashContexts)
}

func TestAnalyzeTimestampsAfterCrashIgnored(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "draw").
		MarkerEnd(1, 0x10, 200).
		Timestamp(1, 0, 150).
		CrashContext(1, crashdump.HangDevice, dumptest.Rdna3Wave(0, 0x1000, 0).Bytes()).
		Timestamp(1, 0, 999).
		Bytes()

	report := analyze(t, nil, data)

	flat := report.Forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.Equal(t, markertree.StateInProgress, flat[0].State,
		"timestamps retired after the crash context must not classify state")
}

func TestAnalyzeResourceSummary(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		Resource(1, 0, crashdump.ResourceCreate, 4096, "vb0").
		Resource(2, 0, crashdump.ResourceCreate, 8192, "vb1").
		Resource(1, 0, crashdump.ResourceDestroy, 0, "").
		Resource(3, 1, crashdump.ResourceCreate, 1<<20, "rt0").
		Resource(3, 1, crashdump.ResourceBind, 0, "").
		Bytes()

	report := analyze(t, nil, data)

	require.Len(t, report.Resources.Types, 2)
	buf := report.Resources.Types[0]
	assert.Equal(t, "buffer", buf.TypeName)
	assert.Equal(t, uint64(2), buf.Created)
	assert.Equal(t, uint64(1), buf.Destroyed)
	assert.Equal(t, uint64(8192), buf.LiveBytes)
	assert.Equal(t, uint64(12288), buf.TotalBytes)

	img := report.Resources.Types[1]
	assert.Equal(t, "image", img.TypeName)
	assert.Equal(t, uint64(1), img.Created)
	assert.Equal(t, uint64(1<<20), img.LiveBytes)
}

func TestAnalyzeFatalErrorsPassThrough(t *testing.T) {
	a := analysis.New(nil, nil)

	_, err := a.Analyze(context.Background(), []byte("NOPE....."))
	require.ErrorIs(t, err, crashdump.ErrInvalidDump)
	assert.True(t, analysis.Fatal(err))

	_, err = a.Analyze(context.Background(), dumptest.New().Header(99, dumptest.FamilyRdna3, 0, "").Bytes())
	require.ErrorIs(t, err, crashdump.ErrVersionUnsupported)
	assert.True(t, analysis.Fatal(err))
}

func TestAnalyzeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "").
		MarkerBegin(1, 0x10, 0, 100, "draw").
		Bytes()

	a := analysis.New(nil, nil)
	_, err := a.Analyze(ctx, data)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, analysis.Fatal(err))
}

func eightInsts(text string) []amdgpudistest.Inst {
	out := make([]amdgpudistest.Inst, 8)
	for i := range out {
		out[i] = amdgpudistest.Inst{Text: text}
	}
	return out
}
