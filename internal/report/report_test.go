package report_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpudetect/internal/amdgpudis/amdgpudistest"
	"gpudetect/internal/analysis"
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumptest"
	"gpudetect/internal/report"
)

func sampleReport(t *testing.T) *analysis.Report {
	t.Helper()
	fake := amdgpudistest.New()
	shader := []byte("shader-elf")
	insts := make([]amdgpudistest.Inst, 8)
	for i := range insts {
		insts[i] = amdgpudistest.Inst{Text: "v_mov_b32 v0, v1"}
	}
	fake.Register(shader, &amdgpudistest.Program{
		Blocks: []amdgpudistest.Block{{Addr: 0x1000, Insts: insts}},
	})

	data := dumptest.New().
		Header(1, dumptest.FamilyRdna3, 0, "25.10.1").
		CodeObjectLoad(0x1000, 0x20, shader).
		MarkerBegin(1, 0x10, 0, 100, "frame").
		MarkerBegin(1, 0x11, 0, 110, "draw").
		MarkerEnd(1, 0x11, 150).
		MarkerBegin(1, 0x12, 0, 160, "draw").
		MarkerEnd(1, 0x12, 180).
		MarkerBegin(1, 0x13, 0, 190, "dispatch").
		Timestamp(1, 0, 200).
		CrashContext(1, crashdump.HangDevice, dumptest.Rdna3Wave(2, 0x1008, 0xF).Bytes()).
		Bytes()

	r, err := analysis.New(fake, nil).Analyze(context.Background(), data)
	require.NoError(t, err)
	return r
}

func TestWriteJSONShape(t *testing.T) {
	r := sampleReport(t)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf, r))

	var decoded struct {
		Header struct {
			DriverVersion string `json:"driver_version"`
			Series        string `json:"series"`
			HangType      string `json:"hang_type"`
		} `json:"header"`
		PerQueueForests map[string][]struct {
			Name      string `json:"name"`
			State     string `json:"state"`
			Suspected bool   `json:"suspected"`
			Children  []struct {
				Name  string `json:"name"`
				State string `json:"state"`
			} `json:"children"`
		} `json:"per_queue_forests"`
		CrashPoints []struct {
			QueueID  uint32 `json:"queue_id"`
			Resolved *struct {
				BlockAddress uint64 `json:"block_address"`
			} `json:"resolved"`
		} `json:"crash_points"`
		Diagnostics []any `json:"diagnostics"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "25.10.1", decoded.Header.DriverVersion)
	assert.Equal(t, "device hang", decoded.Header.HangType)

	forest := decoded.PerQueueForests["1"]
	require.Len(t, forest, 1)
	assert.Equal(t, "frame", forest[0].Name)
	assert.Equal(t, "in progress", forest[0].State)
	assert.True(t, forest[0].Suspected)
	require.Len(t, forest[0].Children, 3)
	assert.Equal(t, "finished", forest[0].Children[0].State)
	assert.Equal(t, "dispatch", forest[0].Children[2].Name)

	require.Len(t, decoded.CrashPoints, 1)
	require.NotNil(t, decoded.CrashPoints[0].Resolved)
	assert.Equal(t, uint64(0x1000), decoded.CrashPoints[0].Resolved.BlockAddress)

	assert.NotNil(t, decoded.Diagnostics, "diagnostics must encode as an array, never null")
}

func TestWriteJSONDeterministic(t *testing.T) {
	var first, second bytes.Buffer
	require.NoError(t, report.WriteJSON(&first, sampleReport(t)))
	require.NoError(t, report.WriteJSON(&second, sampleReport(t)))
	assert.Equal(t, first.String(), second.String())
}

func TestWriteJSONEmptyReport(t *testing.T) {
	data := dumptest.New().Header(1, dumptest.FamilyRdna3, 0, "").Bytes()
	r, err := analysis.New(nil, nil).Analyze(context.Background(), data)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf, r))

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.JSONEq(t, "[]", string(decoded["crash_points"]))
	assert.JSONEq(t, "[]", string(decoded["diagnostics"]))
}

func TestWriteTextSections(t *testing.T) {
	r := sampleReport(t)

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "CRASH SUMMARY")
	assert.Contains(t, out, "Driver version: 25.10.1")
	assert.Contains(t, out, "EXECUTION MARKER TREE")
	assert.Contains(t, out, "Queue 1:")
	assert.Contains(t, out, `[>] "frame" (in progress)  <-- suspected`)
	assert.Contains(t, out, `[X] "draw" (finished) x2`, "identical finished leaves collapse")
	assert.Contains(t, out, "CRASHING WAVES")
	assert.Contains(t, out, "0x1008")
	assert.Contains(t, out, "v_mov_b32 v0, v1")
}

func TestWriteTextUnresolvedAndRawRegisters(t *testing.T) {
	data := dumptest.New().
		Header(1, dumptest.FamilyNavi, 0x10, ""). // unsupported ASIC
		CrashContext(3, crashdump.HangPageFault, []byte{0xAB, 0xCD}).
		Bytes()
	r, err := analysis.New(nil, nil).Analyze(context.Background(), data)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "No execution markers recorded.")
	assert.Contains(t, out, "Queue 3 raw crash registers (unsupported ASIC):")
	assert.Contains(t, out, "abcd")
	assert.Contains(t, out, "DIAGNOSTICS")
}
