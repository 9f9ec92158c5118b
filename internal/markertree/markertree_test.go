package markertree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/markertree"
)

type feeder struct {
	b   *markertree.Builder
	seq uint64
}

func newFeeder(diags *dumpfmt.Diags) *feeder {
	return &feeder{b: markertree.NewBuilder(diags)}
}

func (f *feeder) next() crashdump.EventMeta {
	f.seq++
	return crashdump.EventMeta{SeqNum: f.seq}
}

func (f *feeder) begin(queue, id uint32, ts uint64, name string) {
	f.b.Begin(&crashdump.MarkerBegin{
		EventMeta:    f.next(),
		QueueID:      queue,
		MarkerID:     id,
		GPUTimestamp: ts,
		Name:         name,
	})
}

func (f *feeder) end(queue, id uint32, ts uint64) {
	f.b.End(&crashdump.MarkerEnd{
		EventMeta:    f.next(),
		QueueID:      queue,
		MarkerID:     id,
		GPUTimestamp: ts,
	})
}

func (f *feeder) timestamp(queue uint32, ts uint64) {
	f.b.Timestamp(&crashdump.TimestampWritten{
		EventMeta:    f.next(),
		QueueID:      queue,
		GPUTimestamp: ts,
	})
}

func TestNestedTreeShape(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 0x10, 100, "frame")
	f.begin(1, 0x11, 110, "shadow pass")
	f.end(1, 0x11, 150)
	f.begin(1, 0x12, 160, "main pass")
	f.end(1, 0x12, 200)
	f.end(1, 0x10, 210)

	forest := f.b.Finalize()
	require.Equal(t, []uint32{1}, forest.Queues())

	root := forest.Queue(1)
	require.NotNil(t, root)
	assert.True(t, root.Root())

	require.Len(t, root.Children, 1)
	frame := root.Children[0]
	assert.Equal(t, "frame", frame.Name)
	require.Len(t, frame.Children, 2)
	assert.Equal(t, "shadow pass", frame.Children[0].Name)
	assert.Equal(t, "main pass", frame.Children[1].Name)

	flat := root.Flatten()
	require.Len(t, flat, 3)
	assert.Equal(t, "frame", flat[0].Name)
	assert.Zero(t, diags.Len())
}

func TestClassification(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "done")
	f.end(1, 1, 150)
	f.begin(1, 2, 200, "running")
	f.end(1, 2, 400)
	f.begin(1, 3, 350, "pending")
	f.end(1, 3, 420)
	f.begin(1, 4, 250, "open")
	f.timestamp(1, 300)
	f.b.Freeze() // crash observed with the marker still open

	forest := f.b.Finalize()
	byName := map[string]markertree.State{}
	for _, n := range forest.Queue(1).Flatten() {
		byName[n.Name] = n.State
	}

	assert.Equal(t, markertree.StateCompleted, byName["done"])
	assert.Equal(t, markertree.StateInProgress, byName["running"])
	assert.Equal(t, markertree.StateNotStarted, byName["pending"])
	assert.Equal(t, markertree.StateInProgress, byName["open"], "open marker with retired begin is in progress")
}

func TestNoRetiredTimestampMeansUnknown(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "a")
	f.end(1, 1, 150)

	forest := f.b.Finalize()
	for _, n := range forest.Queue(1).Flatten() {
		assert.Equal(t, markertree.StateUnknown, n.State)
	}
}

func TestInvertedTimestampsAreUnknown(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 500, "backwards")
	f.end(1, 1, 100)
	f.timestamp(1, 1000)

	forest := f.b.Finalize()
	assert.Equal(t, markertree.StateUnknown, forest.Queue(1).Flatten()[0].State)
}

func TestUnbalancedEndClosesInnerMarkers(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "outer")
	f.begin(1, 2, 110, "inner")
	f.end(1, 1, 200) // closes outer, force-closes inner
	f.timestamp(1, 300)

	forest := f.b.Finalize()
	byName := map[string]*markertree.Node{}
	for _, n := range forest.Queue(1).Flatten() {
		byName[n.Name] = n
	}

	assert.Equal(t, markertree.StateCompleted, byName["outer"].State)
	assert.Equal(t, markertree.StateUnknown, byName["inner"].State,
		"force-closed marker stays unknown even with retired timestamps")

	require.Equal(t, 1, diags.Len())
	assert.Equal(t, dumpfmt.DiagUnbalancedMarker, diags.Items()[0].Kind)
}

func TestOrphanEndDropped(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "a")
	f.end(1, 0xBEEF, 200)
	f.timestamp(1, 300)
	f.b.Freeze()

	forest := f.b.Finalize()
	flat := forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.False(t, flat[0].HasEnd, "open marker must not be closed by an orphan end")

	require.Equal(t, 1, diags.Len())
	assert.Equal(t, dumpfmt.DiagOrphanEnd, diags.Items()[0].Kind)
}

func TestFreezeIgnoresLaterTimestamps(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "a")
	f.end(1, 1, 200)
	f.timestamp(1, 150)
	f.b.Freeze()
	f.timestamp(1, 999)

	forest := f.b.Finalize()
	assert.Equal(t, markertree.StateInProgress, forest.Queue(1).Flatten()[0].State,
		"timestamps after the crash context must not classify state")
}

func TestOpenMarkerAtEndOfDump(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "draw")
	f.timestamp(1, 300)

	forest := f.b.Finalize()
	flat := forest.Queue(1).Flatten()
	require.Len(t, flat, 1)
	assert.Equal(t, markertree.StateUnknown, flat[0].State,
		"a begin with no end and no crash context is unbalanced")

	require.Equal(t, 1, diags.Len())
	assert.Equal(t, dumpfmt.DiagUnbalancedMarker, diags.Items()[0].Kind)
}

func TestOpenMarkerAtCrashStaysInProgress(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "draw")
	f.timestamp(1, 300)
	f.b.Freeze()

	forest := f.b.Finalize()
	assert.Equal(t, markertree.StateInProgress, forest.Queue(1).Flatten()[0].State)
	assert.Zero(t, diags.Len(), "a marker open at crash time is not unbalanced")
}

func TestQueuesIsolatedAndOrdered(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(2, 1, 100, "q2")
	f.begin(7, 1, 100, "q7")
	f.end(7, 1, 200)
	f.timestamp(7, 300)

	forest := f.b.Finalize()
	assert.Equal(t, []uint32{2, 7}, forest.Queues())

	assert.Equal(t, markertree.StateUnknown, forest.Queue(2).Flatten()[0].State)
	assert.Equal(t, markertree.StateCompleted, forest.Queue(7).Flatten()[0].State)
	assert.Nil(t, forest.Queue(99))
}

func TestInProgressDescendantAggregation(t *testing.T) {
	var diags dumpfmt.Diags
	f := newFeeder(&diags)

	f.begin(1, 1, 100, "frame")
	f.begin(1, 2, 110, "pass")
	f.begin(1, 3, 120, "draw")
	f.end(1, 3, 500)
	f.end(1, 2, 510)
	f.end(1, 1, 520)
	f.timestamp(1, 130)

	forest := f.b.Finalize()
	byName := map[string]*markertree.Node{}
	for _, n := range forest.Queue(1).Flatten() {
		byName[n.Name] = n
	}

	assert.Equal(t, markertree.StateInProgress, byName["draw"].State)
	assert.True(t, byName["frame"].HasInProgressDescendant)
	assert.True(t, byName["pass"].HasInProgressDescendant)
	assert.False(t, byName["draw"].HasInProgressDescendant)
}
