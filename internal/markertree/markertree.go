// Package markertree reconstructs per-queue execution marker trees from
// begin/end marker events and classifies each node's execution state against
// the queue's retired GPU timestamps.
package markertree

import (
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
)

// State is the execution state of a marker region at crash time.
type State uint8

const (
	StateUnknown State = iota
	StateNotStarted
	StateInProgress
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateInProgress:
		return "in progress"
	case StateCompleted:
		return "finished"
	default:
		return "unknown"
	}
}

// Node is one marker region. Nodes are created by MarkerBegin events and
// never deleted; MarkerEnd mutates the existing node. After construction only
// child pointers are retained, keeping ownership acyclic.
type Node struct {
	ID      uint32               `json:"id"`
	QueueID uint32               `json:"queue_id"`
	Name    string               `json:"name"`
	Source  crashdump.MarkerSource `json:"-"`

	Children []*Node `json:"children,omitempty"`

	BeginSeq uint64 `json:"begin_seq"`
	EndSeq   uint64 `json:"end_seq,omitempty"` // 0 while open

	BeginGPUTime uint64 `json:"begin_gpu_ts"`
	EndGPUTime   uint64 `json:"end_gpu_ts,omitempty"`
	HasEnd       bool   `json:"-"`

	State State `json:"-"`

	// Suspected marks an in-progress node on the queue of a resolved crash
	// wave.
	Suspected bool `json:"suspected,omitempty"`

	// HasInProgressDescendant propagates leaf-first for report styling.
	HasInProgressDescendant bool `json:"-"`

	// forcedUnknown is set on nodes closed by unbalanced-marker recovery;
	// classification never overrides it.
	forcedUnknown bool

	// synthetic marks the per-queue root.
	synthetic bool
}

// Root reports whether the node is a synthetic queue root.
func (n *Node) Root() bool { return n.synthetic }

// Flatten returns the subtree's non-synthetic nodes in pre-order.
func (n *Node) Flatten() []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(m *Node) {
		if !m.synthetic {
			out = append(out, m)
		}
		for _, c := range m.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// queueState is the in-construction view of one queue's tree.
type queueState struct {
	root  *Node
	stack []*Node // open markers, innermost last

	lastRetired uint64
	hasRetired  bool
}

func (q *queueState) top() *Node {
	if len(q.stack) == 0 {
		return q.root
	}
	return q.stack[len(q.stack)-1]
}

// Builder consumes marker and timestamp events in sequence order.
type Builder struct {
	queues map[uint32]*queueState
	order  []uint32
	diags  *dumpfmt.Diags

	// frozen stops retired-timestamp updates: only timestamps written prior
	// to the crash context classify node state.
	frozen bool
}

// NewBuilder creates an empty builder.
func NewBuilder(diags *dumpfmt.Diags) *Builder {
	return &Builder{queues: map[uint32]*queueState{}, diags: diags}
}

func (b *Builder) queue(id uint32) *queueState {
	q, ok := b.queues[id]
	if !ok {
		q = &queueState{root: &Node{QueueID: id, synthetic: true}}
		b.queues[id] = q
		b.order = append(b.order, id)
	}
	return q
}

// Begin pushes a new marker node under the innermost open marker of the
// queue, or under the queue root when the stack is empty.
func (b *Builder) Begin(ev *crashdump.MarkerBegin) {
	q := b.queue(ev.QueueID)
	node := &Node{
		ID:           ev.MarkerID,
		QueueID:      ev.QueueID,
		Name:         ev.Name,
		Source:       ev.Source(),
		BeginSeq:     ev.Seq(),
		BeginGPUTime: ev.GPUTimestamp,
	}
	parent := q.top()
	parent.Children = append(parent.Children, node)
	q.stack = append(q.stack, node)
}

// End closes the innermost open marker with a matching id. Markers popped
// without a matching end are closed as Unknown with an UnbalancedMarker
// diagnostic; an end with no open match on the stack is dropped with an
// OrphanEnd diagnostic.
func (b *Builder) End(ev *crashdump.MarkerEnd) {
	q := b.queue(ev.QueueID)

	match := -1
	for i := len(q.stack) - 1; i >= 0; i-- {
		if q.stack[i].ID == ev.MarkerID {
			match = i
			break
		}
	}
	if match < 0 {
		b.diags.Addf(ev.Seq(), dumpfmt.DiagOrphanEnd,
			"queue %d: end for marker 0x%x with no open begin, dropped", ev.QueueID, ev.MarkerID)
		return
	}

	for i := len(q.stack) - 1; i > match; i-- {
		n := q.stack[i]
		n.EndSeq = ev.Seq()
		n.forcedUnknown = true
		b.diags.Addf(ev.Seq(), dumpfmt.DiagUnbalancedMarker,
			"queue %d: marker 0x%x (%q) closed without a matching end", ev.QueueID, n.ID, n.Name)
	}

	n := q.stack[match]
	n.EndSeq = ev.Seq()
	n.EndGPUTime = ev.GPUTimestamp
	n.HasEnd = true
	q.stack = q.stack[:match]
}

// Timestamp records a retired GPU timestamp for the queue. Updates after
// Freeze are ignored.
func (b *Builder) Timestamp(ev *crashdump.TimestampWritten) {
	if b.frozen {
		return
	}
	q := b.queue(ev.QueueID)
	if !q.hasRetired || ev.GPUTimestamp > q.lastRetired {
		q.lastRetired = ev.GPUTimestamp
		q.hasRetired = true
	}
}

// Freeze pins the retired timestamps. Called when the crash context is
// observed: only timestamps retired before the crash classify marker state.
func (b *Builder) Freeze() { b.frozen = true }

// Forest is the final per-queue marker trees.
type Forest struct {
	roots map[uint32]*Node
	order []uint32
}

// Queues returns queue ids in first-seen order.
func (f *Forest) Queues() []uint32 { return f.order }

// Queue returns the synthetic root of a queue's tree, or nil.
func (f *Forest) Queue(id uint32) *Node { return f.roots[id] }

// Finalize classifies every node's state and computes the in-progress
// descendant aggregation. The builder must not be fed further events.
//
// A marker still open at end of dump is only legitimate when a crash context
// froze the builder mid-frame; without one, every open marker is an
// unbalanced begin and is closed as Unknown with a diagnostic.
func (b *Builder) Finalize() *Forest {
	f := &Forest{roots: map[uint32]*Node{}, order: b.order}
	for id, q := range b.queues {
		if !b.frozen {
			for _, n := range q.stack {
				n.forcedUnknown = true
				b.diags.Addf(n.BeginSeq, dumpfmt.DiagUnbalancedMarker,
					"queue %d: marker 0x%x (%q) still open at end of dump", id, n.ID, n.Name)
			}
			q.stack = nil
		}
		for _, n := range q.root.Flatten() {
			n.State = classify(n, q)
		}
		aggregate(q.root)
		f.roots[id] = q.root
	}
	return f
}

// classify derives a node's execution state from the queue's last retired
// timestamp:
//
//  1. end ts present and <= last retired: Completed.
//  2. begin ts <= last retired < end ts (or no end): InProgress.
//  3. begin ts > last retired: NotStarted.
//  4. timestamps absent or inconsistent: Unknown.
func classify(n *Node, q *queueState) State {
	if n.forcedUnknown {
		return StateUnknown
	}
	if !q.hasRetired {
		return StateUnknown
	}
	if n.HasEnd && n.EndGPUTime < n.BeginGPUTime {
		return StateUnknown
	}
	switch {
	case n.HasEnd && n.EndGPUTime <= q.lastRetired:
		return StateCompleted
	case n.BeginGPUTime <= q.lastRetired:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// aggregate propagates "contains in-progress descendant" leaf-first.
func aggregate(n *Node) bool {
	inProgress := !n.synthetic && n.State == StateInProgress
	for _, c := range n.Children {
		if aggregate(c) {
			n.HasInProgressDescendant = true
		}
	}
	return inProgress || n.HasInProgressDescendant
}
