// Package report projects the analysis model into JSON and plain text.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"gpudetect/internal/analysis"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/markertree"
)

type jsonNode struct {
	ID           uint32     `json:"id"`
	Name         string     `json:"name"`
	Source       string     `json:"source"`
	State        string     `json:"state"`
	BeginGPUTime uint64     `json:"begin_gpu_ts"`
	EndGPUTime   *uint64    `json:"end_gpu_ts,omitempty"`
	Suspected    bool       `json:"suspected,omitempty"`
	Children     []jsonNode `json:"children,omitempty"`
}

type jsonReport struct {
	Header          analysis.Header                `json:"header"`
	PerQueueForests map[string][]jsonNode          `json:"per_queue_forests"`
	CrashPoints     []analysis.CrashPoint          `json:"crash_points"`
	ResourceSummary analysis.ResourceSummary       `json:"resource_summary"`
	RawRegisters    []analysis.RawCrashBlob        `json:"raw_registers,omitempty"`
	Diagnostics     []dumpfmt.Diag                 `json:"diagnostics"`
}

func toJSONNode(n *markertree.Node) jsonNode {
	out := jsonNode{
		ID:           n.ID,
		Name:         n.Name,
		Source:       n.Source.String(),
		State:        n.State.String(),
		BeginGPUTime: n.BeginGPUTime,
		Suspected:    n.Suspected,
	}
	if n.HasEnd {
		end := n.EndGPUTime
		out.EndGPUTime = &end
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, toJSONNode(c))
	}
	return out
}

// WriteJSON writes the report as indented JSON. Output is deterministic:
// queue keys are sorted by the encoder and every slice is in model order.
func WriteJSON(w io.Writer, r *analysis.Report) error {
	out := jsonReport{
		Header:          r.Header,
		PerQueueForests: map[string][]jsonNode{},
		CrashPoints:     r.CrashPoints,
		ResourceSummary: r.Resources,
		RawRegisters:    r.RawBlobs,
		Diagnostics:     r.Diagnostics,
	}
	if out.CrashPoints == nil {
		out.CrashPoints = []analysis.CrashPoint{}
	}
	if out.Diagnostics == nil {
		out.Diagnostics = []dumpfmt.Diag{}
	}
	for _, q := range r.Forest.Queues() {
		root := r.Forest.Queue(q)
		var top []jsonNode
		for _, c := range root.Children {
			top = append(top, toJSONNode(c))
		}
		out.PerQueueForests[fmt.Sprintf("%d", q)] = top
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}
