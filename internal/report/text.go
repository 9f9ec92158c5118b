package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"gpudetect/internal/analysis"
	"gpudetect/internal/markertree"
)

// WriteText writes the human-readable report.
func WriteText(w io.Writer, r *analysis.Report) error {
	writeTextHeader(w, r)
	writeMarkerForest(w, r)
	writeCrashPoints(w, r)
	writeResources(w, r)
	writeDiagnostics(w, r)
	return nil
}

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("=", len(title)))
}

func writeTextHeader(w io.Writer, r *analysis.Report) {
	section(w, "CRASH SUMMARY")
	fmt.Fprintf(w, "Driver version: %s\n", orNA(r.Header.DriverVersion))
	fmt.Fprintf(w, "GPU series:     %s\n", r.Header.Series)
	if r.Header.DisasmTarget != "" {
		fmt.Fprintf(w, "Target:         %s\n", r.Header.DisasmTarget)
	}
	if r.Header.HangType != "" {
		fmt.Fprintf(w, "Crash type:     %s\n", r.Header.HangType)
	}
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func writeMarkerForest(w io.Writer, r *analysis.Report) {
	section(w, "EXECUTION MARKER TREE")
	queues := r.Forest.Queues()
	if len(queues) == 0 {
		fmt.Fprintln(w, "No execution markers recorded.")
		return
	}
	for _, q := range queues {
		root := r.Forest.Queue(q)
		fmt.Fprintf(w, "Queue %d:\n", q)
		if len(root.Children) == 0 {
			fmt.Fprintln(w, "  (no markers)")
			continue
		}
		writeChildren(w, root.Children, nil)
	}
}

// writeChildren renders sibling nodes with tree guides. Consecutive siblings
// with the same name and state collapse into a single line with a repeat
// count.
func writeChildren(w io.Writer, nodes []*markertree.Node, ancestorsLast []bool) {
	for i := 0; i < len(nodes); i++ {
		n := nodes[i]

		// Count consecutive identical leaf siblings.
		repeat := 1
		if len(n.Children) == 0 {
			for i+repeat < len(nodes) && identical(n, nodes[i+repeat]) {
				repeat++
			}
		}
		last := i+repeat >= len(nodes)

		var sb strings.Builder
		for _, ancLast := range ancestorsLast {
			if ancLast {
				sb.WriteString("   ")
			} else {
				sb.WriteString("│  ")
			}
		}
		if last {
			sb.WriteString("└─ ")
		} else {
			sb.WriteString("├─ ")
		}
		sb.WriteString(markerLabel(n))
		if repeat > 1 {
			fmt.Fprintf(&sb, " x%d", repeat)
		}
		fmt.Fprintln(w, sb.String())

		if len(n.Children) > 0 {
			writeChildren(w, n.Children, append(ancestorsLast, last))
		}
		i += repeat - 1
	}
}

func identical(a, b *markertree.Node) bool {
	return a.Name == b.Name && a.State == b.State && len(b.Children) == 0 &&
		a.Suspected == b.Suspected
}

func markerLabel(n *markertree.Node) string {
	var mark string
	switch n.State {
	case markertree.StateCompleted:
		mark = "[X]"
	case markertree.StateInProgress:
		mark = "[>]"
	case markertree.StateNotStarted:
		mark = "[ ]"
	default:
		mark = "[?]"
	}
	label := fmt.Sprintf("%s %q (%s)", mark, n.Name, n.State)
	if n.Suspected {
		label += "  <-- suspected"
	}
	return label
}

func writeCrashPoints(w io.Writer, r *analysis.Report) {
	section(w, "CRASHING WAVES")
	if len(r.CrashPoints) == 0 {
		fmt.Fprintln(w, "No crashing waves recorded.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Queue", "Wave", "PC", "Symbol", "Block", "Offset", "Instruction"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, cp := range r.CrashPoints {
		row := []string{
			fmt.Sprintf("%d", cp.QueueID),
			fmt.Sprintf("%d", cp.Wave.WaveID),
			fmt.Sprintf("0x%x", cp.Wave.ProgramCounter),
		}
		if cp.Resolved != nil {
			line := cp.Resolved.DisasmLine
			if cp.Resolved.ViaUnloaded {
				line += "  (unloaded object)"
			}
			row = append(row,
				orNA(cp.Resolved.Symbol),
				fmt.Sprintf("0x%x", cp.Resolved.BlockAddress),
				fmt.Sprintf("%d", cp.Resolved.InstructionOffset),
				line,
			)
		} else {
			row = append(row, "-", "-", "-", fmt.Sprintf("unresolved: %s", cp.UnresolvedReason))
		}
		table.Append(row)
	}
	table.Render()

	for _, blob := range r.RawBlobs {
		fmt.Fprintf(w, "\nQueue %d raw crash registers (unsupported ASIC):\n%s\n",
			blob.QueueID, blob.RegisterHex)
	}
}

func writeResources(w io.Writer, r *analysis.Report) {
	if len(r.Resources.Types) == 0 {
		return
	}
	section(w, "RESOURCE SUMMARY")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Type", "Created", "Destroyed", "Live bytes", "Total bytes"})
	table.SetBorder(false)
	for _, t := range r.Resources.Types {
		table.Append([]string{
			t.TypeName,
			fmt.Sprintf("%d", t.Created),
			fmt.Sprintf("%d", t.Destroyed),
			humanize.IBytes(t.LiveBytes),
			humanize.IBytes(t.TotalBytes),
		})
	}
	table.Render()
}

func writeDiagnostics(w io.Writer, r *analysis.Report) {
	if len(r.Diagnostics) == 0 {
		return
	}
	section(w, "DIAGNOSTICS")
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
