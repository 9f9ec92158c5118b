// Package dumpfmt provides shared types and diagnostics for crash dump parsing.
package dumpfmt

import "fmt"

// DiagKind classifies a diagnostic message.
type DiagKind string

const (
	DiagUnknownChunk          DiagKind = "unknown_chunk"
	DiagUnsupportedAsic       DiagKind = "unsupported_asic"
	DiagOverlappingLoad       DiagKind = "overlapping_load"
	DiagResolvedViaUnloaded   DiagKind = "resolved_via_unloaded"
	DiagUnbalancedMarker      DiagKind = "unbalanced_marker"
	DiagOrphanEnd             DiagKind = "orphan_end"
	DiagRegisterUndecoded     DiagKind = "register_field_undecoded"
	DiagUnresolvedWave        DiagKind = "unresolved_wave"
	DiagMultipleCrashContexts DiagKind = "multiple_crash_contexts"
)

// Diag records a non-fatal issue encountered during analysis.
// Offset is a dump byte offset for parse-level diagnostics and an event
// sequence number for model-level ones; Kind disambiguates.
type Diag struct {
	Offset uint64   `json:"offset"`
	Kind   DiagKind `json:"kind"`
	Msg    string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Offset, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(offset uint64, kind DiagKind, msg string) {
	d.items = append(d.items, Diag{Offset: offset, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(offset uint64, kind DiagKind, format string, args ...any) {
	d.items = append(d.items, Diag{Offset: offset, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }
