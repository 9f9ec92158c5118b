// Package codeobjdb maintains the loaded GPU code objects of a crash dump,
// keyed by load-time address range, and resolves crashing program counters to
// code object locations through the disassembler bridge.
package codeobjdb

import (
	"errors"
	"fmt"
	"sort"

	"gpudetect/internal/amdgpudis"
	"gpudetect/internal/asicinfo"
	"gpudetect/internal/dumpfmt"
)

// neverUnloaded marks an entry that is still live.
const neverUnloaded = ^uint64(0)

var (
	// ErrNotFound means no code object, live or unloaded, contains the PC.
	ErrNotFound = errors.New("codeobjdb: no code object contains program counter")

	// ErrNoDisassembler means the database was built without a disassembler
	// and cannot resolve locations.
	ErrNoDisassembler = errors.New("codeobjdb: disassembler unavailable")
)

// Entry is one loaded code object. An unloaded entry is retained but marked:
// a crash can reference a load that was since torn down.
type Entry struct {
	LoadAddress uint64
	Size        uint64
	Blob        []byte
	LoadSeq     uint64
	UnloadSeq   uint64 // neverUnloaded while live

	ctx      amdgpudis.Context
	ctxErr   error
	ctxReady bool

	syms      []elfSymbol
	symsReady bool
}

// Unloaded reports whether the object has been unloaded.
func (e *Entry) Unloaded() bool { return e.UnloadSeq != neverUnloaded }

// liveAt reports whether the object was live at the given sequence number.
func (e *Entry) liveAt(seq uint64) bool {
	return e.LoadSeq <= seq && seq < e.UnloadSeq
}

func (e *Entry) contains(pc uint64) bool {
	return pc >= e.LoadAddress && pc < e.LoadAddress+e.Size
}

func (e *Entry) overlaps(addr, size uint64) bool {
	return addr < e.LoadAddress+e.Size && e.LoadAddress < addr+size
}

// Resolution is a successful PC lookup.
type Resolution struct {
	Object            *Entry
	BlockAddress      uint64
	InstructionOffset uint64
	Line              amdgpudis.InstructionLine
	Symbol            string
	ViaUnloaded       bool
}

// Database holds code objects and owns their disassembler contexts.
type Database struct {
	dis    amdgpudis.Disassembler
	target asicinfo.DisasmTarget
	diags  *dumpfmt.Diags

	// entries sorted by LoadAddress, then LoadSeq. maxSize bounds the
	// backward scan during lookups.
	entries []*Entry
	maxSize uint64
}

// New creates a database. dis may be nil, in which case Resolve fails with
// ErrNoDisassembler but inserts and unloads still work.
func New(dis amdgpudis.Disassembler, target asicinfo.DisasmTarget, diags *dumpfmt.Diags) *Database {
	return &Database{dis: dis, target: target, diags: diags}
}

// Len returns the number of tracked code objects, including unloaded ones.
func (db *Database) Len() int { return len(db.entries) }

// Entries returns the tracked objects in load address order.
func (db *Database) Entries() []*Entry { return db.entries }

// Insert records a code object load. A load overlapping a live object is
// rejected with an OverlappingLoad diagnostic; the earlier object wins.
func (db *Database) Insert(loadAddr, size uint64, blob []byte, seq uint64) {
	for _, e := range db.entries {
		if !e.Unloaded() && e.overlaps(loadAddr, size) {
			db.diags.Addf(seq, dumpfmt.DiagOverlappingLoad,
				"code object load [0x%x, 0x%x) overlaps live object [0x%x, 0x%x), keeping the earlier one",
				loadAddr, loadAddr+size, e.LoadAddress, e.LoadAddress+e.Size)
			return
		}
	}
	entry := &Entry{
		LoadAddress: loadAddr,
		Size:        size,
		Blob:        blob,
		LoadSeq:     seq,
		UnloadSeq:   neverUnloaded,
	}
	i := sort.Search(len(db.entries), func(i int) bool {
		if db.entries[i].LoadAddress != loadAddr {
			return db.entries[i].LoadAddress > loadAddr
		}
		return db.entries[i].LoadSeq > seq
	})
	db.entries = append(db.entries, nil)
	copy(db.entries[i+1:], db.entries[i:])
	db.entries[i] = entry
	if size > db.maxSize {
		db.maxSize = size
	}
}

// Unload marks the live object at loadAddr unloaded. Idempotent: unloading an
// address with no live object is a no-op.
func (db *Database) Unload(loadAddr, seq uint64) {
	for _, e := range db.entries {
		if e.LoadAddress == loadAddr && !e.Unloaded() {
			e.UnloadSeq = seq
			return
		}
	}
}

// candidates returns entries whose address range contains pc, using a
// backward scan bounded by the largest object size.
func (db *Database) candidates(pc uint64) []*Entry {
	var out []*Entry
	i := sort.Search(len(db.entries), func(i int) bool {
		return db.entries[i].LoadAddress > pc
	})
	for j := i - 1; j >= 0; j-- {
		e := db.entries[j]
		if e.LoadAddress+db.maxSize <= pc {
			break
		}
		if e.contains(pc) {
			out = append(out, e)
		}
	}
	return out
}

// Resolve maps a crashing program counter to a code object location. The
// object live at crashSeq wins; with none live, unloaded objects are
// consulted and a ResolvedViaUnloaded diagnostic is emitted. Ties are broken
// by most recent load.
func (db *Database) Resolve(pc, crashSeq uint64) (*Resolution, error) {
	if pc == amdgpudis.InvalidAddress {
		return nil, fmt.Errorf("codeobjdb: resolve: %w", amdgpudis.ErrInvalidPC)
	}

	cands := db.candidates(pc)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrNotFound, pc)
	}

	var best *Entry
	viaUnloaded := false
	for _, e := range cands {
		if e.liveAt(crashSeq) && (best == nil || e.LoadSeq > best.LoadSeq) {
			best = e
		}
	}
	if best == nil {
		for _, e := range cands {
			if best == nil || e.LoadSeq > best.LoadSeq {
				best = e
			}
		}
		viaUnloaded = true
		db.diags.Addf(crashSeq, dumpfmt.DiagResolvedViaUnloaded,
			"pc 0x%x resolved via code object unloaded at seq %d (loaded at seq %d)",
			pc, best.UnloadSeq, best.LoadSeq)
	}

	ctx, err := db.context(best)
	if err != nil {
		return nil, err
	}
	loc, err := ctx.PCToLocation(pc)
	if err != nil {
		return nil, fmt.Errorf("codeobjdb: locate pc 0x%x: %w", pc, err)
	}
	line, err := ctx.InstructionLine(loc.BlockAddress, loc.Offset)
	if err != nil {
		return nil, fmt.Errorf("codeobjdb: instruction at block 0x%x offset %d: %w",
			loc.BlockAddress, loc.Offset, err)
	}

	return &Resolution{
		Object:            best,
		BlockAddress:      loc.BlockAddress,
		InstructionOffset: loc.Offset,
		Line:              line,
		Symbol:            db.symbolFor(best, pc),
		ViaUnloaded:       viaUnloaded,
	}, nil
}

// context lazily acquires the entry's disassembler context. The first failure
// is sticky: a blob the disassembler rejects is not retried per wave.
func (db *Database) context(e *Entry) (amdgpudis.Context, error) {
	if e.ctxReady {
		return e.ctx, e.ctxErr
	}
	e.ctxReady = true
	if db.dis == nil {
		e.ctxErr = ErrNoDisassembler
		return nil, e.ctxErr
	}
	ctx, err := db.dis.NewContext()
	if err != nil {
		e.ctxErr = fmt.Errorf("codeobjdb: create context: %w", err)
		return nil, e.ctxErr
	}
	if db.target.MAttr != "" {
		if err := ctx.SetOption("mattr", db.target.MAttr); err != nil {
			ctx.Close()
			e.ctxErr = fmt.Errorf("codeobjdb: set mattr: %w", err)
			return nil, e.ctxErr
		}
	}
	if err := ctx.LoadCodeObject(e.Blob, true); err != nil {
		ctx.Close()
		e.ctxErr = fmt.Errorf("codeobjdb: load code object at 0x%x: %w", e.LoadAddress, err)
		return nil, e.ctxErr
	}
	e.ctx = ctx
	return ctx, nil
}

// Close releases every acquired disassembler context.
func (db *Database) Close() error {
	var firstErr error
	for _, e := range db.entries {
		if e.ctx != nil {
			if err := e.ctx.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			e.ctx = nil
		}
	}
	return firstErr
}
