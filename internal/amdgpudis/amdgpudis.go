// Package amdgpudis wraps the amdgpu_dis code object disassembler, an
// external shared library exposed through a C function-pointer table.
//
// The raw ABI is never visible to callers: the package presents the
// Disassembler and Context interfaces, and the callback-based iterators of
// the C API are marshalled into owned slices before returning. A single
// context is not reentrant; every method serializes calls on its context.
// Distinct contexts are independent.
package amdgpudis

import (
	"errors"
	"fmt"
)

// Status is the status enum shared by every ABI function.
type Status int32

const (
	StatusSuccess         Status = 0
	StatusFailed          Status = -1
	StatusNullPointer     Status = -2
	StatusMemAlloc        Status = -3
	StatusInvalidInput    Status = -4
	StatusInvalidContext  Status = -5
	StatusInvalidCallback Status = -6
	StatusInvalidCfgBlock Status = -7
	StatusInvalidPC       Status = -8
	StatusOutOfRange      Status = -9
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusNullPointer:
		return "null pointer"
	case StatusMemAlloc:
		return "memory allocation failure"
	case StatusInvalidInput:
		return "invalid input"
	case StatusInvalidContext:
		return "invalid context handle"
	case StatusInvalidCallback:
		return "invalid callback"
	case StatusInvalidCfgBlock:
		return "invalid cfg block"
	case StatusInvalidPC:
		return "invalid program counter"
	case StatusOutOfRange:
		return "out of range"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// InvalidAddress is the sentinel address returned by the ABI for "no address".
const InvalidAddress = ^uint64(0)

var (
	// ErrAbiMismatch indicates the loaded library's table version is
	// incompatible with this package. Fatal for the analysis.
	ErrAbiMismatch = errors.New("amdgpudis: ABI version mismatch")

	// ErrInvalidPC wraps StatusInvalidPC results.
	ErrInvalidPC = errors.New("amdgpudis: invalid program counter")

	// ErrInvalidContext wraps StatusInvalidContext results. Seeing it escape
	// the bridge is a bug, not an input condition.
	ErrInvalidContext = errors.New("amdgpudis: invalid context handle")
)

// StatusError reports a non-success status from an ABI call.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("amdgpudis: %s: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusInvalidPC:
		return ErrInvalidPC
	case StatusInvalidContext:
		return ErrInvalidContext
	default:
		return nil
	}
}

func statusErr(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}

// Destination is one outgoing edge of a CFG basic block.
type Destination struct {
	Address        uint64
	IsBranchTarget bool
}

// Location is an instruction position: the containing basic block address and
// the instruction index relative to the block start.
type Location struct {
	BlockAddress uint64
	Offset       uint64
}

// InstructionLine is the disassembly text of a single instruction.
type InstructionLine struct {
	Text    string
	Comment string
}

// Disassembler creates disassembler contexts. Implemented by Library and by
// test fakes.
type Disassembler interface {
	NewContext() (Context, error)
}

// Context is one disassembler context holding a loaded code object and its
// control flow graph. Contexts must be closed; Close is idempotent.
type Context interface {
	// SetOption sets a named disassembler option, e.g. "mattr".
	SetOption(name, value string) error

	// LoadCodeObject loads a code object blob. emitCFG controls whether the
	// control flow graph is built; every CFG query requires it.
	LoadCodeObject(blob []byte, emitCFG bool) error

	// DisassemblyText returns the full disassembly listing.
	DisassemblyText() (string, error)

	// CfgHeadAddresses returns the entry block address of every function.
	CfgHeadAddresses() ([]uint64, error)

	// BlockDestinations returns the outgoing edges of a basic block.
	BlockDestinations(blockAddr uint64) ([]Destination, error)

	// BlockSize returns the number of instructions in a basic block.
	BlockSize(blockAddr uint64) (uint64, error)

	// InstructionLine returns the disassembly of the instruction at the given
	// block address and in-block instruction index.
	InstructionLine(blockAddr, offset uint64) (InstructionLine, error)

	// PCToLocation maps a program counter to its containing block and
	// in-block instruction index.
	PCToLocation(pc uint64) (Location, error)

	// InstructionAddress returns the program counter of the instruction at
	// the given block address and in-block instruction index.
	InstructionAddress(blockAddr, index uint64) (uint64, error)

	// MaxProgramCounter returns the highest valid program counter of the
	// loaded code object.
	MaxProgramCounter() (uint64, error)

	Close() error
}
