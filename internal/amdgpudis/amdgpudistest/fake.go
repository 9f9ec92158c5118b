// Package amdgpudistest provides an in-memory fake of the amdgpu_dis bridge
// for tests that must not depend on the shared library.
package amdgpudistest

import (
	"fmt"
	"strings"
	"sync"

	"gpudetect/internal/amdgpudis"
)

// Inst is one fake instruction.
type Inst struct {
	Text    string
	Comment string
}

// Block is a fake basic block at a fixed address with equally sized
// instructions.
type Block struct {
	Addr      uint64
	InstrSize uint64 // bytes per instruction; 4 when zero
	Insts     []Inst
	Dests     []amdgpudis.Destination
}

func (b *Block) instrSize() uint64 {
	if b.InstrSize == 0 {
		return 4
	}
	return b.InstrSize
}

func (b *Block) end() uint64 {
	return b.Addr + uint64(len(b.Insts))*b.instrSize()
}

// Program is the decoded view the fake serves for one code object blob.
type Program struct {
	Blocks []Block
}

// Fake implements amdgpudis.Disassembler. Programs are keyed by the code
// object blob contents; loading an unregistered blob fails.
type Fake struct {
	mu       sync.Mutex
	programs map[string]*Program

	// ContextsOpened and ContextsClosed count lifetime events for leak
	// assertions.
	ContextsOpened int
	ContextsClosed int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{programs: map[string]*Program{}}
}

// Register associates a program with a blob's contents.
func (f *Fake) Register(blob []byte, p *Program) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[string(blob)] = p
}

// NewContext implements amdgpudis.Disassembler.
func (f *Fake) NewContext() (amdgpudis.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContextsOpened++
	return &fakeContext{fake: f}, nil
}

type fakeContext struct {
	fake    *Fake
	program *Program
	options map[string]string
	closed  bool
}

func (c *fakeContext) SetOption(name, value string) error {
	if c.closed {
		return &amdgpudis.StatusError{Op: "SetOption", Status: amdgpudis.StatusInvalidContext}
	}
	if c.options == nil {
		c.options = map[string]string{}
	}
	c.options[name] = value
	return nil
}

func (c *fakeContext) LoadCodeObject(blob []byte, emitCFG bool) error {
	if c.closed {
		return &amdgpudis.StatusError{Op: "LoadCodeObject", Status: amdgpudis.StatusInvalidContext}
	}
	c.fake.mu.Lock()
	p, ok := c.fake.programs[string(blob)]
	c.fake.mu.Unlock()
	if !ok {
		return &amdgpudis.StatusError{Op: "LoadCodeObject", Status: amdgpudis.StatusInvalidInput}
	}
	c.program = p
	return nil
}

func (c *fakeContext) loaded() error {
	if c.closed {
		return &amdgpudis.StatusError{Op: "context", Status: amdgpudis.StatusInvalidContext}
	}
	if c.program == nil {
		return &amdgpudis.StatusError{Op: "context", Status: amdgpudis.StatusInvalidInput}
	}
	return nil
}

func (c *fakeContext) DisassemblyText() (string, error) {
	if err := c.loaded(); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range c.program.Blocks {
		fmt.Fprintf(&sb, "_L%x:\n", b.Addr)
		for _, in := range b.Insts {
			fmt.Fprintf(&sb, "\t%s\n", in.Text)
		}
	}
	return sb.String(), nil
}

func (c *fakeContext) CfgHeadAddresses() ([]uint64, error) {
	if err := c.loaded(); err != nil {
		return nil, err
	}
	if len(c.program.Blocks) == 0 {
		return nil, nil
	}
	return []uint64{c.program.Blocks[0].Addr}, nil
}

func (c *fakeContext) findBlock(addr uint64) *Block {
	for i := range c.program.Blocks {
		if c.program.Blocks[i].Addr == addr {
			return &c.program.Blocks[i]
		}
	}
	return nil
}

func (c *fakeContext) BlockDestinations(blockAddr uint64) ([]amdgpudis.Destination, error) {
	if err := c.loaded(); err != nil {
		return nil, err
	}
	b := c.findBlock(blockAddr)
	if b == nil {
		return nil, &amdgpudis.StatusError{Op: "BlockDestinations", Status: amdgpudis.StatusInvalidCfgBlock}
	}
	return append([]amdgpudis.Destination(nil), b.Dests...), nil
}

func (c *fakeContext) BlockSize(blockAddr uint64) (uint64, error) {
	if err := c.loaded(); err != nil {
		return 0, err
	}
	b := c.findBlock(blockAddr)
	if b == nil {
		return 0, &amdgpudis.StatusError{Op: "BlockSize", Status: amdgpudis.StatusInvalidCfgBlock}
	}
	return uint64(len(b.Insts)), nil
}

func (c *fakeContext) InstructionLine(blockAddr, offset uint64) (amdgpudis.InstructionLine, error) {
	if err := c.loaded(); err != nil {
		return amdgpudis.InstructionLine{}, err
	}
	b := c.findBlock(blockAddr)
	if b == nil {
		return amdgpudis.InstructionLine{}, &amdgpudis.StatusError{Op: "InstructionLine", Status: amdgpudis.StatusInvalidCfgBlock}
	}
	if offset >= uint64(len(b.Insts)) {
		return amdgpudis.InstructionLine{}, &amdgpudis.StatusError{Op: "InstructionLine", Status: amdgpudis.StatusOutOfRange}
	}
	in := b.Insts[offset]
	return amdgpudis.InstructionLine{Text: in.Text, Comment: in.Comment}, nil
}

func (c *fakeContext) PCToLocation(pc uint64) (amdgpudis.Location, error) {
	if err := c.loaded(); err != nil {
		return amdgpudis.Location{}, err
	}
	if pc == amdgpudis.InvalidAddress {
		return amdgpudis.Location{}, &amdgpudis.StatusError{Op: "PCToLocation", Status: amdgpudis.StatusInvalidPC}
	}
	for i := range c.program.Blocks {
		b := &c.program.Blocks[i]
		if pc >= b.Addr && pc < b.end() {
			return amdgpudis.Location{
				BlockAddress: b.Addr,
				Offset:       (pc - b.Addr) / b.instrSize(),
			}, nil
		}
	}
	return amdgpudis.Location{}, &amdgpudis.StatusError{Op: "PCToLocation", Status: amdgpudis.StatusInvalidPC}
}

func (c *fakeContext) InstructionAddress(blockAddr, index uint64) (uint64, error) {
	if err := c.loaded(); err != nil {
		return 0, err
	}
	b := c.findBlock(blockAddr)
	if b == nil {
		return 0, &amdgpudis.StatusError{Op: "InstructionAddress", Status: amdgpudis.StatusInvalidCfgBlock}
	}
	if index >= uint64(len(b.Insts)) {
		return 0, &amdgpudis.StatusError{Op: "InstructionAddress", Status: amdgpudis.StatusOutOfRange}
	}
	return b.Addr + index*b.instrSize(), nil
}

func (c *fakeContext) MaxProgramCounter() (uint64, error) {
	if err := c.loaded(); err != nil {
		return 0, err
	}
	var max uint64
	for i := range c.program.Blocks {
		if end := c.program.Blocks[i].end(); end > max {
			max = end
		}
	}
	if max == 0 {
		return 0, nil
	}
	return max - 1, nil
}

func (c *fakeContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.fake.mu.Lock()
	c.fake.ContextsClosed++
	c.fake.mu.Unlock()
	return nil
}
