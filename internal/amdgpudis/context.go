//go:build linux || darwin

package amdgpudis

import (
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libContext is a Context backed by the shared library. All calls on one
// context are serialized by mu; the underlying context is not reentrant.
type libContext struct {
	mu     sync.Mutex
	lib    *Library
	handle uint64
	closed bool
}

// Callback trampolines are created once per process: purego callbacks are a
// finite resource. The marshalling state they append into is guarded by
// iterMu, held for the duration of each iterating ABI call.
var (
	iterMu    sync.Mutex
	iterAddrs []uint64
	iterDests []Destination
	iterLine  InstructionLine
	iterGot   bool

	addrCallback = purego.NewCallback(func(addr uint64, _ uintptr) uintptr {
		iterAddrs = append(iterAddrs, addr)
		return uintptr(StatusSuccess)
	})
	destCallback = purego.NewCallback(func(dst uint64, isBranchTarget uintptr, _ uintptr) uintptr {
		iterDests = append(iterDests, Destination{Address: dst, IsBranchTarget: isBranchTarget != 0})
		return uintptr(StatusSuccess)
	})
	lineCallback = purego.NewCallback(func(inst, comment, _ uintptr) uintptr {
		iterLine = InstructionLine{Text: goString(inst), Comment: goString(comment)}
		iterGot = true
		return uintptr(StatusSuccess)
	})
)

// goString copies a NUL-terminated C string.
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var b []byte
	for {
		c := *(*byte)(unsafe.Pointer(p))
		if c == 0 {
			break
		}
		b = append(b, c)
		p++
	}
	return string(b)
}

// cString returns a NUL-terminated byte buffer for passing to the ABI. The
// caller must keep the buffer alive across the call.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func (c *libContext) call(op string, fn uintptr, args ...uintptr) error {
	st, _, _ := purego.SyscallN(fn, append([]uintptr{uintptr(c.handle)}, args...)...)
	return statusErr(op, Status(int32(st)))
}

func (c *libContext) SetOption(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	nameBuf := cString(name)
	valueBuf := cString(value)
	err := c.call("AmdGpuDisSetOption", c.lib.table.setOption,
		uintptr(unsafe.Pointer(&nameBuf[0])), uintptr(unsafe.Pointer(&valueBuf[0])))
	runtime.KeepAlive(nameBuf)
	runtime.KeepAlive(valueBuf)
	return err
}

func (c *libContext) LoadCodeObject(blob []byte, emitCFG bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var p uintptr
	if len(blob) > 0 {
		p = uintptr(unsafe.Pointer(&blob[0]))
	}
	var cfg uintptr
	if emitCFG {
		cfg = 1
	}
	err := c.call("AmdGpuDisLoadCodeObjectBuffer", c.lib.table.loadCodeObjectBuffer,
		p, uintptr(len(blob)), cfg)
	runtime.KeepAlive(blob)
	return err
}

func (c *libContext) DisassemblyText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var size uint64
	if err := c.call("AmdGpuDisGetDisassemblyStringSize", c.lib.table.getDisassemblyStringSize,
		uintptr(unsafe.Pointer(&size))); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := c.call("AmdGpuDisGetDisassemblyString", c.lib.table.getDisassemblyString,
		uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

func (c *libContext) CfgHeadAddresses() ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iterMu.Lock()
	defer iterMu.Unlock()
	iterAddrs = nil
	err := c.call("AmdGpuDisIterateCfgHeadAddresses", c.lib.table.iterateCfgHeadAddresses,
		addrCallback, 0)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(iterAddrs))
	copy(out, iterAddrs)
	return out, nil
}

func (c *libContext) BlockDestinations(blockAddr uint64) ([]Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iterMu.Lock()
	defer iterMu.Unlock()
	iterDests = nil
	err := c.call("AmdGpuDisIterateCfgBasicBlockDestinationsByAddress",
		c.lib.table.iterateCfgBasicBlockDestinationsByAddress,
		uintptr(blockAddr), destCallback, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Destination, len(iterDests))
	copy(out, iterDests)
	return out, nil
}

func (c *libContext) BlockSize(blockAddr uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var size uint64
	err := c.call("AmdGpuDisGetCfgBasicBlockSizeByAddress",
		c.lib.table.getCfgBasicBlockSizeByAddress,
		uintptr(blockAddr), uintptr(unsafe.Pointer(&size)))
	return size, err
}

func (c *libContext) InstructionLine(blockAddr, offset uint64) (InstructionLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iterMu.Lock()
	defer iterMu.Unlock()
	iterLine = InstructionLine{}
	iterGot = false
	err := c.call("AmdGpuDisGetCfgBasicBlockInstructionLine",
		c.lib.table.getCfgBasicBlockInstructionLine,
		uintptr(blockAddr), uintptr(offset), lineCallback, 0)
	if err != nil {
		return InstructionLine{}, err
	}
	if !iterGot {
		return InstructionLine{}, &StatusError{Op: "AmdGpuDisGetCfgBasicBlockInstructionLine", Status: StatusFailed}
	}
	return iterLine, nil
}

func (c *libContext) PCToLocation(pc uint64) (Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var loc Location
	err := c.call("AmdGpuDisGetCfgInstructionLocationByProgramCounter",
		c.lib.table.getCfgInstructionLocationByProgramCounter,
		uintptr(pc), uintptr(unsafe.Pointer(&loc.BlockAddress)), uintptr(unsafe.Pointer(&loc.Offset)))
	if err != nil {
		return Location{}, err
	}
	if loc.BlockAddress == InvalidAddress {
		return Location{}, &StatusError{Op: "AmdGpuDisGetCfgInstructionLocationByProgramCounter", Status: StatusInvalidPC}
	}
	return loc, nil
}

func (c *libContext) InstructionAddress(blockAddr, index uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addr uint64
	err := c.call("AmdGpuDisGetInstructionAddressByBlockAddressAndIndex",
		c.lib.table.getInstructionAddressByBlockAddressAndIndex,
		uintptr(blockAddr), uintptr(index), uintptr(unsafe.Pointer(&addr)))
	return addr, err
}

func (c *libContext) MaxProgramCounter() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pc uint64
	err := c.call("AmdGpuDisGetMaxProgramCounter", c.lib.table.getMaxProgramCounter,
		uintptr(unsafe.Pointer(&pc)))
	return pc, err
}

// Close destroys the underlying context. Idempotent.
func (c *libContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.call("AmdGpuDisDestroyContext", c.lib.table.destroyContext)
}
