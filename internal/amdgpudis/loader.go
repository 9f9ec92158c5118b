//go:build linux || darwin

package amdgpudis

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// DefaultLibraryName is the shared library probed when no explicit path is
// given.
const DefaultLibraryName = "libamdgpu_dis.so"

// Library is a loaded amdgpu_dis shared library and its function-pointer
// table. The table is immutable after Load. The library handle is not
// dlclosed before process shutdown: cached contexts may still hold code
// pointers into it.
type Library struct {
	handle uintptr
	table  apiTable
}

var (
	defaultOnce sync.Once
	defaultLib  *Library
	defaultErr  error
)

// LoadDefault loads DefaultLibraryName exactly once for the process.
func LoadDefault() (*Library, error) {
	defaultOnce.Do(func() {
		defaultLib, defaultErr = Load(DefaultLibraryName)
	})
	return defaultLib, defaultErr
}

// Load opens the shared library at path, retrieves the API table and
// verifies its version. Returns ErrAbiMismatch when the table is
// incompatible.
func Load(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("amdgpudis: load %s: %w", path, err)
	}
	entry, err := purego.Dlsym(handle, entryPointName)
	if err != nil {
		return nil, fmt.Errorf("amdgpudis: %s: missing entry point %s: %w", path, entryPointName, err)
	}

	lib := &Library{handle: handle}
	st, _, _ := purego.SyscallN(entry, uintptr(unsafe.Pointer(&lib.table)))
	if s := Status(int32(st)); s != StatusSuccess {
		return nil, statusErr(entryPointName, s)
	}
	if lib.table.majorVersion != MajorVersion || lib.table.minorVersion < requiredMinorVersion {
		return nil, fmt.Errorf("%w: got %d.%d, want %d.>=%d", ErrAbiMismatch,
			lib.table.majorVersion, lib.table.minorVersion, MajorVersion, requiredMinorVersion)
	}
	return lib, nil
}

// NewContext creates a fresh disassembler context.
func (l *Library) NewContext() (Context, error) {
	var handle uint64
	st, _, _ := purego.SyscallN(l.table.createContext, uintptr(unsafe.Pointer(&handle)))
	if s := Status(int32(st)); s != StatusSuccess {
		return nil, statusErr("AmdGpuDisCreateContext", s)
	}
	return &libContext{lib: l, handle: handle}, nil
}
