//go:build !(linux || darwin)

package amdgpudis

import (
	"errors"
	"runtime"
)

// DefaultLibraryName is the shared library probed when no explicit path is
// given.
const DefaultLibraryName = "libamdgpu_dis.so"

var errUnsupportedOS = errors.New("amdgpudis: shared library loading not supported on " + runtime.GOOS)

// Library is unavailable on this platform.
type Library struct{}

// LoadDefault fails: no loader on this platform.
func LoadDefault() (*Library, error) { return nil, errUnsupportedOS }

// Load fails: no loader on this platform.
func Load(path string) (*Library, error) { return nil, errUnsupportedOS }

// NewContext implements Disassembler; unreachable since Load always fails.
func (l *Library) NewContext() (Context, error) { return nil, errUnsupportedOS }
