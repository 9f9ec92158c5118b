// gpudetect is a post-mortem GPU crash analyzer. It reads a developer-driver
// crash dump and reports the offending command-buffer region, shader and,
// where possible, the exact instruction.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gpudetect/internal/amdgpudis"
	"gpudetect/internal/analysis"
	"gpudetect/internal/asicinfo"
	"gpudetect/internal/crashdump"
)

// Exit codes.
const (
	exitOK              = 0
	exitFatalParse      = 1
	exitDisasmMismatch  = 2
	exitUnsupportedAsic = 3
)

var errUnsupportedAsicStrict = errors.New("unsupported ASIC and no fallback requested")

func main() {
	root := &cobra.Command{
		Use:           "gpudetect",
		Short:         "post-mortem GPU crash analyzer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newAnalyzeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gpudetect: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, crashdump.ErrTruncated),
		errors.Is(err, crashdump.ErrInvalidDump),
		errors.Is(err, crashdump.ErrVersionUnsupported):
		return exitFatalParse
	case errors.Is(err, errDisasmUnavailable), errors.Is(err, amdgpudis.ErrAbiMismatch):
		return exitDisasmMismatch
	case errors.Is(err, errUnsupportedAsicStrict), errors.Is(err, asicinfo.ErrUnsupportedAsic):
		return exitUnsupportedAsic
	case analysis.Fatal(err):
		return exitFatalParse
	default:
		return exitFatalParse
	}
}
