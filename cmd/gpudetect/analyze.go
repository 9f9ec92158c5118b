package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gpudetect/internal/amdgpudis"
	"gpudetect/internal/analysis"
	"gpudetect/internal/asicinfo"
	"gpudetect/internal/crashdump"
	"gpudetect/internal/dumpfmt"
	"gpudetect/internal/report"
)

var errDisasmUnavailable = errors.New("disassembler unavailable")

type analyzeFlags struct {
	jsonOut    bool
	outputPath string
	disasmPath string
	noDisasm   bool
	strictAsic bool
	verbose    bool
}

func newAnalyzeCommand() *cobra.Command {
	var flags analyzeFlags

	cmd := &cobra.Command{
		Use:   "analyze <dump>",
		Short: "analyze a crash dump and print the crash report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "emit the report as JSON")
	cmd.Flags().StringVarP(&flags.outputPath, "output", "o", "", "write the report to a file instead of stdout")
	cmd.Flags().StringVar(&flags.disasmPath, "disassembler", "", "path to the amdgpu_dis shared library")
	cmd.Flags().BoolVar(&flags.noDisasm, "no-disasm", false, "skip disassembly; crash points stay unresolved")
	cmd.Flags().BoolVar(&flags.strictAsic, "strict-asic", false, "fail instead of degrading on unsupported ASIC families")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

func runAnalyze(cmd *cobra.Command, dumpPath string, flags analyzeFlags) error {
	log := newLogger(flags.verbose)
	defer log.Sync()

	data, err := os.ReadFile(dumpPath)
	if err != nil {
		return fmt.Errorf("read dump: %w", err)
	}

	var dis amdgpudis.Disassembler
	if !flags.noDisasm {
		var lib *amdgpudis.Library
		var loadErr error
		if flags.disasmPath != "" {
			lib, loadErr = amdgpudis.Load(flags.disasmPath)
		} else {
			lib, loadErr = amdgpudis.LoadDefault()
		}
		if loadErr != nil {
			if errors.Is(loadErr, amdgpudis.ErrAbiMismatch) {
				return loadErr
			}
			return fmt.Errorf("%w: %v", errDisasmUnavailable, loadErr)
		}
		dis = lib
	}

	if flags.strictAsic {
		if err := checkAsic(data); err != nil {
			return err
		}
	}

	analyzer := analysis.New(dis, log)
	rep, err := analyzer.Analyze(cmd.Context(), data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.outputPath != "" {
		f, err := os.Create(flags.outputPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	if flags.jsonOut {
		return report.WriteJSON(out, rep)
	}
	return report.WriteText(out, rep)
}

// checkAsic pre-validates the dump's ASIC family for --strict-asic.
func checkAsic(data []byte) error {
	var diags dumpfmt.Diags
	r, err := crashdump.NewReader(data, &diags)
	if err != nil {
		return err
	}
	hdr := r.Header()
	if _, err := asicinfo.Lookup(hdr.AsicFamilyID, hdr.AsicERev); err != nil {
		return fmt.Errorf("%w: %v", errUnsupportedAsicStrict, err)
	}
	return nil
}
