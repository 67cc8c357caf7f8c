package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openUC2/ImTools/internal/instrument"
	"github.com/openUC2/ImTools/internal/logger"
	"github.com/openUC2/ImTools/internal/operation"
)

type rootFlags struct {
	verbose     bool
	logFormat   string
	logFile     string
	frameWidth  int
	frameHeight int
	latency     time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "imtools",
		Short:         "ImTools runs microscope acquisition workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch flags.logFormat {
			case "console", "json":
				return nil
			default:
				return fmt.Errorf("unknown log format %q (want console or json)", flags.logFormat)
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&flags.logFormat, "log-format", "console", "Log format: console or json")
	pf.StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.IntVar(&flags.frameWidth, "frame-width", 512, "Simulated camera frame width")
	pf.IntVar(&flags.frameHeight, "frame-height", 512, "Simulated camera frame height")
	pf.DurationVar(&flags.latency, "latency", 20*time.Millisecond, "Simulated hardware latency per operation")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newScanCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newOperationsCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newLogger builds the process logger. When quiet is set and no log file is
// configured, entries are discarded so they do not tear the TUI.
func (f *rootFlags) newLogger(stderr io.Writer, quiet bool) (*logger.Logger, func(), error) {
	level := "info"
	if f.verbose {
		level = "debug"
	}

	writer := stderr
	closeFn := func() {}
	switch {
	case f.logFile != "":
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writer = file
		closeFn = func() { _ = file.Close() }
	case quiet:
		writer = io.Discard
	}

	log, err := logger.New(logger.Options{
		Level:         level,
		HumanReadable: f.logFormat == "console",
		Writer:        writer,
		Component:     "imtools",
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return log, closeFn, nil
}

// newRegistry wires the simulated microscope into a fresh operation registry.
func (f *rootFlags) newRegistry(log *logger.Logger) (*operation.Registry, *instrument.Microscope, error) {
	scope := instrument.New(
		instrument.WithFrameSize(f.frameWidth, f.frameHeight),
		instrument.WithLatency(f.latency),
		instrument.WithLogger(log),
	)
	reg := operation.NewRegistry()
	if err := instrument.Register(reg, scope); err != nil {
		return nil, nil, err
	}
	return reg, scope, nil
}
