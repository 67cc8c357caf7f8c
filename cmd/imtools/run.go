package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openUC2/ImTools/internal/config"
	"github.com/openUC2/ImTools/internal/engine"
)

type runOptions struct {
	File           string
	From           int
	JSON           bool
	ArchivePath    string
	NonInteractive bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow definition against the simulated microscope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateWorkflowPath(opts.File); err != nil {
				return err
			}
			interactive := !opts.NonInteractive && !opts.JSON && isTerminal(cmd.OutOrStdout())

			log, closeLog, err := root.newLogger(cmd.ErrOrStderr(), interactive)
			if err != nil {
				return err
			}
			defer closeLog()

			def, err := config.ParseFile(opts.File)
			if err != nil {
				return err
			}
			reg, _, err := root.newRegistry(log)
			if err != nil {
				return err
			}
			wf, err := config.Build(def, reg)
			if err != nil {
				return err
			}
			if opts.From < 0 || opts.From > wf.Len() {
				return fmt.Errorf("--from %d outside [0, %d]", opts.From, wf.Len())
			}

			name := def.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(opts.File), filepath.Ext(opts.File))
			}
			ec := engine.NewExecutionContext(engine.WithLogger(log.With("workflow", name)))
			ec.SetResumeCursor(opts.From)

			return execute(cmd.Context(), execOptions{
				Name:        name,
				Workflow:    wf,
				Context:     ec,
				Out:         cmd.OutOrStdout(),
				Interactive: interactive,
				JSON:        opts.JSON,
				ArchivePath: opts.ArchivePath,
			}, log)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Path to a YAML or JSON workflow definition")
	cmd.Flags().IntVar(&opts.From, "from", 0, "Step index to start from")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print step results as JSON when the run returns")
	cmd.Flags().StringVar(&opts.ArchivePath, "archive", "", "Record the run in this SQLite database")
	cmd.Flags().BoolVar(&opts.NonInteractive, "non-interactive", false, "Print plain progress lines instead of the TUI")
	cmd.MarkFlagRequired("file") //nolint:errcheck

	return cmd
}

func validateWorkflowPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("workflow file is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve workflow path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("workflow file does not exist: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("workflow path %s is a directory", abs)
	}
	return nil
}
