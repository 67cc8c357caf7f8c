package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/scan"
	"github.com/openUC2/ImTools/internal/tiles"
)

type scanOptions struct {
	Params         scan.Params
	Out            string
	ArchivePath    string
	NonInteractive bool
}

func newScanCmd(root *rootFlags) *cobra.Command {
	opts := scanOptions{Params: scan.DefaultParams()}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Acquire a tiled histology scan and write it as TIFF tiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive := !opts.NonInteractive && isTerminal(cmd.OutOrStdout())
			log, closeLog, err := root.newLogger(cmd.ErrOrStderr(), interactive)
			if err != nil {
				return err
			}
			defer closeLog()

			reg, _, err := root.newRegistry(log)
			if err != nil {
				return err
			}
			plan, err := scan.Build(opts.Params, reg)
			if err != nil {
				return err
			}

			dir := opts.Out
			if dir == "" {
				dir = filepath.Join("scans", time.Now().Format("20060102-150405"))
			}
			writer, err := tiles.NewWriter(dir, plan.Rows(), plan.Cols())
			if err != nil {
				return err
			}
			// the final step closes the writer; this covers failed and stopped runs
			defer writer.Close() //nolint:errcheck

			ec := engine.NewExecutionContext(engine.WithLogger(log.With("workflow", "histo scan")))
			ec.SetObject(tiles.ObjectKey, writer)

			log.WithFields(map[string]any{"rows": plan.Rows(), "cols": plan.Cols(), "dir": dir}).Info("scan planned")
			runErr := execute(cmd.Context(), execOptions{
				Name:        fmt.Sprintf("Histo scan %dx%d", plan.Rows(), plan.Cols()),
				Workflow:    plan.Workflow,
				Context:     ec,
				Out:         cmd.OutOrStdout(),
				Interactive: interactive,
				ArchivePath: opts.ArchivePath,
			}, log)

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d of %d tiles to %s\n", writer.Written(), plan.Rows()*plan.Cols(), dir)
			return runErr
		},
	}

	f := cmd.Flags()
	p := &opts.Params
	f.Float64Var(&p.XMin, "x-min", p.XMin, "Left edge of the scan area")
	f.Float64Var(&p.XMax, "x-max", p.XMax, "Right edge of the scan area")
	f.Float64Var(&p.YMin, "y-min", p.YMin, "Top edge of the scan area")
	f.Float64Var(&p.YMax, "y-max", p.YMax, "Bottom edge of the scan area")
	f.Float64Var(&p.XStep, "x-step", p.XStep, "Distance between tile columns")
	f.Float64Var(&p.YStep, "y-step", p.YStep, "Distance between tile rows")
	f.Float64Var(&p.Z, "z", p.Z, "Focus position for every tile")
	f.BoolVar(&p.Autofocus, "autofocus", p.Autofocus, "Autofocus before each XY move")
	f.StringVar(&p.Channel, "channel", p.Channel, "Illumination channel")
	f.Float64Var(&p.LaserPower, "laser-power", p.LaserPower, "Laser power in percent")
	f.Float64Var(&p.WaitTime, "wait-time", p.WaitTime, "Settle time in seconds before each acquisition")
	f.IntVar(&p.MaxRetries, "max-retries", p.MaxRetries, "Retries per step")
	f.StringVarP(&opts.Out, "out", "o", "", "Tile directory (default scans/<timestamp>)")
	f.StringVar(&opts.ArchivePath, "archive", "", "Record the run in this SQLite database")
	f.BoolVar(&opts.NonInteractive, "non-interactive", false, "Print plain progress lines instead of the TUI")

	return cmd
}
