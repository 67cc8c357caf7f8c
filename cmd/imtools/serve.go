package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/manager"
	"github.com/openUC2/ImTools/internal/metrics"
	"github.com/openUC2/ImTools/internal/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	Addr        string
	ArchivePath string
	TileRoot    string
	Metrics     bool
}

func newServeCmd(root *rootFlags) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeLog, err := root.newLogger(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer closeLog()

			reg, _, err := root.newRegistry(log)
			if err != nil {
				return err
			}

			managerOpts := []manager.Option{manager.WithLogger(log.With("component", "manager"))}
			serverOpts := []server.Option{server.WithLogger(log.With("component", "server")), server.WithTileRoot(opts.TileRoot)}
			if opts.Metrics {
				collector := metrics.New()
				managerOpts = append(managerOpts, manager.WithCollector(collector))
				serverOpts = append(serverOpts, server.WithCollector(collector))
			}
			if opts.ArchivePath != "" {
				store, err := archive.Open(cmd.Context(), opts.ArchivePath, log)
				if err != nil {
					return err
				}
				defer store.Close()
				managerOpts = append(managerOpts, manager.WithArchiver(store))
				serverOpts = append(serverOpts, server.WithArchive(store))
			}

			srv := server.New(manager.New(reg, managerOpts...), reg, serverOpts...)
			ln, err := net.Listen("tcp", opts.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", opts.Addr, err)
			}
			log.With("addr", ln.Addr().String()).Info("serving workflow API")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Serve(ln)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				log.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.ArchivePath, "archive", "", "Archive finished runs in this SQLite database")
	cmd.Flags().StringVar(&opts.TileRoot, "tiles", "scans", "Directory for histo scan tiles")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", true, "Expose Prometheus metrics on /metrics")

	return cmd
}
