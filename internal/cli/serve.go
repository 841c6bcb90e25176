package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"partbatch/internal/batch"
	"partbatch/internal/config"
	"partbatch/internal/extract"
	"partbatch/internal/realtime"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd returns the serve command.
func NewServeCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the batch API and live event stream",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cc.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cc.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pub, err := newPublisher(ctx)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, opts, pub)
		},
	}

	addExtractFlags(cmd)
	cmd.Flags().String("addr", "", "Listen address (default from "+config.EnvAddr+", "+config.DefaultAddr+")")
	cmd.Flags().String("static_dir", "", "Directory of static files served at /")
	cmd.Flags().String("collisions", "", "Filename collision policy (suffix, reject, overwrite)")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, opts Options, pub batch.Publisher) error {
	logger := slog.Default()

	pipeline := &batch.Pipeline{Connector: opts.Connector, Publisher: pub, Logger: logger}
	runner := batch.NewRunner(pipeline, batch.RunnerOptions{
		History: cfg.History,
		Extract: cfg.ExtractOptions(),
		Logger:  logger,
	})
	rt := realtime.New(runner, realtime.Options{
		StaticDir:  cfg.StaticDir,
		Collisions: cfg.Collisions,
		Logger:     logger,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("partbatch server running", "addr", ln.Addr().String(),
			"extract", extract.New(cfg.ExtractOptions(), nil).Options())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("wait for running batch: %w", err)
		}
		return nil
	})

	return g.Wait()
}
