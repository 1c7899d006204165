package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	cliadapter "github.com/example/malipat/internal/adapters/cli"
	"github.com/example/malipat/internal/adapters/filesystem"
	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/primary"
	"github.com/example/malipat/internal/wire"
)

// WatchOptions controls the watch loop.
type WatchOptions struct {
	// PollInterval starts a batch even when no trigger arrived.
	PollInterval time.Duration
	// MinGap is the shortest time between two batch starts.
	MinGap time.Duration
	// MaxBatches stops the loop after that many batches; zero means no limit.
	MaxBatches int
	Out        io.Writer
	Logger     *slog.Logger
}

// Watch runs batches until ctx is cancelled: once at start, then on every
// poll tick or trigger signal, never more often than MinGap. A batch that
// fails for one patch or one poll is logged and retried on the next tick. A
// halted batch has already drained its in-flight patches, so Watch returns
// its shared error and the process exits non-zero.
func Watch(ctx context.Context, svc primary.PipelineService, trigger <-chan struct{}, opts WatchOptions) error {
	if opts.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", opts.PollInterval)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.MinGap > 0 {
		limit = rate.Every(opts.MinGap)
	}
	limiter := rate.NewLimiter(limit, 1)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		summary, err := svc.RunBatch(ctx)
		cliadapter.PrintBatch(opts.Out, summary)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && outcome.IsShared(err):
			opts.Logger.Error("batch halted; stopping", "error", err)
			return err
		case err != nil:
			opts.Logger.Error("batch failed", "error", err)
		}

		if opts.MaxBatches > 0 && n >= opts.MaxBatches {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
	}
}

// WatchCmd returns the watch command
func WatchCmd() *cobra.Command {
	var (
		metricsAddr string
		minGap      time.Duration
		noNotify    bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process batches continuously",
		Long: `Run batches on the configured poll interval and whenever the source
path changes. Stops cleanly on SIGINT or SIGTERM after in-flight patches
finish. Exits non-zero when a batch halts on an unreachable state store or
patch source.

Examples:
  malipat watch
  malipat watch --metrics-addr :9464 --min-gap 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wire.Config()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg)
			if err != nil {
				return err
			}
			defer lock.Release()
			defer wire.Close()

			svc, err := wire.PipelineService()
			if err != nil {
				return err
			}
			logger := wire.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			trigger := make(chan struct{}, 1)
			if !noNotify {
				watcher, err := filesystem.NewSourceWatcher(cfg.Source.Path, logger)
				if err != nil {
					logger.Warn("source notifications unavailable; polling only", "error", err)
				} else {
					defer watcher.Close()
					go watcher.Run(ctx, trigger)
				}
			}

			logger.Info("watching", "source", cfg.Source.Path, "poll", cfg.Pipeline.PollInterval.Std())
			return Watch(ctx, svc, trigger, WatchOptions{
				PollInterval: cfg.Pipeline.PollInterval.Std(),
				MinGap:       minGap,
				Out:          cmd.OutOrStdout(),
				Logger:       logger,
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().DurationVar(&minGap, "min-gap", 10*time.Second, "Minimum time between batch starts")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "Disable file notifications and rely on polling")

	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(wire.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
