package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/tabflow/config"
	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/render"
	"github.com/dshills/tabflow/render/emit"
)

const shutdownTimeout = 10 * time.Second

var errNotServing = errors.New("render loop is not running")

func newServeCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume render requests until interrupted",
		Long: `Consume render requests and render the workflows they name.

The worker exits with a nonzero status when a pass fails on infrastructure
(a module timeout, a storage error). The failed request stays queued for
the next worker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.Default)
		},
	}
	cmd.Flags().Int("concurrency", 0, "render requests handled at once")
	cmd.Flags().String("admin-addr", "", "listen address of the /healthz and /metrics server")
	_ = f.v.BindPFlag("worker.concurrency", cmd.Flags().Lookup("concurrency"))
	_ = f.v.BindPFlag("admin.addr", cmd.Flags().Lookup("admin-addr"))
	return cmd
}

func newKernel(cfg *config.Config, logger log.Logger) (*kernel.Kernel, error) {
	tempDir := cfg.Worker.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithPoolSize(cfg.Worker.PoolSize),
		kernel.WithRenderTimeout(cfg.Worker.RenderTimeout),
		kernel.WithFetchTimeout(cfg.Worker.FetchTimeout),
		kernel.WithTempDir(tempDir),
	)
}

func serve(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Errorw("close backends", "error", err)
		}
	}()

	k, err := newKernel(cfg, logger)
	if err != nil {
		return err
	}
	defer k.Close()
	modules := kernel.NewRegistry(k, cfg.Worker.ModuleDir)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := render.NewPrometheusMetrics(registry)

	emitters := emit.Multi{emit.NewLogEmitter(logger)}
	if cfg.Tracing.Enabled {
		tracer, shutdown, err := startTracing(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Errorw("stop tracing", "error", err)
			}
		}()
		emitters = append(emitters, emit.NewOTelEmitter(tracer))
	}

	opts := []render.Option{
		render.WithLogger(logger),
		render.WithEmitter(emitters),
		render.WithMetrics(metrics),
	}
	if cfg.Worker.TempDir != "" {
		opts = append(opts, render.WithTempDir(cfg.Worker.TempDir))
	}
	sched, err := render.NewScheduler(b.store, b.blobs, modules, k, opts...)
	if err != nil {
		return err
	}
	renderer, err := render.NewRenderer(sched, b.locker, b.queue)
	if err != nil {
		return err
	}

	var serving atomic.Bool
	admin := newAdminServer(registry, func() error {
		if !serving.Load() {
			return errNotServing
		}
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		serving.Store(true)
		defer serving.Store(false)
		logger.Infow("render worker started", "concurrency", cfg.Worker.Concurrency,
			"store", cfg.Store.Driver, "queue", cfg.Queue.Driver, "lock", cfg.Lock.Driver)
		return renderer.Serve(gctx, b.queue, cfg.Worker.Concurrency)
	})
	g.Go(func() error {
		logger.Infow("admin server listening", "addr", cfg.Admin.Addr)
		if err := admin.Start(cfg.Admin.Addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return admin.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("render worker stopped", "error", err)
		return err
	}
	logger.Infow("render worker stopped")
	return nil
}
