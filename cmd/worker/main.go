package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"courier/internal/bootstrap"
	"courier/internal/outbox/relay"
	"courier/internal/platform/config"
	"courier/internal/platform/health"
	"courier/internal/platform/logger"
)

const (
	shutdownTimeout = 15 * time.Second
	probeAddrEnv    = "COURIER_WORKER_ADDR"
)

// main runs the background side: the outbox poller, the dedup scanner and
// the retention sweeper. Probes and metrics are served on a side port.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	infra, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Warn("closing connections", "error", err)
		}
	}()

	probes := health.New(cfg.Server.Environment)
	infra.RegisterChecks(probes)

	prod, err := infra.Producer()
	if err != nil {
		return err
	}
	var pub relay.Publisher
	if prod != nil {
		defer prod.Close() //nolint:errcheck // flushes on shutdown
		pub = prod
		probes.RegisterCheck("kafka", prod.Healthy)
	}

	registry, err := infra.Registry(pub)
	if err != nil {
		return err
	}
	poller := infra.Poller(registry)
	scan, err := infra.Scanner()
	if err != nil {
		return err
	}
	sweeper, err := infra.Cleanup()
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	probes.Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(infra.PromRegistry, promhttp.HandlerOpts{}))
	addr := os.Getenv(probeAddrEnv)
	if addr == "" {
		addr = ":9090"
	}
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	log.Info("starting worker",
		"handlers", registry.Types(),
		"relay", prod != nil,
		"redis", infra.Redis != nil,
		"scanner_zone", cfg.Scanner.Zone,
		"probe_addr", addr,
	)

	poller.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(scan.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(sweeper.Start(gctx))
	})
	g.Go(func() error {
		return infra.RunHousekeeping(gctx, 30*time.Second)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			poller.Stop(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
