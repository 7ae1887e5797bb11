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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"courier/internal/bootstrap"
	instructionhandler "courier/internal/instruction/handler"
	instructionservice "courier/internal/instruction/service"
	instructionstore "courier/internal/instruction/store"
	jwttoken "courier/internal/jwt_token"
	"courier/internal/platform/config"
	"courier/internal/platform/health"
	"courier/internal/platform/logger"
	httptransport "courier/internal/transport/http"
	"courier/pkg/platform/middleware/request"
)

const shutdownTimeout = 10 * time.Second

// main wires the HTTP API: the instruction commands behind the idempotency
// guard, with their events written to the outbox in the same transaction.
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
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
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

	guard, err := infra.Guard()
	if err != nil {
		return err
	}
	svc, err := instructionservice.New(
		instructionstore.New(infra.Pool.DB(), infra.Pool.Dialect()),
		guard,
		infra.Runner,
		infra.Writer(),
		instructionservice.WithLogger(log),
	)
	if err != nil {
		return err
	}

	probes := health.New(cfg.Server.Environment)
	infra.RegisterChecks(probes)

	tokens := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTTokenTTL)
	router := httptransport.NewRouter(httptransport.Config{
		Logger:         log,
		Metrics:        request.NewMetrics(infra.PromRegistry),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Validator:      jwttoken.NewJWTServiceAdapter(tokens),
		Probes:         probes,
		MetricsHandler: promhttp.HandlerFor(infra.PromRegistry, promhttp.HandlerOpts{}),
		API:            []httptransport.RouteRegistrar{instructionhandler.New(svc, log)},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server",
			"addr", cfg.Server.Addr,
			"environment", cfg.Server.Environment,
			"database", cfg.Database.Driver,
			"redis", infra.Redis != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return infra.RunHousekeeping(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
