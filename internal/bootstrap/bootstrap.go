// Package bootstrap opens the shared infrastructure the courier binaries run
// on and assembles the idempotency guard and outbox writer over it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"courier/internal/idempotency/cache"
	"courier/internal/idempotency/lock"
	idemmetrics "courier/internal/idempotency/metrics"
	idemservice "courier/internal/idempotency/service"
	idemstore "courier/internal/idempotency/store"
	outboxmetrics "courier/internal/outbox/metrics"
	outboxstore "courier/internal/outbox/store"
	"courier/internal/outbox/writer"
	"courier/internal/platform/config"
	"courier/internal/platform/database"
	"courier/internal/platform/health"
	redisclient "courier/internal/platform/redis"
	"courier/internal/platform/tracer"
	txcontext "courier/pkg/platform/tx"
)

// Infra holds the connections shared by every component of a process.
type Infra struct {
	Config       config.Config
	Logger       *slog.Logger
	PromRegistry *prometheus.Registry
	Tracer       tracer.Tracer

	Pool   *database.Pool
	Runner *txcontext.Runner
	// Redis is nil when REDIS_URL is unset.
	Redis *redisclient.Client

	Records *idemstore.SQLStore
	Events  *outboxstore.SQLStore

	OutboxMetrics *outboxmetrics.Metrics

	memCache      *cache.InMemory
	traceShutdown tracer.Shutdown
}

// Open connects to the database and, when configured, Redis. Migrations run
// first if DATABASE_AUTO_MIGRATE is set.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Infra, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool, err := database.New(database.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if pool == nil {
		return nil, errors.New("DATABASE_URL is required")
	}
	reg.MustRegister(collectors.NewDBStatsCollector(pool.DB(), "courier"))

	if cfg.Database.AutoMigrate {
		applied, err := pool.Migrate(ctx)
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.InfoContext(ctx, "migrations applied", "count", applied)
	}

	rdb, err := redisclient.New(cfg.Redis, redisclient.NewPoolMetrics(reg))
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}
	if rdb == nil {
		logger.WarnContext(ctx, "REDIS_URL not set, using in-process locks and result cache")
	}

	traceShutdown, err := tracer.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		logger.WarnContext(ctx, "tracing disabled", "error", err)
	}

	return &Infra{
		Config:        cfg,
		Logger:        logger,
		PromRegistry:  reg,
		Tracer:        tracer.NewOTel(),
		Pool:          pool,
		Runner:        txcontext.NewRunner(pool.DB(), txcontext.WithTimeout(cfg.Server.TxTimeout)),
		Redis:         rdb,
		Records:       idemstore.New(pool.DB(), pool.Dialect()),
		Events:        outboxstore.New(pool.DB(), pool.Dialect()),
		OutboxMetrics: outboxmetrics.New(reg),
		traceShutdown: traceShutdown,
	}, nil
}

// Guard builds the idempotency guard. Without Redis the lock and cache live
// in this process, which is only correct for a single replica.
func (i *Infra) Guard() (*idemservice.Guard, error) {
	cfg := i.Config.Idempotency

	var (
		locker      idemservice.Locker
		resultCache idemservice.Cache
	)
	if i.Redis != nil {
		locker = lock.NewRedisLocker(i.Redis.Client, lock.WithWait(cfg.LockWait))
		resultCache = cache.NewResilient(cache.NewRedis(i.Redis.Client), i.Logger)
	} else {
		locker = lock.NewMemoryLocker(lock.WithWait(cfg.LockWait))
		i.memCache = cache.NewInMemory()
		resultCache = i.memCache
	}

	return idemservice.New(i.Records, locker, resultCache,
		idemservice.WithRecordTTL(cfg.RecordTTL),
		idemservice.WithLockTTL(cfg.LockTTL),
		idemservice.WithTakeoverMultiplier(cfg.TakeoverMultiplier),
		idemservice.WithLogger(i.Logger),
		idemservice.WithMetrics(idemmetrics.New(i.PromRegistry)),
		idemservice.WithTracer(i.Tracer),
	)
}

// Writer builds the outbox writer.
func (i *Infra) Writer() *writer.Writer {
	return writer.New(i.Events,
		writer.WithLogger(i.Logger),
		writer.WithMetrics(i.OutboxMetrics),
	)
}

// RegisterChecks adds the readiness checks for every open connection.
func (i *Infra) RegisterChecks(h *health.Handler) {
	h.RegisterCheck("database", i.Pool.Health)
	if i.Redis != nil {
		h.RegisterCheck("redis", i.Redis.Health)
	}
}

// RunHousekeeping records Redis pool statistics, or sweeps the in-process
// result cache when there is no Redis, until ctx is done.
func (i *Infra) RunHousekeeping(ctx context.Context, interval time.Duration) error {
	if i.Redis != nil {
		return i.Redis.RunPoolStats(ctx, interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if i.memCache != nil {
				if n := i.memCache.Sweep(); n > 0 {
					i.Logger.DebugContext(ctx, "swept idempotency cache", "expired", n)
				}
			}
		}
	}
}

// Close flushes pending spans and releases the connections.
func (i *Infra) Close() error {
	var errs []error
	if i.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, i.traceShutdown(ctx))
		cancel()
	}
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}
	errs = append(errs, i.Pool.Close())
	return errors.Join(errs...)
}
