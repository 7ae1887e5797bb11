// Package service implements the idempotency guard: the pre-check that decides
// whether a keyed operation runs or replays, and the completion step that
// makes its result replayable.
package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks Store,Locker,Cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/idempotency/cache"
	"courier/internal/idempotency/metrics"
	"courier/internal/idempotency/models"
	"courier/internal/platform/tracer"
	dErrors "courier/pkg/domain-errors"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
)

const (
	defaultRecordTTL          = 24 * time.Hour
	defaultLockTTL            = 120 * time.Second
	defaultTakeoverMultiplier = 2
	defaultReleaseTimeout     = 2 * time.Second
	minStaleAfter             = time.Second
)

// Guard runs the idempotency protocol inside a caller's transaction.
type Guard struct {
	store  Store
	locker Locker
	cache  Cache

	recordTTL          time.Duration
	lockTTL            time.Duration
	takeoverMultiplier int
	releaseTimeout     time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  tracer.Tracer
	now     func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecordTTL sets how long records and cached results are retained.
func WithRecordTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.recordTTL = ttl
		}
	}
}

// WithLockTTL sets the lifetime of the in-flight lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.lockTTL = ttl
		}
	}
}

// WithTakeoverMultiplier sets how many lock TTLs an unlocked, incomplete
// record must age before another attempt may take it over.
func WithTakeoverMultiplier(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.takeoverMultiplier = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(g *Guard) {
		g.tracer = t
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a Guard. store and locker are required; a nil cache disables
// the replay fast path.
func New(store Store, locker Locker, resultCache Cache, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if locker == nil {
		return nil, errors.New("idempotency locker is required")
	}
	g := &Guard{
		store:              store,
		locker:             locker,
		cache:              resultCache,
		recordTTL:          defaultRecordTTL,
		lockTTL:            defaultLockTTL,
		takeoverMultiplier: defaultTakeoverMultiplier,
		releaseTimeout:     defaultReleaseTimeout,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tracer == nil {
		g.tracer = tracer.NewNoop()
	}
	return g, nil
}

// StaleAfter is the age past which an unlocked, incomplete record may be
// taken over. It is never below one second.
func (g *Guard) StaleAfter() time.Duration {
	return max(minStaleAfter, time.Duration(g.takeoverMultiplier)*g.lockTTL)
}

// PreCheck decides whether the operation identified by key may run. It must be
// called inside a transaction (see tx.Runner): the record insert joins that
// transaction and the lock is released once it finishes.
//
// An empty key always proceeds.
func (g *Guard) PreCheck(ctx context.Context, key models.Key, requestHash string) (decision models.Decision, err error) {
	if key.Value == "" {
		return models.ProceedDecision(models.ReasonProceed), nil
	}
	scope, ok := txcontext.ScopeFrom(ctx)
	if !ok {
		return models.Decision{}, dErrors.New(dErrors.CodeInternal, "idempotency pre-check requires a transaction")
	}

	start := g.now()
	ctx, span := g.tracer.Start(ctx, tracer.SpanIdempotencyPreCheck, tracer.String(tracer.AttrScope, key.Scope))
	defer func() {
		if err == nil {
			span.SetAttributes(tracer.String(tracer.AttrDecision, string(decision.Reason)))
			g.metrics.IncDecision(decision.Reason)
		}
		g.metrics.ObservePreCheckDuration(g.now().Sub(start).Seconds())
		span.End(err)
	}()

	if hit := g.cached(ctx, key); hit != nil {
		if hit.RequestHash != requestHash {
			return models.KeyReusedDecision(), nil
		}
		return models.ReplayDecision(models.ReasonReplayCached, hit.Result), nil
	}

	now := g.now()
	res, err := g.store.InsertOrGet(ctx, &models.Record{
		Key:         key,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.recordTTL),
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		// The conflicting record vanished between insert and read (expired
		// and swept). Treat as concurrent; the client retries.
		return models.InProgressDecision(), nil
	}
	if err != nil {
		return models.Decision{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record idempotency key")
	}

	if res.Outcome == models.Inserted {
		return g.acquire(ctx, scope, key, models.ReasonProceed)
	}

	existing := res.Existing
	if existing.RequestHash != requestHash {
		return models.KeyReusedDecision(), nil
	}
	if existing.Completed {
		result := existing.Result()
		scope.AfterCommit(func(ctx context.Context) {
			g.storeResult(ctx, key, requestHash, result)
		})
		return models.ReplayDecision(models.ReasonReplayStored, result), nil
	}

	held, err := g.locker.IsHeld(ctx, cache.LockKey(key))
	if err != nil {
		return models.Decision{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "idempotency lock unavailable")
	}
	if held {
		return models.InProgressDecision(), nil
	}
	age := existing.Age(now)
	if age <= g.StaleAfter() {
		return models.InProgressDecision(), nil
	}

	decision, err = g.acquire(ctx, scope, key, models.ReasonTakeover)
	if err == nil && decision.Proceed() {
		g.logger.WarnContext(ctx, "taking over stale idempotency record",
			"scope", key.Scope,
			"actor_id", key.Actor.String(),
			"age", age.String(),
		)
	}
	return decision, err
}

// acquire takes the in-flight lock and schedules its release for when the
// transaction finishes.
func (g *Guard) acquire(ctx context.Context, scope *txcontext.Scope, key models.Key, reason models.Reason) (models.Decision, error) {
	lockKey := cache.LockKey(key)
	token, ok, err := g.locker.Acquire(ctx, lockKey, g.lockTTL)
	if err != nil {
		return models.Decision{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "idempotency lock unavailable")
	}
	if !ok {
		return models.InProgressDecision(), nil
	}
	scope.AfterCompletion(func(ctx context.Context) {
		g.release(ctx, lockKey, token)
	})
	return models.ProceedDecision(reason), nil
}

func (g *Guard) release(ctx context.Context, lockKey, token string) {
	ctx, cancel := context.WithTimeout(ctx, g.releaseTimeout)
	defer cancel()
	if _, err := g.locker.ReleaseIfOwnedBy(ctx, lockKey, token); err != nil {
		g.metrics.IncLockReleaseFailures()
		g.logger.WarnContext(ctx, "failed to release idempotency lock", "lock", lockKey, "error", err)
	}
}

// Complete records the operation's result. The result becomes visible to the
// cache only after the transaction commits. An empty key is a no-op.
func (g *Guard) Complete(ctx context.Context, key models.Key, result models.Result) (err error) {
	if key.Value == "" {
		return nil
	}
	scope, ok := txcontext.ScopeFrom(ctx)
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "idempotency completion requires a transaction")
	}
	ctx, span := g.tracer.Start(ctx, tracer.SpanIdempotencyComplete, tracer.String(tracer.AttrScope, key.Scope))
	defer func() { span.End(err) }()

	rec, err := g.store.Complete(ctx, key, result)
	switch {
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "idempotency record already completed")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "idempotency record missing at completion")
	case err != nil:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete idempotency record")
	}

	stored := rec.Result()
	hash := rec.RequestHash
	scope.AfterCommit(func(ctx context.Context) {
		g.storeResult(ctx, key, hash, stored)
	})
	return nil
}

func (g *Guard) cached(ctx context.Context, key models.Key) *models.CachedResult {
	if g.cache == nil {
		return nil
	}
	hit, err := g.cache.Get(ctx, key)
	if err != nil {
		g.metrics.IncCacheErrors()
		g.logger.WarnContext(ctx, "idempotency cache read failed", "error", err)
		return nil
	}
	return hit
}

func (g *Guard) storeResult(ctx context.Context, key models.Key, hash string, result models.Result) {
	if g.cache == nil {
		return
	}
	ttl := g.recordTTL
	err := g.cache.Set(ctx, key, models.CachedResult{RequestHash: hash, Result: result}, ttl)
	if err != nil {
		g.metrics.IncCacheErrors()
		g.logger.WarnContext(ctx, "idempotency cache write failed", "error", fmt.Errorf("set %s: %w", cache.DoneKey(key), err))
	}
}
