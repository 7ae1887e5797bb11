// Package worker runs the outbox poller: it claims due events, dispatches
// them to their handlers and records the outcome, one transaction per tick.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"courier/internal/outbox/dispatch"
	"courier/internal/outbox/metrics"
	"courier/internal/outbox/models"
	"courier/internal/platform/tracer"
	id "courier/pkg/domain"
	"courier/pkg/platform/backoff"
	txcontext "courier/pkg/platform/tx"
)

const (
	defaultBatchSize    = 10
	defaultPollInterval = time.Second
	defaultMaxRetry     = 8
	defaultBaseDelay    = time.Minute
	defaultBackoffCap   = 6
	defaultTickTimeout  = 30 * time.Second
	defaultHandlerLimit = 10 * time.Second
	maxOutcomeReserve   = 2 * time.Second
	drainTimeout        = 10 * time.Second

	// MaxErrorLen bounds the error text stored on an event.
	MaxErrorLen = 2000
)

// Store is the slice of outbox persistence the poller needs.
type Store interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]*models.Event, error)
	MarkDone(ctx context.Context, eventID id.EventID, now time.Time) error
	Reschedule(ctx context.Context, eventID id.EventID, retryCount int, nextRunAt time.Time, lastError string, now time.Time) error
	MarkFailed(ctx context.Context, eventID id.EventID, retryCount int, lastError string, now time.Time) error
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	OldestPending(ctx context.Context) (time.Time, error)
}

// TxRunner opens the per-tick transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// HandlerError is a handler failure as recorded in last_error.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return e.Handler + ":" + e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Worker polls the outbox table and delivers events to their handlers.
// Several workers, in one process or many, may poll the same table.
type Worker struct {
	store    Store
	runner   TxRunner
	registry *dispatch.Registry

	batchSize    int
	pollInterval time.Duration
	maxRetry     int
	baseDelay    time.Duration
	backoffCap   int
	tickTimeout  time.Duration
	handlerLimit time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  tracer.Tracer
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Worker.
type Option func(*Worker)

// WithBatchSize sets the maximum number of events claimed per tick.
func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithPollInterval sets the interval between ticks.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithMaxRetry sets the number of attempts before an event fails terminally.
func WithMaxRetry(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxRetry = n
		}
	}
}

// WithBackoff sets the retry delay to base * 2^min(retry_count, maxExponent).
func WithBackoff(base time.Duration, maxExponent int) Option {
	return func(w *Worker) {
		if base > 0 {
			w.baseDelay = base
		}
		if maxExponent >= 0 {
			w.backoffCap = maxExponent
		}
	}
}

// WithTickTimeout bounds one tick's transaction.
func WithTickTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.tickTimeout = d
		}
	}
}

// WithHandlerTimeout caps how long one event's handlers may run. The cap is
// further cut to what is left of the tick, minus room for the outcome write.
func WithHandlerTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.handlerLimit = d
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// New creates an outbox worker.
func New(store Store, runner TxRunner, registry *dispatch.Registry, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		store:        store,
		runner:       runner,
		registry:     registry,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		maxRetry:     defaultMaxRetry,
		baseDelay:    defaultBaseDelay,
		backoffCap:   defaultBackoffCap,
		tickTimeout:  defaultTickTimeout,
		handlerLimit: defaultHandlerLimit,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.tracer == nil {
		w.tracer = tracer.NewNoop()
	}
	return w
}

// Start begins the polling loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.poll(w.ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.metrics.IncTickErrors()
		w.logger.ErrorContext(ctx, "outbox tick failed", "error", err)
	}
	if w.metrics != nil {
		if err := w.UpdateMetrics(ctx); err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "failed to update outbox metrics", "error", err)
		}
	}
}

// RunOnce runs a single tick and returns how many events it claimed. The
// claims, handler writes and outcomes commit together; if the tick fails
// everything rolls back and the events stay pending.
func (w *Worker) RunOnce(ctx context.Context) (claimed int, err error) {
	start := w.now()
	ctx, cancel := context.WithTimeout(ctx, w.tickTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, tracer.SpanOutboxTick)
	defer func() {
		span.SetAttributes(tracer.Int(tracer.AttrClaimed, claimed))
		span.End(err)
		w.metrics.ObservePollDuration(w.now().Sub(start).Seconds())
	}()

	err = w.runner.RunInTx(ctx, func(ctx context.Context) error {
		events, err := w.store.Claim(ctx, w.now(), w.batchSize)
		if err != nil {
			return err
		}
		claimed = len(events)
		if claimed == 0 {
			return nil
		}
		w.metrics.ObserveBatch(claimed)

		for _, e := range events {
			if err := w.deliver(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// deliver runs e's handlers and records the outcome. Only errors that leave
// the tick's transaction unusable are returned.
func (w *Worker) deliver(ctx context.Context, e *models.Event) (err error) {
	ctx, span := w.tracer.Start(ctx, tracer.SpanOutboxDispatch,
		tracer.String(tracer.AttrEventID, e.ID.String()),
		tracer.String(tracer.AttrEventType, e.Type.String()),
		tracer.Int(tracer.AttrRetryCount, e.RetryCount),
	)
	defer func() { span.End(err) }()

	budget, ok := w.handlerBudget(ctx)
	if !ok {
		// Not attempted: hand it back without counting a retry.
		span.AddEvent("tick_budget_exhausted")
		return w.store.Reschedule(ctx, e.ID, e.RetryCount, w.now(), e.LastError, w.now())
	}

	hctx, cancel := context.WithTimeout(ctx, budget)
	start := w.now()
	handleErr := w.handle(hctx, e)
	cancel()
	w.metrics.ObserveHandlerDuration(e.Type.String(), w.now().Sub(start).Seconds())
	if errors.Is(handleErr, txcontext.ErrAborted) {
		return handleErr
	}

	now := w.now()
	if handleErr == nil {
		if err := w.store.MarkDone(ctx, e.ID, now); err != nil {
			return err
		}
		w.metrics.IncProcessed(e.Type.String())
		return nil
	}

	span.AddEvent("handler_failed", tracer.String("error", handleErr.Error()))
	retryCount := e.RetryCount + 1
	lastError := truncate(handleErr.Error())

	if errors.Is(handleErr, dispatch.ErrHandlerNotRegistered) || retryCount >= w.maxRetry {
		if err := w.store.MarkFailed(ctx, e.ID, retryCount, lastError, now); err != nil {
			return err
		}
		w.metrics.IncFailed(e.Type.String())
		w.logger.ErrorContext(ctx, "outbox event failed permanently",
			"event_id", e.ID.String(),
			"event_type", e.Type.String(),
			"retry_count", retryCount,
			"error", handleErr,
		)
		return nil
	}

	next := now.Add(backoff.Capped(w.baseDelay, e.RetryCount, w.backoffCap))
	if err := w.store.Reschedule(ctx, e.ID, retryCount, next, lastError, now); err != nil {
		return err
	}
	w.metrics.IncRetried(e.Type.String())
	w.logger.WarnContext(ctx, "outbox event rescheduled",
		"event_id", e.ID.String(),
		"event_type", e.Type.String(),
		"retry_count", retryCount,
		"next_run_at", next,
		"error", handleErr,
	)
	return nil
}

// handlerBudget is the time one event's handlers may use: the handler cap,
// cut to the tick's remaining time less a reserve for recording the outcome.
// ok is false when nothing is left.
func (w *Worker) handlerBudget(ctx context.Context) (budget time.Duration, ok bool) {
	budget = w.handlerLimit
	if deadline, has := ctx.Deadline(); has {
		reserve := min(w.tickTimeout/4, maxOutcomeReserve)
		budget = min(budget, time.Until(deadline)-reserve)
	}
	return budget, budget > 0
}

// handle runs every handler of e in registration order and stops at the
// first failure. Handlers that already finished are skipped on redelivery by
// their ledger guard.
func (w *Worker) handle(ctx context.Context, e *models.Event) error {
	handlers, err := w.registry.Handlers(e.Type)
	if err != nil {
		return &HandlerError{Handler: "Dispatch", Err: err}
	}
	for _, h := range handlers {
		if err := h.Handle(ctx, e); err != nil {
			if errors.Is(err, txcontext.ErrAborted) {
				return err
			}
			return &HandlerError{Handler: h.Name(), Err: err}
		}
	}
	return nil
}

// drain delivers events that are already due before shutdown.
func (w *Worker) drain() {
	w.logger.Info("draining outbox worker")

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox drain tick failed", "error", err)
			return
		}
		if n < w.batchSize {
			return
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateMetrics refreshes the queue depth gauges.
func (w *Worker) UpdateMetrics(ctx context.Context) error {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	w.metrics.SetPendingDepth(counts[models.StatusPending])

	oldest, err := w.store.OldestPending(ctx)
	if err != nil {
		return err
	}
	if oldest.IsZero() {
		w.metrics.SetOldestPendingAge(0)
		return nil
	}
	w.metrics.SetOldestPendingAge(w.now().Sub(oldest).Seconds())
	return nil
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorLen {
		return s
	}
	return string(r[:MaxErrorLen])
}
