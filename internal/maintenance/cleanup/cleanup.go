// Package cleanup sweeps rows whose retention has lapsed: expired idempotency
// records and delivered outbox events.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultInterval      = time.Hour
	defaultDoneRetention = 7 * 24 * time.Hour
)

type IdempotencyStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type OutboxStore interface {
	DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result summarises one sweep.
type Result struct {
	ExpiredIdempotencyRecords int64
	DeliveredEvents           int64
}

// Service periodically removes lapsed rows.
type Service struct {
	records       IdempotencyStore
	events        OutboxStore
	interval      time.Duration
	doneRetention time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithDoneRetention sets how long delivered events are kept.
func WithDoneRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.doneRetention = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(records IdempotencyStore, events OutboxStore, opts ...Option) (*Service, error) {
	if records == nil || events == nil {
		return nil, fmt.Errorf("idempotency and outbox stores are required")
	}
	svc := &Service{
		records:       records,
		events:        events,
		interval:      defaultInterval,
		doneRetention: defaultDoneRetention,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Start sweeps on the configured interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "retention cleanup failed", "error", err)
				continue
			}
			if res.ExpiredIdempotencyRecords > 0 || res.DeliveredEvents > 0 {
				s.logger.InfoContext(ctx, "retention cleanup",
					"idempotency_records", res.ExpiredIdempotencyRecords,
					"outbox_events", res.DeliveredEvents,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs one sweep. A failing step does not stop the other; their
// errors are joined.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var (
		res  Result
		errs []error
	)

	n, err := s.records.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired idempotency records: %w", err))
	} else {
		res.ExpiredIdempotencyRecords = n
	}

	n, err = s.events.DeleteDoneBefore(ctx, now.Add(-s.doneRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("delete delivered outbox events: %w", err))
	} else {
		res.DeliveredEvents = n
	}

	return res, errors.Join(errs...)
}
