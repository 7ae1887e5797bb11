// Package ledger makes a handler's effects at-most-once per event even though
// events themselves are delivered at least once.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"courier/internal/outbox/models"
	id "courier/pkg/domain"
	dErrors "courier/pkg/domain-errors"
	txcontext "courier/pkg/platform/tx"
)

const maxErrorLen = 2000

// Store persists consumption records.
type Store interface {
	StartConsumption(ctx context.Context, eventID id.EventID, handler string, now time.Time) (models.ConsumptionClaim, error)
	ReclaimConsumption(ctx context.Context, eventID id.EventID, handler string, now time.Time) (bool, error)
	FinishConsumption(ctx context.Context, eventID id.EventID, handler string, status models.ConsumptionStatus, lastError string, now time.Time) error
}

// Ledger gates handler runs on the consumption table.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Run executes fn for (eventID, handler) unless that pair already finished.
//
// fn runs inside a savepoint of the caller's transaction. If it fails its
// writes are rolled back, the record is marked failed and fn's error is
// returned; a failed record is re-run on the next delivery. A record that is
// done, or started by another delivery, is skipped and Run returns nil.
func (l *Ledger) Run(ctx context.Context, eventID id.EventID, handler string, fn func(ctx context.Context) error) error {
	scope, ok := txcontext.ScopeFrom(ctx)
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "consumption ledger requires a transaction")
	}

	// Only fn is bound by ctx's deadline. The ledger rows are written even
	// when fn runs out of time; the enclosing transaction still bounds them.
	book := context.WithoutCancel(ctx)

	claim, err := l.store.StartConsumption(book, eventID, handler, l.now())
	if err != nil {
		return err
	}
	if !claim.Inserted {
		switch claim.Existing.Status {
		case models.ConsumptionFailed:
			reclaimed, err := l.store.ReclaimConsumption(book, eventID, handler, l.now())
			if err != nil {
				return err
			}
			if !reclaimed {
				return nil
			}
		default:
			l.logger.DebugContext(ctx, "event already consumed",
				"event_id", eventID.String(),
				"handler", handler,
				"status", string(claim.Existing.Status),
			)
			return nil
		}
	}

	if fnErr := scope.Savepoint(ctx, fn); fnErr != nil {
		if errors.Is(fnErr, txcontext.ErrAborted) {
			return fnErr
		}
		if err := l.store.FinishConsumption(book, eventID, handler, models.ConsumptionFailed, truncate(fnErr.Error()), l.now()); err != nil {
			return errors.Join(fnErr, err)
		}
		return fnErr
	}
	return l.store.FinishConsumption(book, eventID, handler, models.ConsumptionDone, "", l.now())
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxErrorLen {
		return s
	}
	return string(r[:maxErrorLen])
}
