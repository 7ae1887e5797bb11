package tx

import (
	"context"
	"database/sql"
	"time"

	dErrors "courier/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

// Runner opens transactions and runs the registered hooks once they finish.
type Runner struct {
	db      *sql.DB
	timeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds transactions opened without a caller deadline.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner creates a Runner over db.
func NewRunner(db *sql.DB, opts ...RunnerOption) *Runner {
	r := &Runner{db: db, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB returns the underlying handle.
func (r *Runner) DB() *sql.DB {
	return r.db
}

// RunInTx runs fn inside a transaction. A context that already carries a
// transaction is reused, so nested calls join the outer unit of work and its
// hooks. The transaction commits when fn returns nil and rolls back otherwise.
func (r *Runner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, ok := ScopeFrom(ctx); ok {
		return fn(ctx)
	}

	detached := context.WithoutCancel(ctx)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	scope := NewScope(sqlTx)

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback() //nolint:errcheck // rollback error is secondary to the one being returned
		}
		scope.runCompleted(detached)
	}()

	if err := fn(WithScope(ctx, scope)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	committed = true
	scope.runCommitted(detached)
	return nil
}
