// Package tx carries a database transaction through context.Context so that
// stores join the caller's unit of work, and lets components schedule work to
// run once that unit of work has committed or finished.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAborted marks a transaction that can no longer be used, for example
// because a savepoint could not be rolled back.
var ErrAborted = errors.New("transaction aborted")

// Execer is the query surface shared by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Hook runs after a transaction finishes. The context it receives carries the
// caller's values but not its deadline or cancellation.
type Hook func(ctx context.Context)

// Scope is one open transaction plus the hooks registered against it.
type Scope struct {
	tx *sql.Tx

	mu              sync.Mutex
	afterCommit     []Hook
	afterCompletion []Hook

	savepoints atomic.Int64
}

// NewScope wraps an open transaction.
func NewScope(tx *sql.Tx) *Scope {
	return &Scope{tx: tx}
}

// Tx returns the underlying transaction.
func (s *Scope) Tx() *sql.Tx {
	return s.tx
}

// AfterCommit registers h to run only if the transaction commits.
func (s *Scope) AfterCommit(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterCommit = append(s.afterCommit, h)
}

// AfterCompletion registers h to run once the transaction has committed or
// rolled back. Completion hooks run after commit hooks.
func (s *Scope) AfterCompletion(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterCompletion = append(s.afterCompletion, h)
}

// Savepoint runs fn inside a savepoint. When fn fails, everything it wrote is
// rolled back while the enclosing transaction stays usable, and fn's error is
// returned. If the savepoint itself cannot be managed the returned error wraps
// ErrAborted and the transaction must be abandoned.
//
// fn may run under a shorter deadline than the transaction. The savepoint
// statements ignore that deadline.
func (s *Scope) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	name := fmt.Sprintf("sp_%d", s.savepoints.Add(1))
	bookkeeping := context.WithoutCancel(ctx)
	if _, err := s.tx.ExecContext(bookkeeping, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: create savepoint: %w", ErrAborted, err)
	}

	if fnErr := fn(ctx); fnErr != nil {
		if _, err := s.tx.ExecContext(bookkeeping, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("%w: rollback to savepoint: %w", ErrAborted, err))
		}
		if _, err := s.tx.ExecContext(bookkeeping, "RELEASE SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("%w: release savepoint: %w", ErrAborted, err))
		}
		return fnErr
	}

	if _, err := s.tx.ExecContext(bookkeeping, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: release savepoint: %w", ErrAborted, err)
	}
	return nil
}

func (s *Scope) runCommitted(ctx context.Context) {
	s.mu.Lock()
	hooks := s.afterCommit
	s.afterCommit = nil
	s.mu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

func (s *Scope) runCompleted(ctx context.Context) {
	s.mu.Lock()
	hooks := s.afterCompletion
	s.afterCompletion = nil
	s.mu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

type scopeKey struct{}

// WithScope returns a context carrying the given transaction scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the transaction scope carried by ctx, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// From returns the transaction carried by ctx, if any.
func From(ctx context.Context) (*sql.Tx, bool) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return nil, false
	}
	return s.tx, true
}

// Executor returns the transaction carried by ctx, falling back to db.
func Executor(ctx context.Context, db *sql.DB) Execer {
	if t, ok := From(ctx); ok {
		return t
	}
	return db
}
