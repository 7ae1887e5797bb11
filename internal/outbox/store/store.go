// Package store persists outbox events and consumption records. Every method
// joins the transaction carried by ctx when there is one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/outbox/models"
	"courier/internal/platform/database"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
)

// maxBatch caps claim and listing sizes.
const maxBatch = 1000

const eventColumns = `event_id, event_type, dedupe_key, correlation_ids, payload, status,
	retry_count, next_run_at, last_error, created_at, updated_at`

// SQLStore implements outbox persistence for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// New creates an outbox store.
func New(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) execer(ctx context.Context) txcontext.Execer {
	return txcontext.Executor(ctx, s.db)
}

// Append inserts e. It reports false, with no error, when an event with the
// same dedupe key already exists.
func (s *SQLStore) Append(ctx context.Context, e *models.Event) (bool, error) {
	corr, err := json.Marshal(e.Correlation)
	if err != nil {
		return false, fmt.Errorf("encode correlation ids: %w", err)
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	query := s.dialect.Rebind(`
		INSERT INTO event_outbox (event_id, event_type, dedupe_key, correlation_ids, payload, status,
			retry_count, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING
	`)
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(e.ID),
		string(e.Type),
		e.DedupeKey,
		string(corr),
		string(payload),
		s.dialect.Time(e.NextRunAt),
		s.dialect.Time(e.CreatedAt),
		s.dialect.Time(e.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}
	return n == 1, nil
}

// Claim selects up to limit due pending events, oldest first, and marks them
// processing. It must run inside a transaction. On Postgres the selection
// skips rows locked by concurrent claimers; elsewhere the conditional status
// update decides which claimer wins a row.
func (s *SQLStore) Claim(ctx context.Context, now time.Time, limit int) ([]*models.Event, error) {
	tx, ok := txcontext.From(ctx)
	if !ok {
		return nil, fmt.Errorf("claim outbox events: %w", sentinel.ErrNoTx)
	}
	if limit <= 0 {
		return nil, nil
	}
	limit = min(limit, maxBatch)

	query := `SELECT ` + eventColumns + `
		FROM event_outbox
		WHERE status = 'pending' AND next_run_at <= ?
		ORDER BY created_at, event_id
		LIMIT ?`
	if s.dialect.SupportsSkipLocked() {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(query), s.dialect.Time(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbox events: %w", err)
	}
	candidates, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("select due outbox events: %w", err)
	}

	mark := s.dialect.Rebind(`
		UPDATE event_outbox SET status = 'processing', updated_at = ?
		WHERE event_id = ? AND status = 'pending'
	`)
	claimed := candidates[:0]
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, mark, s.dialect.Time(now), uuid.UUID(e.ID))
		if err != nil {
			return nil, fmt.Errorf("mark outbox event processing: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("mark outbox event processing: %w", err)
		}
		if n == 0 {
			continue
		}
		e.Status = models.StatusProcessing
		e.UpdatedAt = now
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// MarkDone records successful delivery.
func (s *SQLStore) MarkDone(ctx context.Context, eventID id.EventID, now time.Time) error {
	return s.transition(ctx, eventID, `
		UPDATE event_outbox SET status = 'done', last_error = NULL, updated_at = ?
		WHERE event_id = ? AND status = 'processing'
	`, s.dialect.Time(now), uuid.UUID(eventID))
}

// Reschedule returns a failed delivery to pending until nextRunAt.
func (s *SQLStore) Reschedule(ctx context.Context, eventID id.EventID, retryCount int, nextRunAt time.Time, lastError string, now time.Time) error {
	return s.transition(ctx, eventID, `
		UPDATE event_outbox
		SET status = 'pending', retry_count = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE event_id = ? AND status = 'processing'
	`, retryCount, s.dialect.Time(nextRunAt), lastError, s.dialect.Time(now), uuid.UUID(eventID))
}

// MarkFailed moves an event to the terminal failed state.
func (s *SQLStore) MarkFailed(ctx context.Context, eventID id.EventID, retryCount int, lastError string, now time.Time) error {
	return s.transition(ctx, eventID, `
		UPDATE event_outbox
		SET status = 'failed', retry_count = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE event_id = ? AND status = 'processing'
	`, retryCount, s.dialect.Time(now), lastError, s.dialect.Time(now), uuid.UUID(eventID))
}

func (s *SQLStore) transition(ctx context.Context, eventID id.EventID, query string, args ...any) error {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update outbox event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox event %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox event %s is not processing: %w", eventID, sentinel.ErrInvalidState)
	}
	return nil
}

// Get returns one event or sentinel.ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, eventID id.EventID) (*models.Event, error) {
	return s.getOne(ctx, `SELECT `+eventColumns+` FROM event_outbox WHERE event_id = ?`, uuid.UUID(eventID))
}

// GetByDedupeKey returns the event recorded under key or sentinel.ErrNotFound.
func (s *SQLStore) GetByDedupeKey(ctx context.Context, key string) (*models.Event, error) {
	return s.getOne(ctx, `SELECT `+eventColumns+` FROM event_outbox WHERE dedupe_key = ?`, key)
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg any) (*models.Event, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("outbox event: %w", sentinel.ErrNotFound)
	}
	return events[0], nil
}

// ListByType returns events of one type, oldest first.
func (s *SQLStore) ListByType(ctx context.Context, eventType models.EventType) ([]*models.Event, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+eventColumns+` FROM event_outbox WHERE event_type = ? ORDER BY created_at, event_id
	`), string(eventType))
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return scanEvents(rows)
}

// ListFailed returns terminally failed events, most recently updated first.
func (s *SQLStore) ListFailed(ctx context.Context, limit int) ([]*models.Event, error) {
	if limit <= 0 || limit > maxBatch {
		limit = maxBatch
	}
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+eventColumns+` FROM event_outbox
		WHERE status = 'failed'
		ORDER BY updated_at DESC, event_id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox events: %w", err)
	}
	return scanEvents(rows)
}

// CountByStatus returns the number of events in each status. Statuses with no
// events are present with a zero count.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, 4)
	for _, st := range models.Statuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count outbox events: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// OldestPending returns the creation time of the oldest pending event, or
// the zero time when none is pending.
func (s *SQLStore) OldestPending(ctx context.Context) (time.Time, error) {
	var ts database.Timestamp
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM event_outbox WHERE status = 'pending'`,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest pending outbox event: %w", err)
	}
	return ts.Time, nil
}

// Requeue resets the given failed or done events to pending with a fresh retry
// budget, due at now. Events in other states are left alone.
func (s *SQLStore) Requeue(ctx context.Context, eventIDs []id.EventID, now time.Time) (int64, error) {
	query := s.dialect.Rebind(`
		UPDATE event_outbox
		SET status = 'pending', retry_count = 0, next_run_at = ?, last_error = NULL, updated_at = ?
		WHERE event_id = ? AND status IN ('failed', 'done')
	`)
	var total int64
	for _, eventID := range eventIDs {
		res, err := s.execer(ctx).ExecContext(ctx, query, s.dialect.Time(now), s.dialect.Time(now), uuid.UUID(eventID))
		if err != nil {
			return total, fmt.Errorf("requeue outbox event %s: %w", eventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("requeue outbox event %s: %w", eventID, err)
		}
		total += n
	}
	return total, nil
}

// RequeueFailed resets every failed event to pending.
func (s *SQLStore) RequeueFailed(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE event_outbox
		SET status = 'pending', retry_count = 0, next_run_at = ?, last_error = NULL, updated_at = ?
		WHERE status = 'failed'
	`), s.dialect.Time(now), s.dialect.Time(now))
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDoneBefore removes delivered events last updated before cutoff,
// together with their consumption records.
func (s *SQLStore) DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := s.dialect.Time(cutoff)
	// SQLite only cascades with foreign_keys on; delete children explicitly.
	if _, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM event_consumption WHERE event_id IN (
			SELECT event_id FROM event_outbox WHERE status = 'done' AND updated_at < ?
		)
	`), cut); err != nil {
		return 0, fmt.Errorf("delete consumption records: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM event_outbox WHERE status = 'done' AND updated_at < ?
	`), cut)
	if err != nil {
		return 0, fmt.Errorf("delete done outbox events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	defer rows.Close()
	var events []*models.Event
	for rows.Next() {
		var (
			eventID   uuid.UUID
			e         models.Event
			eventType string
			status    string
			corr      []byte
			payload   []byte
			lastError sql.NullString
			nextRunAt database.Timestamp
			createdAt database.Timestamp
			updatedAt database.Timestamp
		)
		if err := rows.Scan(
			&eventID,
			&eventType,
			&e.DedupeKey,
			&corr,
			&payload,
			&status,
			&e.RetryCount,
			&nextRunAt,
			&lastError,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		if len(corr) > 0 {
			if err := json.Unmarshal(corr, &e.Correlation); err != nil {
				return nil, fmt.Errorf("decode correlation ids: %w", err)
			}
		}
		e.ID = id.EventID(eventID)
		e.Type = models.EventType(eventType)
		e.Status = models.Status(status)
		e.Payload = payload
		e.LastError = lastError.String
		e.NextRunAt = nextRunAt.Time
		e.CreatedAt = createdAt.Time
		e.UpdatedAt = updatedAt.Time
		events = append(events, &e)
	}
	return events, rows.Err()
}
