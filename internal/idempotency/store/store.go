// Package store persists idempotency records in the caller's transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/idempotency/models"
	"courier/internal/platform/database"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
)

// SQLStore persists idempotency records in Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// New constructs a SQL-backed record store.
func New(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) execer(ctx context.Context) txcontext.Execer {
	return txcontext.Executor(ctx, s.db)
}

// InsertOrGet inserts rec, or returns the record already holding its key.
func (s *SQLStore) InsertOrGet(ctx context.Context, rec *models.Record) (models.InsertResult, error) {
	if rec == nil {
		return models.InsertResult{}, fmt.Errorf("record is required")
	}
	query := s.dialect.Rebind(`
		INSERT INTO idempotency_record (actor_id, scope, idem_key, request_hash, completed, created_at, expires_at)
		VALUES (?, ?, ?, ?, FALSE, ?, ?)
		ON CONFLICT (actor_id, scope, idem_key) DO NOTHING
	`)
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.Key.Actor),
		rec.Key.Scope,
		rec.Key.Value,
		rec.RequestHash,
		s.dialect.Time(rec.CreatedAt),
		s.dialect.Time(rec.ExpiresAt),
	)
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("insert idempotency record: %w", err)
	}
	if n == 1 {
		return models.InsertResult{Outcome: models.Inserted}, nil
	}

	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return models.InsertResult{}, err
	}
	return models.InsertResult{Outcome: models.AlreadyExists, Existing: existing}, nil
}

// Get returns the record for key or sentinel.ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	query := s.dialect.Rebind(`
		SELECT actor_id, scope, idem_key, request_hash, completed, status_code, body, created_at, expires_at
		FROM idempotency_record
		WHERE actor_id = ? AND scope = ? AND idem_key = ?
	`)
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(key.Actor), key.Scope, key.Value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// Complete stores the result of an in-progress record and returns the
// completed record. Completed records are immutable; completing one again
// returns sentinel.ErrInvalidState.
func (s *SQLStore) Complete(ctx context.Context, key models.Key, result models.Result) (*models.Record, error) {
	query := s.dialect.Rebind(`
		UPDATE idempotency_record
		SET completed = TRUE, status_code = ?, body = ?
		WHERE actor_id = ? AND scope = ? AND idem_key = ? AND completed = FALSE
		RETURNING request_hash, created_at, expires_at
	`)
	rec := &models.Record{
		Key:        key,
		Completed:  true,
		StatusCode: result.StatusCode,
		Body:       result.Body,
	}
	var createdAt, expiresAt database.Timestamp
	err := s.execer(ctx).QueryRowContext(ctx, query,
		result.StatusCode,
		string(result.Body),
		uuid.UUID(key.Actor),
		key.Scope,
		key.Value,
	).Scan(&rec.RequestHash, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, key); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("idempotency record %s already completed: %w", key, sentinel.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("complete idempotency record: %w", err)
	}
	rec.CreatedAt = createdAt.Time
	rec.ExpiresAt = expiresAt.Time
	return rec, nil
}

// DeleteExpired removes records whose retention has lapsed.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM idempotency_record WHERE expires_at <= ?`),
		s.dialect.Time(now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var (
		actor      uuid.UUID
		rec        models.Record
		statusCode sql.NullInt64
		body       sql.NullString
		createdAt  database.Timestamp
		expiresAt  database.Timestamp
	)
	if err := row.Scan(
		&actor,
		&rec.Key.Scope,
		&rec.Key.Value,
		&rec.RequestHash,
		&rec.Completed,
		&statusCode,
		&body,
		&createdAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	rec.Key.Actor = id.ActorID(actor)
	rec.StatusCode = int(statusCode.Int64)
	if body.Valid {
		rec.Body = []byte(body.String)
	}
	rec.CreatedAt = createdAt.Time
	rec.ExpiresAt = expiresAt.Time
	return &rec, nil
}
