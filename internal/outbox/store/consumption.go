package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/outbox/models"
	"courier/internal/platform/database"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
)

// StartConsumption inserts a started record for (eventID, handler), or returns
// the record already present.
func (s *SQLStore) StartConsumption(ctx context.Context, eventID id.EventID, handler string, now time.Time) (models.ConsumptionClaim, error) {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO event_consumption (event_id, handler_name, status, created_at, updated_at)
		VALUES (?, ?, 'started', ?, ?)
		ON CONFLICT (event_id, handler_name) DO NOTHING
	`), uuid.UUID(eventID), handler, s.dialect.Time(now), s.dialect.Time(now))
	if err != nil {
		return models.ConsumptionClaim{}, fmt.Errorf("insert consumption record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ConsumptionClaim{}, fmt.Errorf("insert consumption record: %w", err)
	}
	if n == 1 {
		return models.ConsumptionClaim{Inserted: true}, nil
	}
	existing, err := s.GetConsumption(ctx, eventID, handler)
	if err != nil {
		return models.ConsumptionClaim{}, err
	}
	return models.ConsumptionClaim{Existing: existing}, nil
}

// GetConsumption returns one consumption record or sentinel.ErrNotFound.
func (s *SQLStore) GetConsumption(ctx context.Context, eventID id.EventID, handler string) (*models.Consumption, error) {
	var (
		c         models.Consumption
		rawID     uuid.UUID
		status    string
		lastError sql.NullString
		createdAt database.Timestamp
		updatedAt database.Timestamp
	)
	err := s.execer(ctx).QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT event_id, handler_name, status, last_error, created_at, updated_at
		FROM event_consumption
		WHERE event_id = ? AND handler_name = ?
	`), uuid.UUID(eventID), handler).Scan(&rawID, &c.HandlerName, &status, &lastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consumption %s/%s: %w", eventID, handler, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get consumption record: %w", err)
	}
	c.EventID = id.EventID(rawID)
	c.Status = models.ConsumptionStatus(status)
	c.LastError = lastError.String
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	return &c, nil
}

// ReclaimConsumption moves a failed record back to started. It reports false
// when the record is not in the failed state.
func (s *SQLStore) ReclaimConsumption(ctx context.Context, eventID id.EventID, handler string, now time.Time) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE event_consumption SET status = 'started', last_error = NULL, updated_at = ?
		WHERE event_id = ? AND handler_name = ? AND status = 'failed'
	`), s.dialect.Time(now), uuid.UUID(eventID), handler)
	if err != nil {
		return false, fmt.Errorf("reclaim consumption record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim consumption record: %w", err)
	}
	return n == 1, nil
}

// FinishConsumption moves a started record to done or failed.
func (s *SQLStore) FinishConsumption(ctx context.Context, eventID id.EventID, handler string, status models.ConsumptionStatus, lastError string, now time.Time) error {
	var errText any
	if lastError != "" {
		errText = lastError
	}
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE event_consumption SET status = ?, last_error = ?, updated_at = ?
		WHERE event_id = ? AND handler_name = ? AND status = 'started'
	`), string(status), errText, s.dialect.Time(now), uuid.UUID(eventID), handler)
	if err != nil {
		return fmt.Errorf("finish consumption record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish consumption record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("consumption %s/%s is not started: %w", eventID, handler, sentinel.ErrInvalidState)
	}
	return nil
}
