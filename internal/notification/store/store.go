// Package store persists notifications.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/notification/models"
	"courier/internal/platform/database"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
)

const columns = `notification_id, tenant_id, recipient_id, kind, title, body, link, merge_count,
	read_at, created_at, updated_at`

type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

func New(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) execer(ctx context.Context) txcontext.Execer {
	return txcontext.Executor(ctx, s.db)
}

func (s *SQLStore) Insert(ctx context.Context, n *models.Notification) error {
	_, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO notification (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		uuid.UUID(n.ID),
		uuid.UUID(n.TenantID),
		uuid.UUID(n.RecipientID),
		n.Kind,
		n.Title,
		n.Body,
		n.Link,
		n.MergeCount,
		s.dialect.NullTime(n.ReadAt),
		s.dialect.Time(n.CreatedAt),
		s.dialect.Time(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// FindMergeable returns the newest unread notification for recipient with the
// same kind and link created at or after since, or sentinel.ErrNotFound.
func (s *SQLStore) FindMergeable(ctx context.Context, recipient id.ActorID, kind, link string, since time.Time) (*models.Notification, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+columns+` FROM notification
		WHERE recipient_id = ? AND kind = ? AND link = ? AND read_at IS NULL AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`), uuid.UUID(recipient), kind, link, s.dialect.Time(since))
	if err != nil {
		return nil, fmt.Errorf("find mergeable notification: %w", err)
	}
	list, err := scan(rows)
	if err != nil {
		return nil, fmt.Errorf("find mergeable notification: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("mergeable notification: %w", sentinel.ErrNotFound)
	}
	return list[0], nil
}

// Merge folds a new delivery into an existing notification.
func (s *SQLStore) Merge(ctx context.Context, notificationID id.NotificationID, title, body string, now time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE notification SET title = ?, body = ?, merge_count = merge_count + 1, updated_at = ?
		WHERE notification_id = ?
	`), title, body, s.dialect.Time(now), uuid.UUID(notificationID))
	if err != nil {
		return fmt.Errorf("merge notification: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("merge notification: %w", err)
	} else if n == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, sentinel.ErrNotFound)
	}
	return nil
}

// ListForRecipient returns the recipient's notifications, newest first.
func (s *SQLStore) ListForRecipient(ctx context.Context, recipient id.ActorID, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+columns+` FROM notification
		WHERE recipient_id = ?
		ORDER BY created_at DESC, notification_id
		LIMIT ?
	`), uuid.UUID(recipient), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return scan(rows)
}

// MarkRead marks one of recipient's notifications read. Marking an already
// read notification keeps its original read time.
func (s *SQLStore) MarkRead(ctx context.Context, recipient id.ActorID, notificationID id.NotificationID, now time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE notification SET read_at = COALESCE(read_at, ?), updated_at = ?
		WHERE notification_id = ? AND recipient_id = ?
	`), s.dialect.Time(now), s.dialect.Time(now), uuid.UUID(notificationID), uuid.UUID(recipient))
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	} else if n == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, sentinel.ErrNotFound)
	}
	return nil
}

func scan(rows *sql.Rows) ([]*models.Notification, error) {
	defer rows.Close()
	var out []*models.Notification
	for rows.Next() {
		var (
			n         models.Notification
			rawID     uuid.UUID
			tenantID  uuid.UUID
			recipient uuid.UUID
			readAt    database.Timestamp
			createdAt database.Timestamp
			updatedAt database.Timestamp
		)
		if err := rows.Scan(&rawID, &tenantID, &recipient, &n.Kind, &n.Title, &n.Body, &n.Link,
			&n.MergeCount, &readAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.ID = id.NotificationID(rawID)
		n.TenantID = id.TenantID(tenantID)
		n.RecipientID = id.ActorID(recipient)
		n.ReadAt = readAt.Ptr()
		n.CreatedAt = createdAt.Time
		n.UpdatedAt = updatedAt.Time
		out = append(out, &n)
	}
	return out, rows.Err()
}
