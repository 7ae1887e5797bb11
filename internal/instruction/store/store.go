// Package store persists instructions and their items. Every method joins the
// transaction carried by ctx when there is one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/instruction/models"
	"courier/internal/platform/database"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
)

const maxOverdue = 1000

const itemColumns = `i.item_id, i.instruction_id, i.tenant_id, i.title, i.assignee_id, i.due_at,
	i.status, i.completed_at, i.created_at`

// SQLStore implements instruction persistence for Postgres and SQLite.
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

// CreateInstruction inserts the instruction and all of its items.
func (s *SQLStore) CreateInstruction(ctx context.Context, in *models.Instruction) error {
	ex := s.execer(ctx)
	_, err := ex.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO instruction (instruction_id, tenant_id, title, issued_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), uuid.UUID(in.ID), uuid.UUID(in.TenantID), in.Title, uuid.UUID(in.IssuedBy), s.dialect.Time(in.CreatedAt))
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("instruction %s: %w", in.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert instruction: %w", err)
	}

	insertItem := s.dialect.Rebind(`
		INSERT INTO instruction_item (item_id, instruction_id, tenant_id, title, assignee_id, due_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, it := range in.Items {
		if _, err := ex.ExecContext(ctx, insertItem,
			uuid.UUID(it.ID),
			uuid.UUID(it.InstructionID),
			uuid.UUID(it.TenantID),
			it.Title,
			uuid.UUID(it.AssigneeID),
			s.dialect.Time(it.DueAt),
			string(it.Status),
			s.dialect.Time(it.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert instruction item: %w", err)
		}
	}
	return nil
}

// GetInstruction returns the instruction with its items ordered by due time,
// or sentinel.ErrNotFound.
func (s *SQLStore) GetInstruction(ctx context.Context, instructionID id.InstructionID) (*models.Instruction, error) {
	var (
		in        models.Instruction
		rawID     uuid.UUID
		tenantID  uuid.UUID
		issuedBy  uuid.UUID
		createdAt database.Timestamp
	)
	err := s.execer(ctx).QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT instruction_id, tenant_id, title, issued_by, created_at
		FROM instruction WHERE instruction_id = ?
	`), uuid.UUID(instructionID)).Scan(&rawID, &tenantID, &in.Title, &issuedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instruction %s: %w", instructionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instruction: %w", err)
	}
	in.ID = id.InstructionID(rawID)
	in.TenantID = id.TenantID(tenantID)
	in.IssuedBy = id.ActorID(issuedBy)
	in.CreatedAt = createdAt.Time

	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+itemColumns+` FROM instruction_item i
		WHERE i.instruction_id = ?
		ORDER BY i.due_at, i.item_id
	`), uuid.UUID(instructionID))
	if err != nil {
		return nil, fmt.Errorf("list instruction items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list instruction items: %w", err)
		}
		in.Items = append(in.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instruction items: %w", err)
	}
	return &in, nil
}

// GetItem returns one item or sentinel.ErrNotFound.
func (s *SQLStore) GetItem(ctx context.Context, itemID id.ItemID) (*models.Item, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+itemColumns+` FROM instruction_item i WHERE i.item_id = ?
	`), uuid.UUID(itemID))
	if err != nil {
		return nil, fmt.Errorf("get instruction item: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get instruction item: %w", err)
		}
		return nil, fmt.Errorf("instruction item %s: %w", itemID, sentinel.ErrNotFound)
	}
	it, err := scanItem(rows)
	if err != nil {
		return nil, fmt.Errorf("get instruction item: %w", err)
	}
	return it, nil
}

// CompleteItem moves an open item to DONE. It reports false when the item was
// already done and returns sentinel.ErrNotFound for an unknown item.
func (s *SQLStore) CompleteItem(ctx context.Context, itemID id.ItemID, now time.Time) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, s.dialect.Rebind(`
		UPDATE instruction_item SET status = 'DONE', completed_at = ?
		WHERE item_id = ? AND status = 'OPEN'
	`), s.dialect.Time(now), uuid.UUID(itemID))
	if err != nil {
		return false, fmt.Errorf("complete instruction item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete instruction item: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return false, err
	}
	return false, nil
}

// ListOverdue returns open items due before now with their issuer, earliest
// due first.
func (s *SQLStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.OverdueItem, error) {
	if limit <= 0 || limit > maxOverdue {
		limit = maxOverdue
	}
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+itemColumns+`, p.issued_by
		FROM instruction_item i
		JOIN instruction p ON p.instruction_id = i.instruction_id
		WHERE i.status <> 'DONE' AND i.due_at < ?
		ORDER BY i.due_at, i.item_id
		LIMIT ?
	`), s.dialect.Time(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue items: %w", err)
	}
	defer rows.Close()

	var out []*models.OverdueItem
	for rows.Next() {
		var (
			o        models.OverdueItem
			issuedBy uuid.UUID
		)
		it, err := scanItem(rows, &issuedBy)
		if err != nil {
			return nil, fmt.Errorf("list overdue items: %w", err)
		}
		o.Item = *it
		o.IssuedBy = id.ActorID(issuedBy)
		out = append(out, &o)
	}
	return out, rows.Err()
}

func scanItem(rows *sql.Rows, extra ...any) (*models.Item, error) {
	var (
		it            models.Item
		itemID        uuid.UUID
		instructionID uuid.UUID
		tenantID      uuid.UUID
		assigneeID    uuid.UUID
		status        string
		dueAt         database.Timestamp
		completedAt   database.Timestamp
		createdAt     database.Timestamp
	)
	dest := append([]any{
		&itemID, &instructionID, &tenantID, &it.Title, &assigneeID, &dueAt,
		&status, &completedAt, &createdAt,
	}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	it.ID = id.ItemID(itemID)
	it.InstructionID = id.InstructionID(instructionID)
	it.TenantID = id.TenantID(tenantID)
	it.AssigneeID = id.ActorID(assigneeID)
	it.Status = models.ItemStatus(status)
	it.DueAt = dueAt.Time
	it.CompletedAt = completedAt.Ptr()
	it.CreatedAt = createdAt.Time
	return &it, nil
}
