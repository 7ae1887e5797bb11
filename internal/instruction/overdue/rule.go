// Package overdue reports instruction items that are past due: once per day
// to the assignee, and once per day to the issuer when the item is overdue
// long enough to escalate.
package overdue

import (
	"context"
	"fmt"
	"time"

	"courier/internal/instruction/models"
	outbox "courier/internal/outbox/models"
	"courier/internal/scanner"
)

// SubjectType names instruction items in dedupe keys.
const SubjectType = "item"

const (
	defaultBatchSize     = 100
	defaultEscalateAfter = 24 * time.Hour
)

type Store interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.OverdueItem, error)
}

// Rule implements scanner.Rule for overdue items.
type Rule struct {
	store         Store
	batchSize     int
	escalateAfter time.Duration
}

type Option func(*Rule)

// WithBatchSize caps the items examined per scan.
func WithBatchSize(n int) Option {
	return func(r *Rule) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithEscalateAfter sets how long an item must be overdue before the issuer
// is told.
func WithEscalateAfter(d time.Duration) Option {
	return func(r *Rule) {
		if d > 0 {
			r.escalateAfter = d
		}
	}
}

func New(store Store, opts ...Option) *Rule {
	r := &Rule{store: store, batchSize: defaultBatchSize, escalateAfter: defaultEscalateAfter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rule) Name() string { return "instruction.overdue" }

// Scan emits an OverdueDaily finding for every overdue item and an
// OverdueEscalate finding for those overdue past the escalation threshold.
// Both are bucketed by day in loc.
func (r *Rule) Scan(ctx context.Context, now time.Time, loc *time.Location) ([]scanner.Finding, error) {
	items, err := r.store.ListOverdue(ctx, now, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list overdue items: %w", err)
	}

	day := scanner.DayBucket(now, loc)
	findings := make([]scanner.Finding, 0, len(items))
	for _, it := range items {
		payload := models.OverduePayload{
			ItemID:         it.ID.String(),
			InstructionID:  it.InstructionID.String(),
			TenantID:       it.TenantID.String(),
			Title:          it.Title,
			AssigneeUserID: it.AssigneeID.String(),
			DueAt:          it.DueAt,
			NowAt:          now,
			DayKey:         day.Key(),
		}
		if !it.IssuedBy.IsNil() {
			payload.IssuedByUserID = it.IssuedBy.String()
		}
		findings = append(findings, scanner.Finding{
			EventType:   outbox.TypeItemOverdueDaily,
			SubjectType: SubjectType,
			SubjectID:   it.ID.String(),
			Bucket:      day,
			Correlation: it.Correlation(),
			Payload:     payload,
		})
		if now.Sub(it.DueAt) >= r.escalateAfter && !it.IssuedBy.IsNil() {
			findings = append(findings, scanner.Finding{
				EventType:   outbox.TypeItemOverdueEscalate,
				SubjectType: SubjectType,
				SubjectID:   it.ID.String(),
				Bucket:      day,
				Correlation: it.Correlation(),
				Payload:     payload,
			})
		}
	}
	return findings, nil
}
