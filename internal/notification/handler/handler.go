// Package handler turns delivered outbox events into in-app notifications.
// It writes to the database, so it must be registered behind the consumption
// ledger (dispatch.Guarded).
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	instruction "courier/internal/instruction/models"
	"courier/internal/notification/models"
	outbox "courier/internal/outbox/models"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
)

// HandlerName identifies this handler in the consumption ledger.
const HandlerName = "NotificationHandler.v1"

const defaultMergeWindow = 10 * time.Minute

type Store interface {
	Insert(ctx context.Context, n *models.Notification) error
	FindMergeable(ctx context.Context, recipient id.ActorID, kind, link string, since time.Time) (*models.Notification, error)
	Merge(ctx context.Context, notificationID id.NotificationID, title, body string, now time.Time) error
}

type Handler struct {
	store       Store
	mergeWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Handler)

// WithMergeWindow sets how recent an unread notification must be for a new
// one with the same kind and link to fold into it.
func WithMergeWindow(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.mergeWindow = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func New(store Store, opts ...Option) *Handler {
	h := &Handler{
		store:       store,
		mergeWindow: defaultMergeWindow,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Name() string { return HandlerName }

// Types lists the event types the handler consumes.
func (h *Handler) Types() []outbox.EventType {
	return []outbox.EventType{
		outbox.TypeInstructionIssued,
		outbox.TypeItemCompleted,
		outbox.TypeItemOverdueDaily,
		outbox.TypeItemOverdueEscalate,
	}
}

func (h *Handler) Handle(ctx context.Context, e *outbox.Event) error {
	switch e.Type {
	case outbox.TypeInstructionIssued:
		var p instruction.IssuedPayload
		if err := decode(e, &p); err != nil {
			return err
		}
		return h.onIssued(ctx, &p)
	case outbox.TypeItemCompleted:
		var p instruction.CompletedPayload
		if err := decode(e, &p); err != nil {
			return err
		}
		return h.onCompleted(ctx, &p)
	case outbox.TypeItemOverdueDaily, outbox.TypeItemOverdueEscalate:
		var p instruction.OverduePayload
		if err := decode(e, &p); err != nil {
			return err
		}
		return h.onOverdue(ctx, e.Type, &p)
	default:
		return fmt.Errorf("notification handler does not consume %s", e.Type)
	}
}

// onIssued notifies each assignee about their item. Repeat deliveries for the
// same item inside the merge window fold into one unread notification.
func (h *Handler) onIssued(ctx context.Context, p *instruction.IssuedPayload) error {
	tenant, err := id.ParseTenantID(p.TenantID)
	if err != nil {
		return err
	}
	for _, it := range p.Items {
		assignee, err := id.ParseActorID(it.AssigneeUserID)
		if err != nil {
			h.logger.WarnContext(ctx, "skipping item without valid assignee", "item_id", it.ItemID, "error", err)
			continue
		}
		body := fmt.Sprintf("instructionId=%s, itemId=%s, dueAt=%s", p.InstructionID, it.ItemID, it.DueAt.Format(time.RFC3339))
		if err := h.upsert(ctx, &models.Notification{
			TenantID:    tenant,
			RecipientID: assignee,
			Kind:        outbox.TypeInstructionIssued.String(),
			Title:       "New instruction issued",
			Body:        body,
			Link:        itemLink(p.InstructionID, it.ItemID),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) onCompleted(ctx context.Context, p *instruction.CompletedPayload) error {
	issuer, err := id.ParseActorID(p.IssuedByUserID)
	if err != nil {
		h.logger.WarnContext(ctx, "completed item has no issuer to notify", "item_id", p.ItemID)
		return nil
	}
	if p.CompletedByUser == p.IssuedByUserID {
		return nil
	}
	tenant, err := id.ParseTenantID(p.TenantID)
	if err != nil {
		return err
	}
	return h.upsert(ctx, &models.Notification{
		TenantID:    tenant,
		RecipientID: issuer,
		Kind:        outbox.TypeItemCompleted.String(),
		Title:       "Instruction item completed",
		Body:        fmt.Sprintf("instructionId=%s, itemId=%s, completedAt=%s", p.InstructionID, p.ItemID, p.CompletedAt.Format(time.RFC3339)),
		Link:        itemLink(p.InstructionID, p.ItemID),
	})
}

// onOverdue tells the assignee about a daily reminder and the issuer about an
// escalation. Each event is already unique per item and day, so no merging.
func (h *Handler) onOverdue(ctx context.Context, t outbox.EventType, p *instruction.OverduePayload) error {
	recipientID, title := p.AssigneeUserID, "Instruction item overdue"
	body := fmt.Sprintf("instructionId=%s, itemId=%s, dueAt=%s", p.InstructionID, p.ItemID, p.DueAt.Format(time.RFC3339))
	if t == outbox.TypeItemOverdueEscalate {
		recipientID, title = p.IssuedByUserID, "Overdue instruction item escalated"
		body += " (overdue >= escalation threshold)"
	}
	recipient, err := id.ParseActorID(recipientID)
	if err != nil {
		h.logger.WarnContext(ctx, "overdue event has no recipient", "event_type", t, "item_id", p.ItemID)
		return nil
	}
	tenant, err := id.ParseTenantID(p.TenantID)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	return h.store.Insert(ctx, &models.Notification{
		ID:          id.NewNotificationID(),
		TenantID:    tenant,
		RecipientID: recipient,
		Kind:        t.String(),
		Title:       title,
		Body:        body,
		Link:        itemLink(p.InstructionID, p.ItemID),
		MergeCount:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (h *Handler) upsert(ctx context.Context, n *models.Notification) error {
	now := h.now().UTC()
	existing, err := h.store.FindMergeable(ctx, n.RecipientID, n.Kind, n.Link, now.Add(-h.mergeWindow))
	switch {
	case err == nil:
		return h.store.Merge(ctx, existing.ID, n.Title, n.Body, now)
	case !errors.Is(err, sentinel.ErrNotFound):
		return err
	}
	n.ID = id.NewNotificationID()
	n.MergeCount = 1
	n.CreatedAt = now
	n.UpdatedAt = now
	return h.store.Insert(ctx, n)
}

func itemLink(instructionID, itemID string) string {
	if instructionID == "" {
		return "/instruction-items/" + itemID
	}
	return "/instructions/" + instructionID + "/items/" + itemID
}

func decode(e *outbox.Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
