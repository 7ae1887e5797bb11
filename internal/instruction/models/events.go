package models

import (
	"time"

	outbox "courier/internal/outbox/models"
	id "courier/pkg/domain"
)

// IssuedDedupeKey is the dedupe key of the event announcing instruction i.
func IssuedDedupeKey(i id.InstructionID) string {
	return outbox.TypeInstructionIssued.String() + ":" + i.String()
}

// CompletedDedupeKey is the dedupe key of the event announcing item completion.
func CompletedDedupeKey(item id.ItemID) string {
	return outbox.TypeItemCompleted.String() + ":" + item.String()
}

// IssuedPayload is the body of an Instruction.Issued event.
type IssuedPayload struct {
	InstructionID  string       `json:"instructionId"`
	TenantID       string       `json:"tenantId"`
	Title          string       `json:"title"`
	IssuedByUserID string       `json:"issuedByUserId"`
	Items          []IssuedItem `json:"items"`
}

// IssuedItem describes one item inside an IssuedPayload.
type IssuedItem struct {
	ItemID         string    `json:"itemId"`
	Title          string    `json:"title"`
	AssigneeUserID string    `json:"assigneeUserId"`
	DueAt          time.Time `json:"dueAt"`
}

// CompletedPayload is the body of an InstructionItem.Completed event.
type CompletedPayload struct {
	ItemID          string    `json:"itemId"`
	InstructionID   string    `json:"instructionId"`
	TenantID        string    `json:"tenantId"`
	Title           string    `json:"title"`
	CompletedByUser string    `json:"completedByUserId"`
	IssuedByUserID  string    `json:"issuedByUserId"`
	CompletedAt     time.Time `json:"completedAt"`
}

// OverduePayload is the body of the overdue daily and escalation events.
type OverduePayload struct {
	ItemID         string    `json:"itemId"`
	InstructionID  string    `json:"instructionId"`
	TenantID       string    `json:"tenantId"`
	Title          string    `json:"title"`
	AssigneeUserID string    `json:"assigneeUserId"`
	IssuedByUserID string    `json:"issuedByUserId,omitempty"`
	DueAt          time.Time `json:"dueAt"`
	NowAt          time.Time `json:"nowAt"`
	DayKey         string    `json:"dayKey"`
}

// NewIssuedPayload builds the event body for a freshly issued instruction.
func NewIssuedPayload(in *Instruction) IssuedPayload {
	items := make([]IssuedItem, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, IssuedItem{
			ItemID:         it.ID.String(),
			Title:          it.Title,
			AssigneeUserID: it.AssigneeID.String(),
			DueAt:          it.DueAt,
		})
	}
	return IssuedPayload{
		InstructionID:  in.ID.String(),
		TenantID:       in.TenantID.String(),
		Title:          in.Title,
		IssuedByUserID: in.IssuedBy.String(),
		Items:          items,
	}
}

// Correlation returns the correlation ids events about i carry.
func (i *Instruction) Correlation() outbox.CorrelationIDs {
	return outbox.CorrelationIDs{
		TenantID:      i.TenantID.String(),
		InstructionID: i.ID.String(),
		ActorID:       i.IssuedBy.String(),
	}
}

// Correlation returns the correlation ids events about the item carry.
func (i *Item) Correlation() outbox.CorrelationIDs {
	return outbox.CorrelationIDs{
		TenantID:      i.TenantID.String(),
		InstructionID: i.InstructionID.String(),
		ItemID:        i.ID.String(),
	}
}
