// Package models defines instructions, their items and the event payloads
// they produce.
package models

import (
	"time"

	id "courier/pkg/domain"
)

// ItemStatus is the completion state of an instruction item.
type ItemStatus string

const (
	ItemOpen ItemStatus = "OPEN"
	ItemDone ItemStatus = "DONE"
)

// Instruction is a titled set of items issued by one actor within a tenant.
type Instruction struct {
	ID        id.InstructionID
	TenantID  id.TenantID
	Title     string
	IssuedBy  id.ActorID
	CreatedAt time.Time
	Items     []*Item
}

// Item is one assignment of an instruction.
type Item struct {
	ID            id.ItemID
	InstructionID id.InstructionID
	TenantID      id.TenantID
	Title         string
	AssigneeID    id.ActorID
	DueAt         time.Time
	Status        ItemStatus
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// IsOverdue reports whether the item is still open past its due time.
func (i *Item) IsOverdue(now time.Time) bool {
	return i.Status != ItemDone && i.DueAt.Before(now)
}

// OverdueItem is an overdue item joined with the actor who issued it.
type OverdueItem struct {
	Item
	IssuedBy id.ActorID
}
