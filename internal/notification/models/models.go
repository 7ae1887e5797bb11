// Package models defines in-app notifications.
package models

import (
	"time"

	id "courier/pkg/domain"
)

// Notification is one message in a recipient's inbox. MergeCount counts how
// many deliveries were folded into it.
type Notification struct {
	ID          id.NotificationID
	TenantID    id.TenantID
	RecipientID id.ActorID
	Kind        string
	Title       string
	Body        string
	Link        string
	MergeCount  int
	ReadAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Unread reports whether the recipient has not read the notification yet.
func (n *Notification) Unread() bool {
	return n.ReadAt == nil
}
