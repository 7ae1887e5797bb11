// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "courier/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing ActorID where TenantID is expected.
type (
	ActorID        uuid.UUID
	TenantID       uuid.UUID
	EventID        uuid.UUID
	InstructionID  uuid.UUID
	ItemID         uuid.UUID
	NotificationID uuid.UUID
)

// Parse functions - use at trust boundaries (handlers, API inputs, CLI args).

func ParseActorID(s string) (ActorID, error) {
	id, err := parseUUID(s, "actor ID")
	return ActorID(id), err
}

func ParseTenantID(s string) (TenantID, error) {
	id, err := parseUUID(s, "tenant ID")
	return TenantID(id), err
}

func ParseEventID(s string) (EventID, error) {
	id, err := parseUUID(s, "event ID")
	return EventID(id), err
}

func ParseInstructionID(s string) (InstructionID, error) {
	id, err := parseUUID(s, "instruction ID")
	return InstructionID(id), err
}

func ParseItemID(s string) (ItemID, error) {
	id, err := parseUUID(s, "item ID")
	return ItemID(id), err
}

// New* constructors mint random identifiers.

func NewEventID() EventID               { return EventID(uuid.New()) }
func NewInstructionID() InstructionID   { return InstructionID(uuid.New()) }
func NewItemID() ItemID                 { return ItemID(uuid.New()) }
func NewNotificationID() NotificationID { return NotificationID(uuid.New()) }

// String methods - for logging, cache keys and persistence.

func (id ActorID) String() string        { return uuid.UUID(id).String() }
func (id TenantID) String() string       { return uuid.UUID(id).String() }
func (id EventID) String() string        { return uuid.UUID(id).String() }
func (id InstructionID) String() string  { return uuid.UUID(id).String() }
func (id ItemID) String() string         { return uuid.UUID(id).String() }
func (id NotificationID) String() string { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id ActorID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id TenantID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id EventID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id InstructionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ItemID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return id, nil
}
