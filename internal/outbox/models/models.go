// Package models defines outbox events, their delivery states and the
// consumption records that make handler effects at-most-once.
package models

import (
	"time"

	id "courier/pkg/domain"
)

// EventType tags an event and selects its handlers.
type EventType string

func (t EventType) String() string { return string(t) }

// Event types produced in this system.
const (
	TypeInstructionIssued   EventType = "Instruction.Issued"
	TypeItemCompleted       EventType = "InstructionItem.Completed"
	TypeItemOverdueDaily    EventType = "InstructionItem.OverdueDaily"
	TypeItemOverdueEscalate EventType = "InstructionItem.OverdueEscalate"
)

// KnownTypes lists every event type a producer may append. The dispatch
// registry is validated against it at startup.
func KnownTypes() []EventType {
	return []EventType{
		TypeInstructionIssued,
		TypeItemCompleted,
		TypeItemOverdueDaily,
		TypeItemOverdueEscalate,
	}
}

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Statuses in display order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusDone, StatusFailed}
}

// CorrelationIDs references the tenant and parent entities an event belongs to.
type CorrelationIDs struct {
	TenantID      string `json:"tenantId,omitempty"`
	InstructionID string `json:"instructionId,omitempty"`
	ItemID        string `json:"itemId,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
}

// Event is one row of the outbox. Producers only ever insert; every later
// change is made by the poller.
type Event struct {
	ID          id.EventID
	Type        EventType
	DedupeKey   string
	Correlation CorrelationIDs
	Payload     []byte // JSON
	Status      Status
	RetryCount  int
	NextRunAt   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEvent creates a pending event that is due immediately.
func NewEvent(eventType EventType, dedupeKey string, corr CorrelationIDs, payload []byte, now time.Time) *Event {
	return &Event{
		ID:          id.NewEventID(),
		Type:        eventType,
		DedupeKey:   dedupeKey,
		Correlation: corr,
		Payload:     payload,
		Status:      StatusPending,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ConsumptionStatus is the state of one handler's run over one event.
type ConsumptionStatus string

const (
	ConsumptionStarted ConsumptionStatus = "started"
	ConsumptionDone    ConsumptionStatus = "done"
	ConsumptionFailed  ConsumptionStatus = "failed"
)

// Consumption records that handler HandlerName has processed (or is
// processing) event EventID.
type Consumption struct {
	EventID     id.EventID
	HandlerName string
	Status      ConsumptionStatus
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConsumptionClaim is the result of starting a consumption: either a fresh
// record was inserted, or Existing holds the record already present.
type ConsumptionClaim struct {
	Inserted bool
	Existing *Consumption
}
