// Package models defines the idempotency record and the guard's decisions.
package models

import (
	"net/http"
	"time"

	id "courier/pkg/domain"
)

// Key identifies one logical attempt: who, which operation, which client key.
type Key struct {
	Actor id.ActorID
	Scope string
	Value string
}

// String renders the key in the form used for cache and lock entries.
func (k Key) String() string {
	return k.Actor.String() + ":" + k.Scope + ":" + k.Value
}

// Record is the persisted state of one idempotent attempt.
type Record struct {
	Key         Key
	RequestHash string
	Completed   bool
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Age returns how long ago the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Result returns the stored outcome of a completed record.
func (r *Record) Result() Result {
	return Result{StatusCode: r.StatusCode, Body: r.Body}
}

// InsertOutcome tells whether an insert created the record or found one.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyExists
)

// InsertResult is returned by insert-or-get. Existing is set for AlreadyExists.
type InsertResult struct {
	Outcome  InsertOutcome
	Existing *Record
}

// Result is a response to be replayed verbatim.
type Result struct {
	StatusCode int
	Body       []byte
}

// CachedResult is a completed result with the fingerprint of the request it
// answered, so a cache hit can still detect key reuse.
type CachedResult struct {
	RequestHash string
	Result
}

// Reason explains a guard decision.
type Reason string

const (
	ReasonProceed      Reason = "proceed"
	ReasonTakeover     Reason = "takeover"
	ReasonReplayCached Reason = "replay_cached"
	ReasonReplayStored Reason = "replay_stored"
	ReasonInProgress   Reason = "in_progress"
	ReasonKeyReused    Reason = "key_reused"
)

// Conflict bodies returned to clients.
var (
	InProgressBody = []byte(`{"error":"IDEMPOTENCY_IN_PROGRESS"}`)
	KeyReusedBody  = []byte(`{"error":"IDEMPOTENCY_KEY_REUSED_DIFFERENT_REQUEST"}`)
)

// Decision is either proceed (Replay == nil) or a response to replay.
type Decision struct {
	Reason Reason
	Replay *Result
}

// Proceed reports whether the caller should run the operation.
func (d Decision) Proceed() bool {
	return d.Replay == nil
}

// ProceedDecision lets the caller run the operation.
func ProceedDecision(reason Reason) Decision {
	return Decision{Reason: reason}
}

// ReplayDecision returns a previously completed result.
func ReplayDecision(reason Reason, r Result) Decision {
	return Decision{Reason: reason, Replay: &r}
}

// InProgressDecision reports another attempt with the same key is active.
func InProgressDecision() Decision {
	return ReplayDecision(ReasonInProgress, Result{StatusCode: http.StatusConflict, Body: InProgressBody})
}

// KeyReusedDecision reports the key was first used for a different request.
func KeyReusedDecision() Decision {
	return ReplayDecision(ReasonKeyReused, Result{StatusCode: http.StatusConflict, Body: KeyReusedBody})
}
