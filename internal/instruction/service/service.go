// Package service issues instructions and completes their items. Both writes
// run under the idempotency guard and append their outbox event in the same
// transaction as the mutation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	idemmodels "courier/internal/idempotency/models"
	idemservice "courier/internal/idempotency/service"
	"courier/internal/instruction/models"
	outbox "courier/internal/outbox/models"
	id "courier/pkg/domain"
	dErrors "courier/pkg/domain-errors"
	"courier/pkg/platform/sentinel"
)

// Idempotency scopes of the guarded operations.
const (
	ScopeIssue        = "instruction.issue"
	ScopeCompleteItem = "instruction.item.done"
)

const (
	maxTitleLength = 200
	maxItems       = 100
)

type Store interface {
	CreateInstruction(ctx context.Context, in *models.Instruction) error
	GetInstruction(ctx context.Context, instructionID id.InstructionID) (*models.Instruction, error)
	GetItem(ctx context.Context, itemID id.ItemID) (*models.Item, error)
	CompleteItem(ctx context.Context, itemID id.ItemID, now time.Time) (bool, error)
}

// Guard runs an operation at most once per idempotency key.
type Guard interface {
	Execute(ctx context.Context, runner idemservice.TxRunner, key idemmodels.Key, requestHash string,
		op func(ctx context.Context) (idemmodels.Result, error)) (idemmodels.Result, error)
}

// Outbox records events in the caller's transaction.
type Outbox interface {
	Append(ctx context.Context, eventType outbox.EventType, dedupeKey string, corr outbox.CorrelationIDs, payload any) error
}

type Service struct {
	store  Store
	guard  Guard
	runner idemservice.TxRunner
	outbox Outbox
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(store Store, guard Guard, runner idemservice.TxRunner, ob Outbox, opts ...Option) (*Service, error) {
	if store == nil || guard == nil || runner == nil || ob == nil {
		return nil, errors.New("instruction service requires store, guard, runner and outbox")
	}
	s := &Service{
		store:  store,
		guard:  guard,
		runner: runner,
		outbox: ob,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewItem is one item of an instruction being issued.
type NewItem struct {
	Title    string
	Assignee id.ActorID
	DueAt    time.Time
}

// IssueCommand carries an instruction to issue. IdempotencyKey may be empty,
// in which case retries are not collapsed.
type IssueCommand struct {
	Actor          id.ActorID
	Tenant         id.TenantID
	Title          string
	Items          []NewItem
	IdempotencyKey string
	RequestHash    string
}

func (c *IssueCommand) validate() error {
	if c.Actor.IsNil() || c.Tenant.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor and tenant are required")
	}
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" || len(c.Title) > maxTitleLength {
		return dErrors.New(dErrors.CodeValidation, "title must be between 1 and 200 characters")
	}
	if len(c.Items) == 0 || len(c.Items) > maxItems {
		return dErrors.New(dErrors.CodeValidation, "an instruction needs between 1 and 100 items")
	}
	for i := range c.Items {
		it := &c.Items[i]
		it.Title = strings.TrimSpace(it.Title)
		if it.Title == "" || len(it.Title) > maxTitleLength {
			return dErrors.New(dErrors.CodeValidation, "item title must be between 1 and 200 characters")
		}
		if it.Assignee.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "item assignee is required")
		}
		if it.DueAt.IsZero() {
			return dErrors.New(dErrors.CodeValidation, "item due time is required")
		}
	}
	return nil
}

// Issue creates an instruction with its items and announces it with an
// Instruction.Issued event. The returned result is 201 with the instruction,
// or a replayed or conflict response from the guard.
func (s *Service) Issue(ctx context.Context, cmd IssueCommand) (idemmodels.Result, error) {
	if err := cmd.validate(); err != nil {
		return idemmodels.Result{}, err
	}
	key := idemmodels.Key{Actor: cmd.Actor, Scope: ScopeIssue, Value: cmd.IdempotencyKey}

	return s.guard.Execute(ctx, s.runner, key, cmd.RequestHash, func(ctx context.Context) (idemmodels.Result, error) {
		now := s.now().UTC()
		in := &models.Instruction{
			ID:        id.NewInstructionID(),
			TenantID:  cmd.Tenant,
			Title:     cmd.Title,
			IssuedBy:  cmd.Actor,
			CreatedAt: now,
		}
		for _, ni := range cmd.Items {
			in.Items = append(in.Items, &models.Item{
				ID:            id.NewItemID(),
				InstructionID: in.ID,
				TenantID:      in.TenantID,
				Title:         ni.Title,
				AssigneeID:    ni.Assignee,
				DueAt:         ni.DueAt.UTC(),
				Status:        models.ItemOpen,
				CreatedAt:     now,
			})
		}
		if err := s.store.CreateInstruction(ctx, in); err != nil {
			return idemmodels.Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create instruction")
		}
		if err := s.outbox.Append(ctx, outbox.TypeInstructionIssued, models.IssuedDedupeKey(in.ID),
			in.Correlation(), models.NewIssuedPayload(in)); err != nil {
			return idemmodels.Result{}, err
		}

		s.logger.InfoContext(ctx, "instruction issued",
			"instruction_id", in.ID.String(),
			"tenant_id", in.TenantID.String(),
			"items", len(in.Items),
		)
		return jsonResult(http.StatusCreated, models.ToInstructionResponse(in))
	})
}

// CompleteItemCommand marks one item done on behalf of Actor.
type CompleteItemCommand struct {
	Actor          id.ActorID
	Tenant         id.TenantID
	ItemID         id.ItemID
	IdempotencyKey string
	RequestHash    string
}

// CompleteItem marks an item done. Only the assignee or the issuer may do so.
// Completing an item that is already done answers with its current state and
// appends nothing.
func (s *Service) CompleteItem(ctx context.Context, cmd CompleteItemCommand) (idemmodels.Result, error) {
	if cmd.Actor.IsNil() || cmd.Tenant.IsNil() {
		return idemmodels.Result{}, dErrors.New(dErrors.CodeUnauthorized, "actor and tenant are required")
	}
	key := idemmodels.Key{Actor: cmd.Actor, Scope: ScopeCompleteItem, Value: cmd.IdempotencyKey}

	return s.guard.Execute(ctx, s.runner, key, cmd.RequestHash, func(ctx context.Context) (idemmodels.Result, error) {
		item, err := s.store.GetItem(ctx, cmd.ItemID)
		if err != nil {
			return idemmodels.Result{}, translate(err, "item not found")
		}
		if item.TenantID != cmd.Tenant {
			return idemmodels.Result{}, dErrors.New(dErrors.CodeNotFound, "item not found")
		}
		in, err := s.store.GetInstruction(ctx, item.InstructionID)
		if err != nil {
			return idemmodels.Result{}, translate(err, "instruction not found")
		}
		if cmd.Actor != item.AssigneeID && cmd.Actor != in.IssuedBy {
			return idemmodels.Result{}, dErrors.New(dErrors.CodeForbidden, "only the assignee or issuer may complete an item")
		}

		now := s.now().UTC()
		changed, err := s.store.CompleteItem(ctx, item.ID, now)
		if err != nil {
			return idemmodels.Result{}, translate(err, "item not found")
		}
		if changed {
			item.Status = models.ItemDone
			item.CompletedAt = &now
			payload := models.CompletedPayload{
				ItemID:          item.ID.String(),
				InstructionID:   item.InstructionID.String(),
				TenantID:        item.TenantID.String(),
				Title:           item.Title,
				CompletedByUser: cmd.Actor.String(),
				IssuedByUserID:  in.IssuedBy.String(),
				CompletedAt:     now,
			}
			if err := s.outbox.Append(ctx, outbox.TypeItemCompleted, models.CompletedDedupeKey(item.ID),
				item.Correlation(), payload); err != nil {
				return idemmodels.Result{}, err
			}
			s.logger.InfoContext(ctx, "instruction item completed",
				"item_id", item.ID.String(),
				"instruction_id", item.InstructionID.String(),
			)
		}
		return jsonResult(http.StatusOK, models.ToItemResponse(item))
	})
}

// Get returns an instruction visible to tenant.
func (s *Service) Get(ctx context.Context, tenant id.TenantID, instructionID id.InstructionID) (*models.Instruction, error) {
	in, err := s.store.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, translate(err, "instruction not found")
	}
	if in.TenantID != tenant {
		return nil, dErrors.New(dErrors.CodeNotFound, "instruction not found")
	}
	return in, nil
}

func translate(err error, notFound string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, notFound)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "instruction store failure")
}

func jsonResult(status int, v any) (idemmodels.Result, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return idemmodels.Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode response")
	}
	return idemmodels.Result{StatusCode: status, Body: body}, nil
}
