package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/idempotency/fingerprint"
	idemmodels "courier/internal/idempotency/models"
	"courier/internal/instruction/models"
	"courier/internal/instruction/service"
	id "courier/pkg/domain"
	dErrors "courier/pkg/domain-errors"
	"courier/pkg/platform/httputil"
	"courier/pkg/requestcontext"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

type Service interface {
	Issue(ctx context.Context, cmd service.IssueCommand) (idemmodels.Result, error)
	CompleteItem(ctx context.Context, cmd service.CompleteItemCommand) (idemmodels.Result, error)
	Get(ctx context.Context, tenant id.TenantID, instructionID id.InstructionID) (*models.Instruction, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the routes. They expect the auth middleware upstream.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/instructions", h.HandleIssue)
	r.Get("/v1/instructions/{instructionID}", h.HandleGet)
	r.Post("/v1/instructions/items/{itemID}/done", h.HandleCompleteItem)
}

func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := httputil.RequireActor(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}
	raw, ok := httputil.ReadBody(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[IssueRequest](w, r, h.logger)
	if !ok {
		return
	}
	// The fingerprint covers what the client sent, not the normalized request.
	hash, err := fingerprint.HashJSON(r.Method, r.URL.Path, raw)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	cmd := service.IssueCommand{
		Actor:          actor,
		Tenant:         requestcontext.Tenant(ctx),
		Title:          req.Title,
		IdempotencyKey: key,
		RequestHash:    hash,
	}
	for _, it := range req.Items {
		assignee, err := id.ParseActorID(it.AssigneeID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		cmd.Items = append(cmd.Items, service.NewItem{Title: it.Title, Assignee: assignee, DueAt: it.DueAt})
	}

	res, err := h.service.Issue(ctx, cmd)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteRaw(w, res.StatusCode, res.Body)
}

func (h *Handler) HandleCompleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := httputil.RequireActor(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	itemID, err := id.ParseItemID(chi.URLParam(r, "itemID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}
	hash, err := fingerprint.Hash(r.Method, r.URL.Path, nil)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to fingerprint request"))
		return
	}

	res, err := h.service.CompleteItem(ctx, service.CompleteItemCommand{
		Actor:          actor,
		Tenant:         requestcontext.Tenant(ctx),
		ItemID:         itemID,
		IdempotencyKey: key,
		RequestHash:    hash,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteRaw(w, res.StatusCode, res.Body)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instructionID, err := id.ParseInstructionID(chi.URLParam(r, "instructionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	in, err := h.service.Get(ctx, requestcontext.Tenant(ctx), instructionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToInstructionResponse(in))
}

func (h *Handler) idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLength {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Idempotency-Key must be at most 255 characters"))
		return "", false
	}
	return key, true
}
