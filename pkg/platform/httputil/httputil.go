package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	id "courier/pkg/domain"
	dErrors "courier/pkg/domain-errors"
	"courier/pkg/requestcontext"
)

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent, an encoding failure cannot change the status.
	_ = json.NewEncoder(w).Encode(response)
}

// WriteRaw writes a body that is already JSON, such as a replayed response.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError maps domain errors to HTTP responses. Anything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		response := map[string]string{"error": StatusCode(domainErr.Code)}
		if domainErr.Message != "" {
			response["error_description"] = domainErr.Message
		}
		WriteJSON(w, HTTPStatus(domainErr.Code), response)
		return
	}
	WriteJSON(w, http.StatusInternalServerError, map[string]string{
		"error": StatusCode(dErrors.CodeInternal),
	})
}

// HTTPStatus translates a domain error code to an HTTP status.
func HTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput, dErrors.CodeInvariantViolation:
		return http.StatusBadRequest
	case dErrors.CodeConflict, dErrors.CodeIdempotencyInProgress, dErrors.CodeIdempotencyKeyReused:
		return http.StatusConflict
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// StatusCode is the machine-readable "error" field for a domain code.
// Idempotency codes pass through unchanged so clients can tell a retryable
// in-flight duplicate from a reused key.
func StatusCode(code dErrors.Code) string {
	switch code {
	case dErrors.CodeNotFound:
		return "not_found"
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return "bad_request"
	case dErrors.CodeValidation, dErrors.CodeInvariantViolation:
		return "validation_error"
	case dErrors.CodeConflict:
		return "conflict"
	case dErrors.CodeIdempotencyInProgress, dErrors.CodeIdempotencyKeyReused:
		return string(code)
	case dErrors.CodeUnauthorized:
		return "unauthorized"
	case dErrors.CodeForbidden:
		return "forbidden"
	case dErrors.CodeTimeout:
		return "timeout"
	case dErrors.CodeUnavailable:
		return "unavailable"
	case dErrors.CodePayloadTooLarge:
		return "payload_too_large"
	default:
		return "internal_error"
	}
}

// RequireActor returns the authenticated actor. A missing actor behind the
// auth middleware is a wiring bug, so it is reported as internal.
func RequireActor(ctx context.Context, logger *slog.Logger) (id.ActorID, error) {
	actor := requestcontext.Actor(ctx)
	if actor.IsNil() {
		if logger != nil {
			logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
				"request_id", requestcontext.RequestID(ctx))
		}
		return id.ActorID{}, dErrors.New(dErrors.CodeInternal, "authentication context error")
	}
	return actor, nil
}
