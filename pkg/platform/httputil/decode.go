package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	dErrors "courier/pkg/domain-errors"
	"courier/pkg/requestcontext"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalizable is implemented by requests that trim or canonicalize fields
// before validation.
type Normalizable interface {
	Normalize()
}

// Validatable is implemented by requests with checks beyond struct tags.
type Validatable interface {
	Validate() error
}

// DecodeJSON decodes the body into T. On failure it writes a 400, or a 413
// past the body limit, and returns false.
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	var req T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.WarnContext(r.Context(), "failed to decode request body",
			"error", err,
			"request_id", requestcontext.RequestID(r.Context()),
		)
		WriteError(w, bodyError(err))
		return nil, false
	}
	return &req, true
}

// ReadBody returns the body exactly as sent and leaves r.Body readable again,
// for handlers that fingerprint the raw bytes before decoding them.
func ReadBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to read request body",
			"error", err,
			"request_id", requestcontext.RequestID(r.Context()),
		)
		WriteError(w, bodyError(err))
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, true
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return dErrors.New(dErrors.CodePayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
}

// Prepare normalizes a request, then applies its `validate` tags and its
// own Validate method.
func Prepare(req any) error {
	if n, ok := req.(Normalizable); ok {
		n.Normalize()
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return dErrors.New(dErrors.CodeValidation, describe(verrs))
		}
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid request")
	}
	if v, ok := req.(Validatable); ok {
		return v.Validate()
	}
	return nil
}

// DecodeAndPrepare decodes the body then runs Prepare on it.
func DecodeAndPrepare[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	req, ok := DecodeJSON[T](w, r, logger)
	if !ok {
		return nil, false
	}
	if err := Prepare(req); err != nil {
		logger.WarnContext(r.Context(), "invalid request",
			"error", err,
			"request_id", requestcontext.RequestID(r.Context()),
		)
		var domainErr *dErrors.Error
		if !errors.As(err, &domainErr) {
			err = dErrors.New(dErrors.CodeValidation, err.Error())
		}
		WriteError(w, err)
		return nil, false
	}
	return req, true
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must have at least %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
