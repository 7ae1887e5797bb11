package httputil

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "courier/pkg/domain-errors"
)

type createThing struct {
	Title string   `json:"title" validate:"required,max=20"`
	Tags  []string `json:"tags" validate:"min=1,dive,required"`

	normalized bool
}

func (c *createThing) Normalize() {
	c.normalized = true
	c.Title = strings.TrimSpace(c.Title)
}

func (c *createThing) Validate() error {
	if c.Title == "forbidden" {
		return dErrors.New(dErrors.CodeForbidden, "title not allowed")
	}
	return nil
}

type plainError struct {
	Name string `json:"name"`
}

func (plainError) Validate() error { return errors.New("name looks wrong") }

func post(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(body))
}

func TestDecodeAndPrepare(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("valid body is normalized", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, ok := DecodeAndPrepare[createThing](w, post(`{"title":"  hello ","tags":["a"]}`), logger)
		require.True(t, ok)
		assert.Equal(t, "hello", req.Title)
		assert.True(t, req.normalized)
	})

	t.Run("malformed json", func(t *testing.T) {
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[createThing](w, post(`{"title":`), logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"bad_request"`)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[createThing](w, post(`{"title":"x","tags":["a"],"extra":1}`), logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("tag violations are described", func(t *testing.T) {
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[createThing](w, post(`{"title":"   ","tags":[]}`), logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Title is required")
		assert.Contains(t, w.Body.String(), "Tags must have at least 1")
	})

	t.Run("domain error from Validate keeps its code", func(t *testing.T) {
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[createThing](w, post(`{"title":"forbidden","tags":["a"]}`), logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("plain error from Validate becomes validation error", func(t *testing.T) {
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[plainError](w, post(`{"name":"x"}`), logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "validation_error")
	})
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{dErrors.New(dErrors.CodeIdempotencyInProgress, "busy"), http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS"},
		{dErrors.New(dErrors.CodeIdempotencyKeyReused, "reused"), http.StatusConflict, "IDEMPOTENCY_KEY_REUSED_DIFFERENT_REQUEST"},
		{dErrors.New(dErrors.CodeNotFound, ""), http.StatusNotFound, "not_found"},
		{dErrors.New(dErrors.CodeUnavailable, "down"), http.StatusServiceUnavailable, "unavailable"},
		{dErrors.New(dErrors.CodePayloadTooLarge, "too big"), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		WriteError(w, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.code)
		assert.Contains(t, w.Body.String(), `"error":"`+tc.code+`"`)
	}
}

func TestReadBody(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("body stays decodable", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := post(`{"title":" hi ","tags":["a"]}`)

		raw, ok := ReadBody(w, r, logger)
		require.True(t, ok)
		assert.Equal(t, `{"title":" hi ","tags":["a"]}`, string(raw))

		req, ok := DecodeAndPrepare[createThing](w, r, logger)
		require.True(t, ok)
		assert.Equal(t, "hi", req.Title)
	})

	t.Run("over the limit is 413", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := post(strings.Repeat("x", 64))
		r.Body = http.MaxBytesReader(w, r.Body, 16)

		_, ok := ReadBody(w, r, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "payload_too_large")
	})
}
