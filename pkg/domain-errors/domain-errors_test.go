package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DomainErrorsSuite tests the coded error primitives every layer converts into.
type DomainErrorsSuite struct {
	suite.Suite
}

func TestDomainErrorsSuite(t *testing.T) {
	suite.Run(t, new(DomainErrorsSuite))
}

func (s *DomainErrorsSuite) TestErrorInterface() {
	s.Run("returns message when present", func() {
		err := &Error{Code: CodeNotFound, Message: "instruction not found"}
		s.Equal("instruction not found", err.Error())
	})

	s.Run("returns code when message is empty", func() {
		err := &Error{Code: CodeIdempotencyInProgress}
		s.Equal("IDEMPOTENCY_IN_PROGRESS", err.Error())
	})
}

func (s *DomainErrorsSuite) TestIsMatchesByCode() {
	inner := &Error{Code: CodeIdempotencyKeyReused, Message: "original"}
	wrapped := &Error{Code: CodeInternal, Message: "wrapped", Err: inner}

	s.True(errors.Is(wrapped, &Error{Code: CodeIdempotencyKeyReused}))
	s.False((&Error{Code: CodeNotFound}).Is(errors.New("not_found")))
}

func (s *DomainErrorsSuite) TestWrap() {
	s.Run("preserves original domain code when wrapping domain error", func() {
		original := New(CodeIdempotencyInProgress, "request in progress")
		wrapped := Wrap(original, CodeInternal, "guard failed")

		var domainErr *Error
		s.Require().True(errors.As(wrapped, &domainErr))
		s.Equal(CodeIdempotencyInProgress, domainErr.Code)
		s.Equal("guard failed", domainErr.Message)
	})

	s.Run("uses provided code when wrapping non-domain error", func() {
		original := errors.New("database timeout")
		wrapped := Wrap(original, CodeTimeout, "transaction aborted")

		s.True(HasCode(wrapped, CodeTimeout))
		s.True(errors.Is(wrapped, original))
	})
}

func (s *DomainErrorsSuite) TestHasCode() {
	s.True(HasCode(New(CodeNotFound, "not found"), CodeNotFound))
	s.False(HasCode(New(CodeNotFound, "not found"), CodeInternal))
	s.False(HasCode(errors.New("regular error"), CodeNotFound))
	s.False(HasCode(nil, CodeNotFound))
}

func (s *DomainErrorsSuite) TestCodeOf() {
	s.Equal(CodeConflict, CodeOf(fmt.Errorf("store: %w", New(CodeConflict, "dup"))))
	s.Equal(CodeInternal, CodeOf(errors.New("boom")))
}
