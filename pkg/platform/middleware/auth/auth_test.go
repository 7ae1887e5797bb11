package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"courier/pkg/requestcontext"
)

const (
	testActorID  = "550e8400-e29b-41d4-a716-446655440001"
	testTenantID = "550e8400-e29b-41d4-a716-446655440002"
)

type MockJWTValidator struct {
	mock.Mock
}

func (m *MockJWTValidator) ValidateToken(tokenString string) (*JWTClaims, error) {
	args := m.Called(tokenString)
	if claims := args.Get(0); claims != nil {
		return claims.(*JWTClaims), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockHandler records whether it was reached and with which context.
type mockHandler struct {
	called  bool
	context context.Context
}

func (m *mockHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.called = true
	m.context = r.Context()
	w.WriteHeader(http.StatusOK)
}

type AuthMiddlewareTestSuite struct {
	suite.Suite
	validator   *MockJWTValidator
	nextHandler *mockHandler
	middleware  func(http.Handler) http.Handler
}

func TestAuthMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(AuthMiddlewareTestSuite))
}

func (s *AuthMiddlewareTestSuite) SetupTest() {
	s.validator = new(MockJWTValidator)
	s.nextHandler = &mockHandler{}
	s.middleware = RequireAuth(s.validator, slog.Default())
}

func (s *AuthMiddlewareTestSuite) TearDownTest() {
	s.validator.AssertExpectations(s.T())
}

func (s *AuthMiddlewareTestSuite) makeRequest(authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/instructions", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	s.middleware(s.nextHandler).ServeHTTP(w, req)
	return w
}

func (s *AuthMiddlewareTestSuite) TestValidToken() {
	s.validator.On("ValidateToken", "valid-token").Return(&JWTClaims{ActorID: testActorID, TenantID: testTenantID}, nil)

	w := s.makeRequest("Bearer valid-token")

	require.True(s.T(), s.nextHandler.called)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Equal(s.T(), testActorID, requestcontext.Actor(s.nextHandler.context).String())
	assert.Equal(s.T(), testTenantID, requestcontext.Tenant(s.nextHandler.context).String())
}

func (s *AuthMiddlewareTestSuite) TestMissingHeader() {
	for _, header := range []string{"", "Basic abc", "Bearer "} {
		s.nextHandler.called = false
		w := s.makeRequest(header)

		assert.False(s.T(), s.nextHandler.called, header)
		assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
		assert.JSONEq(s.T(),
			`{"error":"unauthorized","error_description":"Missing or invalid Authorization header"}`,
			w.Body.String(),
		)
	}
}

func (s *AuthMiddlewareTestSuite) TestInvalidToken() {
	s.validator.On("ValidateToken", "bad").Return(nil, errors.New("signature invalid"))

	w := s.makeRequest("Bearer bad")

	assert.False(s.T(), s.nextHandler.called)
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
	assert.JSONEq(s.T(),
		`{"error":"unauthorized","error_description":"Invalid or expired token"}`,
		w.Body.String(),
	)
}

func (s *AuthMiddlewareTestSuite) TestMalformedClaims() {
	s.validator.On("ValidateToken", "t1").Return(&JWTClaims{ActorID: "not-a-uuid", TenantID: testTenantID}, nil)
	s.validator.On("ValidateToken", "t2").Return(&JWTClaims{ActorID: testActorID}, nil)

	for _, token := range []string{"t1", "t2"} {
		w := s.makeRequest("Bearer " + token)
		assert.False(s.T(), s.nextHandler.called, token)
		assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
	}
}
