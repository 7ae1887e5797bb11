package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "courier/pkg/domain"
	dErrors "courier/pkg/domain-errors"
)

var (
	actorID  = id.ActorID(uuid.New())
	tenantID = id.TenantID(uuid.New())
)

func newService(now time.Time) *JWTService {
	s := NewJWTService("test-signing-key", "courier-test", time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func Test_IssueAndValidate(t *testing.T) {
	now := time.Now()
	s := newService(now)

	token, err := s.IssueToken(actorID, tenantID)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, actorID.String(), claims.ActorID)
	assert.Equal(t, tenantID.String(), claims.TenantID)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, now.Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func Test_IssueToken_RequiresIdentity(t *testing.T) {
	_, err := newService(time.Now()).IssueToken(id.ActorID{}, tenantID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func Test_ValidateToken_Expired(t *testing.T) {
	issuedAt := time.Now().Add(-2 * time.Hour)
	token, err := newService(issuedAt).IssueToken(actorID, tenantID)
	require.NoError(t, err)

	_, err = newService(time.Now()).ValidateToken(token)
	require.ErrorContains(t, err, "token expired")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_Rejects(t *testing.T) {
	s := newService(time.Now())

	t.Run("garbage", func(t *testing.T) {
		_, err := s.ValidateToken("not-a-token")
		require.ErrorContains(t, err, "invalid token")
	})

	t.Run("wrong key", func(t *testing.T) {
		other := NewJWTService("other-key", "courier-test", time.Hour)
		token, err := other.IssueToken(actorID, tenantID)
		require.NoError(t, err)
		_, err = s.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTService("test-signing-key", "someone-else", time.Hour)
		token, err := other.IssueToken(actorID, tenantID)
		require.NoError(t, err)
		_, err = s.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, ActorClaims{
			ActorID:  actorID.String(),
			TenantID: tenantID.String(),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "courier-test",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte("test-signing-key"))
		require.NoError(t, err)
		_, err = s.ValidateToken(signed)
		require.Error(t, err)
	})
}

func Test_Adapter(t *testing.T) {
	s := newService(time.Now())
	token, err := s.IssueToken(actorID, tenantID)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(s).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, actorID.String(), claims.ActorID)
	assert.Equal(t, tenantID.String(), claims.TenantID)
}
