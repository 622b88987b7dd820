package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
)

func mustIssue(t *testing.T, secret, userID, class string, ttl time.Duration) string {
	t.Helper()
	iss, err := NewIssuer(secret, "")
	require.NoError(t, err)
	tok, err := iss.Issue(userID, class, ttl)
	require.NoError(t, err)
	return tok
}

func TestAuthenticateAcceptsAccessToken(t *testing.T) {
	v, err := NewValidator("s3cret", "")
	require.NoError(t, err)

	p, err := v.Authenticate(mustIssue(t, "s3cret", "alice", TokenAccess, time.Hour), TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), p.ExpiresAt, time.Minute)
}

func TestAuthenticateRejections(t *testing.T) {
	v, err := NewValidator("s3cret", "")
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "alice",
		TokenType:        TokenAccess,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", errspkg.ErrInvalidToken},
		{"garbage", "not-a-jwt", errspkg.ErrInvalidToken},
		{"wrong secret", mustIssue(t, "other", "alice", TokenAccess, time.Hour), errspkg.ErrInvalidToken},
		{"expired", mustIssue(t, "s3cret", "alice", TokenAccess, -time.Minute), errspkg.ErrInvalidToken},
		{"refresh token", mustIssue(t, "s3cret", "alice", TokenRefresh, time.Hour), errspkg.ErrWrongTokenClass},
		{"alg none", noneToken, errspkg.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(tt.token, TokenAccess)
			require.Error(t, err)
			var authErr *errspkg.AuthFailure
			require.True(t, errors.As(err, &authErr), "expected AuthFailure, got %T", err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthenticateChecksIssuer(t *testing.T) {
	v, err := NewValidator("s3cret", "chirpflow")
	require.NoError(t, err)

	_, err = v.Authenticate(mustIssue(t, "s3cret", "alice", TokenAccess, time.Hour), TokenAccess)
	assert.ErrorIs(t, err, errspkg.ErrInvalidToken)

	iss, err := NewIssuer("s3cret", "chirpflow")
	require.NoError(t, err)
	tok, err := iss.Issue("alice", TokenAccess, time.Hour)
	require.NoError(t, err)
	_, err = v.Authenticate(tok, TokenAccess)
	assert.NoError(t, err)
}

func TestSubjectFallback(t *testing.T) {
	v, err := NewValidator("s3cret", "")
	require.NoError(t, err)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: TokenAccess,
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	p, err := v.Authenticate(tok, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.UserID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/connect?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r), "header wins over query")

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/events/subscribe", nil)
	assert.Empty(t, TokenFromRequest(r))
}

func TestAuthenticateRequest(t *testing.T) {
	v, err := NewValidator("s3cret", "")
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/events/sync?token="+mustIssue(t, "s3cret", "carol", TokenAccess, time.Hour), nil)

	p, err := v.AuthenticateRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "carol", p.UserID)
}

func TestConstructorsRequireSecret(t *testing.T) {
	_, err := NewValidator("", "")
	assert.Error(t, err)
	_, err = NewIssuer("", "")
	assert.Error(t, err)

	iss, err := NewIssuer("s3cret", "")
	require.NoError(t, err)
	_, err = iss.Issue("", TokenAccess, time.Hour)
	assert.Error(t, err)
}
