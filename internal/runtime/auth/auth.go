// Package auth validates and issues the HS256 bearer tokens presented during
// the connection handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
)

// Token classes carried in the token_type claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// QueryParam is the query parameter used by clients that cannot set headers.
const QueryParam = "token"

// Claims are the JWT claims chirpflow understands. UserID falls back to the
// subject when absent.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id,omitempty"`
	TokenType string `json:"token_type"`
}

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Validator checks signature, expiry, issuer and token class.
type Validator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewValidator returns a Validator for tokens signed with secret. An empty
// issuer disables the issuer check.
func NewValidator(secret, issuer string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &Validator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Authenticate validates raw and requires the given token class.
func (v *Validator) Authenticate(raw, class string) (Principal, error) {
	if raw == "" {
		return Principal{}, &errspkg.AuthFailure{Reason: "missing token", Err: errspkg.ErrInvalidToken}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return Principal{}, &errspkg.AuthFailure{Reason: reason, Err: fmt.Errorf("%w: %w", errspkg.ErrInvalidToken, err)}
	}
	if !token.Valid {
		return Principal{}, &errspkg.AuthFailure{Reason: "invalid token", Err: errspkg.ErrInvalidToken}
	}
	if claims.TokenType != class {
		return Principal{}, &errspkg.AuthFailure{
			Reason: fmt.Sprintf("expected %s token, got %q", class, claims.TokenType),
			Err:    errspkg.ErrWrongTokenClass,
		}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Principal{}, &errspkg.AuthFailure{Reason: "token has no subject", Err: errspkg.ErrInvalidToken}
	}

	p := Principal{UserID: userID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// AuthenticateRequest pulls the token from the request and requires an
// access token.
func (v *Validator) AuthenticateRequest(r *http.Request) (Principal, error) {
	return v.Authenticate(TokenFromRequest(r), TokenAccess)
}

// TokenFromRequest prefers a Bearer Authorization header and falls back to
// the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get(QueryParam)
}

// Issuer signs tokens. It backs the token command and tests.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token of the given class for userID valid for ttl.
func (i *Issuer) Issue(userID, class string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    userID,
		TokenType: class,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
