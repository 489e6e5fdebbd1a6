// Package auth issues and verifies the bearer tokens presented on connect and login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/config"
)

// Claims is the token payload. The subject carries the numeric user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens.
type JWT struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New creates a JWT from auth configuration.
//
// Precondition: cfg must have passed config validation.
func New(cfg config.AuthConfig) *JWT {
	return &JWT{
		key:    []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
}

// Issue returns a signed token for user.
//
// Postcondition: The token verifies to user.ID until the configured TTL elapses.
func (j *JWT) Issue(user chat.User) (string, error) {
	if user.ID <= 0 {
		return "", fmt.Errorf("%w: user id must be positive", chat.ErrBadRequest)
	}
	now := j.now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify implements session.TokenVerifier.
//
// Postcondition: Returns the user id in the token subject, or an error
// wrapping chat.ErrAuthenticationRequired when the token is absent, forged,
// expired, or issued by someone else.
func (j *JWT) Verify(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: no token", chat.ErrAuthenticationRequired)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", chat.ErrAuthenticationRequired, describe(err))
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: token subject %q is not a user id", chat.ErrAuthenticationRequired, claims.Subject)
	}
	return userID, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "token signature invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "token issuer mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token malformed"
	default:
		return "token rejected"
	}
}
