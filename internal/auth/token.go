// Package auth authenticates requests with bearer tokens and puts the
// resulting principal on the request context.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caixahub/caixahub/internal/shared"
)

// Claims is the token payload.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies the service's access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with an HMAC secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for the user.
func (i *TokenIssuer) Issue(userID, name string) (string, error) {
	now := i.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses the token and returns the principal it carries.
func (i *TokenIssuer) Verify(tokenString string) (shared.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return shared.Principal{}, fmt.Errorf("auth: %s: %w", err.Error(), shared.ErrAuthentication)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return shared.Principal{}, fmt.Errorf("auth: missing subject: %w", shared.ErrAuthentication)
	}
	return shared.Principal{UserID: claims.Subject, Name: claims.Name}, nil
}
