// Package auth verifies channel credentials at connection-open time.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMissingToken is returned when no credential is present in any accepted location.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when a credential fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a credential is past its expiry.
	ErrExpiredToken = errors.New("token expired")
)

// DefaultTokenTTL is the validity window of issued tokens. Clients refresh on
// an interval strictly shorter than this.
const DefaultTokenTTL = time.Hour

// Claims are the verified claims carried by a channel credential.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// IssueToken returns a signed HS256 token for subject.
func IssueToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// ValidateToken parses and verifies tokenString against secret.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
