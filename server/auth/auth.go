// Package auth validates the bearer credential a client presents at
// websocket handshake time. Credential enrollment and login live in a
// separate service; this package only checks signatures and expiry.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed: the token cannot be parsed at all.
	ErrMalformed = errors.New("auth: malformed token")
	// ErrExpired: the token was valid once but is past its expiry.
	ErrExpired = errors.New("auth: expired token")
	// ErrFailed: the signature does not verify or the claims are unacceptable.
	ErrFailed = errors.New("auth: failed to authenticate")
)

const minKeyLength = 32

// Validator checks HS256-signed bearer tokens carrying the user id in the
// subject claim.
type Validator struct {
	key    []byte
	parser *jwt.Parser
}

// NewValidator creates a validator for the given HMAC key.
func NewValidator(key []byte) (*Validator, error) {
	if len(key) < minKeyLength {
		return nil, errors.New("auth: the key is missing or too short")
	}
	return &Validator{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()),
	}, nil
}

// Authenticate validates a bearer token and returns the authenticated user id.
func (v *Validator) Authenticate(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", ErrMalformed
		default:
			return "", ErrFailed
		}
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrFailed
	}
	return claims.Subject, nil
}

// Mint issues a token for the given user, valid for the given duration.
// Used by the login collaborator and by the keygen tool.
func (v *Validator) Mint(userID string, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: empty user id")
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})
	return tok.SignedString(v.key)
}
