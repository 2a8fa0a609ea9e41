// Package auth supplies bearer tokens for upstream requests.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrAuthFailure is returned when a token exchange fails. It is never retried by the
// provider itself.
var ErrAuthFailure = errors.New("auth failure")

// Token is a bearer token and the time it stops being usable. A zero ExpiresAt never
// expires by time.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Valid reports whether the token is set and not expired at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && !t.Expired(now)
}

// Provider returns valid tokens and forgets ones the upstream has rejected.
// Implementations are safe for concurrent use.
type Provider interface {
	// Token returns a currently valid token, exchanging credentials if needed.
	Token(ctx context.Context) (Token, error)
	// Invalidate drops rejected if it is still the cached token, forcing the next
	// Token call to exchange afresh.
	Invalidate(rejected Token)
}

// Static serves a fixed API key that never expires.
type Static struct {
	key string
}

// NewStatic returns a provider for a fixed API key.
func NewStatic(key string) *Static {
	return &Static{key: key}
}

// Token returns the API key.
func (s *Static) Token(_ context.Context) (Token, error) {
	if s.key == "" {
		return Token{}, errors.Join(ErrAuthFailure, errors.New("api key not configured"))
	}
	return Token{Value: s.key}, nil
}

// Invalidate is a no-op; a rejected API key stays rejected.
func (s *Static) Invalidate(Token) {}
