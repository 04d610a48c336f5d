// Package auth verifies the bearer tokens REST callers present, against an
// external identity provider. Verification itself is out of scope per the
// spec; Verifier is an interface so internal/api can be tested without one,
// the same narrow-interface-for-testability approach internal/pipeline uses
// for its decoder/encoder dependencies.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by Verify when the token is missing or rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks a bearer token and returns the identity it names.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// StubVerifier is a placeholder identity-provider client: it accepts any
// non-empty token and treats it as the user id directly. providerURL is
// plumbed through from config but unused by this stub — a real verifier
// would call it.
type StubVerifier struct {
	providerURL string
}

// NewStubVerifier builds a StubVerifier pointed at providerURL.
func NewStubVerifier(providerURL string) *StubVerifier {
	return &StubVerifier{providerURL: providerURL}
}

func (v *StubVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
