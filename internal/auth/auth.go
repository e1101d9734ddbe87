// Package auth verifies OIDC bearer tokens and the admin bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Authentication errors.
var (
	ErrNoBearer           = errors.New("no bearer token provided")
	ErrAdminTokenMismatch = errors.New("admin token mismatch")
	ErrTokenMalformed     = errors.New("malformed JWT token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenNotYetValid   = errors.New("token issued in the future")
	ErrIssuerNotAllowed   = errors.New("token issuer is not allowed")
	ErrAudienceMismatch   = errors.New("token audience mismatch")
	ErrKeyNotFound        = errors.New("signing key not found in JWKS")
	ErrUnsupportedAlgo    = errors.New("unsupported signing algorithm")
	ErrSignatureInvalid   = errors.New("token signature is invalid")
	ErrJWKSFetch          = errors.New("failed to fetch JWKS")
)

// Claims holds the verified claims of an OIDC token.
type Claims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Raw      map[string]any
}

// Identity returns the rate-limit identity for the claims.
func (c *Claims) Identity() string {
	return c.Issuer + ":" + c.Subject
}

// Verifier verifies OIDC bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// BearerToken extracts the bearer token from a request's Authorization
// header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoBearer
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrNoBearer
	}

	return token, nil
}

// AdminAuthenticator authorizes admin requests by bearer token equality.
type AdminAuthenticator struct {
	token string
}

// NewAdminAuthenticator creates an AdminAuthenticator for the configured
// admin token.
func NewAdminAuthenticator(token string) *AdminAuthenticator {
	return &AdminAuthenticator{token: token}
}

// Authenticate checks the request's bearer token against the admin token
// in constant time.
func (a *AdminAuthenticator) Authenticate(r *http.Request) error {
	token, err := BearerToken(r)
	if err != nil {
		return err
	}

	if a.token == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return ErrAdminTokenMismatch
	}

	return nil
}

// audienceClaim handles both string and []string JSON representations of
// the "aud" claim per RFC 7519.
type audienceClaim []string

// UnmarshalJSON implements custom unmarshalling for the audience claim.
func (a *audienceClaim) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = []string{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("audience must be a string or array of strings: %w", err)
	}

	*a = multi

	return nil
}
