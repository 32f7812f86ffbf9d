// Package auth resolves API keys presented on the HTTP surface to a
// principal carrying the role used for tool authorization.
package auth

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix is the required prefix of every gateway API key.
const KeyPrefix = "tgk_"

// Authenticator validates an API key and returns the principal it
// belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Principal holds the authenticated caller's identity.
type Principal struct {
	Name string // human-readable key owner
	Role string // role used by the authorization gate
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a tgk_ API key from an Authorization
// header value.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrUnauthenticated
	}
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}
