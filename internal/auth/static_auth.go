package auth

import "context"

// StaticAuthenticator resolves keys from a fixed map. Intended for
// local development and tests.
type StaticAuthenticator struct {
	principals map[string]Principal // api key -> principal
}

// NewStaticAuthenticator creates an authenticator over a fixed key set.
func NewStaticAuthenticator(principals map[string]Principal) *StaticAuthenticator {
	copied := make(map[string]Principal, len(principals))
	for k, v := range principals {
		copied[k] = v
	}
	return &StaticAuthenticator{principals: copied}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	p, ok := a.principals[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &p, nil
}
