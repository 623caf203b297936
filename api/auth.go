package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the authenticated user or service ID.
	Subject string `json:"subject"`

	// Scopes defines what the caller may do: "queue:read", "queue:write",
	// "dlq:write", "subscribe" or the wildcard "*".
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the identity carries scope or the wildcard.
func (id *Identity) HasScope(scope string) bool {
	return slices.Contains(id.Scopes, ScopeAll) || slices.Contains(id.Scopes, scope)
}

// Scope constants.
const (
	ScopeRead      = "queue:read"
	ScopeWrite     = "queue:write"
	ScopeDLQWrite  = "dlq:write"
	ScopeSubscribe = "subscribe"
	ScopeAll       = "*"
)

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("opqueue/api: unauthorized")

// Authenticator validates a bearer token and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// TokenAuthenticator validates tokens against a static table.
type TokenAuthenticator struct {
	keys map[string]*Identity
}

// NewTokenAuthenticator creates an authenticator from token → identity
// pairs.
func NewTokenAuthenticator(keys map[string]Identity) *TokenAuthenticator {
	a := &TokenAuthenticator{keys: make(map[string]*Identity, len(keys))}
	for token, id := range keys {
		a.keys[token] = &id
	}
	return a
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// AllowAll accepts every caller with a wildcard identity. Use it for
// local development only.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(context.Context, string) (*Identity, error) {
	return &Identity{Subject: "anonymous", Scopes: []string{ScopeAll}}, nil
}

type identityKey struct{}

// IdentityFrom returns the identity stored on ctx by the auth middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// bearerToken extracts the token from the Authorization header, falling
// back to the "token" query parameter browsers use for WebSockets.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the caller and stores the identity on the request
// context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// requireScope rejects callers without scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok || !id.HasScope(scope) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
