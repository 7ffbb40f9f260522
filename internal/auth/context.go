// ABOUTME: Authentication context for tracking the token holder through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating validated token info via context

package auth

import (
	"context"
	"slices"
	"time"
)

// AuthContext holds the identity behind a validated access token. The gate
// populates it and handlers behind the gate read it from the context.
type AuthContext struct {
	UserID    string
	ClientID  string
	TokenID   string // hashed token ID, never the secret
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope returns true if the token was granted scope.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// SameGrantee reports whether other belongs to the same user and client.
func (a *AuthContext) SameGrantee(other *AuthContext) bool {
	return other != nil && a.UserID == other.UserID && a.ClientID == other.ClientID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
