package middleware

import (
	"context"
	"time"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
)

// AuthContext holds the authenticated admin's identity and permissions
type AuthContext struct {
	AdminID   string
	Username  string
	Role      string
	SessionID string
	TokenID   string // jti
	ExpiresAt time.Time

	// Permissions map for fast lookup
	Permissions map[string]struct{}
}

// Has reports whether the admin holds perm.
func (ac *AuthContext) Has(perm string) bool {
	_, ok := ac.Permissions[perm]
	return ok
}

// GetAuthContext retrieves the AuthContext from the context
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok
}

// WithAuthContext attaches the AuthContext to the context
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}
