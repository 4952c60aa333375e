package middleware

import (
	"net/http"
	"strings"

	"github.com/technosupport/ts-license/internal/auth"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

// PermissionResolver maps a role to its permission slugs.
type PermissionResolver func(role string) []string

type JWTAuth struct {
	tokens      TokenValidator
	blacklist   auth.TokenBlacklist
	permissions PermissionResolver
}

func NewJWTAuth(t TokenValidator, b auth.TokenBlacklist, p PermissionResolver) *JWTAuth {
	return &JWTAuth{tokens: t, blacklist: b, permissions: p}
}

// Middleware verifies the JWT and injects AuthContext. The admin's username
// becomes the engine actor for anything done on this request.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil || claims.TokenType != tokens.Access {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		// Fail closed when the blacklist cannot be consulted.
		blacklisted, err := m.blacklist.IsBlacklisted(r.Context(), claims.ID)
		if err != nil || blacklisted {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ac := &AuthContext{
			AdminID:     claims.AdminID,
			Username:    claims.Username,
			Role:        claims.Role,
			SessionID:   claims.SessionID,
			TokenID:     claims.ID,
			Permissions: map[string]struct{}{},
		}
		if claims.ExpiresAt != nil {
			ac.ExpiresAt = claims.ExpiresAt.Time
		}
		if m.permissions != nil {
			for _, p := range m.permissions(claims.Role) {
				ac.Permissions[p] = struct{}{}
			}
		}

		ctx := WithAuthContext(r.Context(), ac)
		ctx = license.WithActor(ctx, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
