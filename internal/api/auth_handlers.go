package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/admins"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/tokens"
)

// Accounts is the admin account service.
type Accounts interface {
	Authenticate(ctx context.Context, username, password string) (*admins.TokenPair, *data.Admin, error)
	Refresh(ctx context.Context, refreshToken string) (*admins.TokenPair, error)
	Logout(ctx context.Context, claims *tokens.Claims) error
	CreateAdmin(ctx context.Context, username, email, password, role string) (*data.Admin, error)
}

type AuthHandler struct {
	Accounts Accounts
	Tokens   middleware.TokenValidator
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=80"`
	Password string `json:"password" validate:"required,max=256"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type CreateAdminRequest struct {
	Username string `json:"username" validate:"required,min=3,max=80"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=256"`
	Role     string `json:"role" validate:"omitempty,oneof=superadmin admin viewer"`
}

type AdminResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Render(w, r, errInvalidRequest(errs...))
		return
	}

	pair, a, err := h.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, admins.ErrInvalidCredentials), errors.Is(err, admins.ErrLockedOut):
		h.genericError(w, r)
		return
	default:
		log.Error().Err(err).Msg("admin login failed")
		render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusServiceUnavailable, Error: "service temporarily unavailable", Retry: true})
		return
	}

	render.JSON(w, r, map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"admin":         toAdmin(a.ID.String(), a.Username, a.Email, a.Role),
	})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		h.genericError(w, r)
		return
	}
	pair, err := h.Accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.genericError(w, r)
		return
	}
	render.JSON(w, r, pair)
}

// Logout must run behind JWTAuth; it revokes the presented access token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearer(r)
	if !ok {
		h.genericError(w, r)
		return
	}
	claims, err := h.Tokens.ValidateToken(raw)
	if err != nil {
		h.genericError(w, r)
		return
	}
	if err := h.Accounts.Logout(r.Context(), claims); err != nil {
		log.Error().Err(err).Str("username", claims.Username).Msg("logout failed")
		render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusServiceUnavailable, Error: "service temporarily unavailable", Retry: true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		h.genericError(w, r)
		return
	}
	render.JSON(w, r, toAdmin(ac.AdminID, ac.Username, "", ac.Role))
}

func (h *AuthHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req CreateAdminRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Render(w, r, errInvalidRequest(errs...))
		return
	}
	a, err := h.Accounts.CreateAdmin(r.Context(), req.Username, req.Email, req.Password, req.Role)
	switch {
	case err == nil:
	case errors.Is(err, license.ErrConflict):
		render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusConflict, Error: "username already exists"})
		return
	case errors.Is(err, admins.ErrInvalidRole):
		render.Render(w, r, errInvalidRequest(err.Error()))
		return
	default:
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toAdmin(a.ID.String(), a.Username, a.Email, a.Role))
}

func (h *AuthHandler) genericError(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusUnauthorized, Error: "Invalid credential or request"})
}

func toAdmin(id, username, email, role string) AdminResponse {
	perms := admins.PermissionsFor(role)
	if perms == nil {
		perms = []string{}
	}
	return AdminResponse{ID: id, Username: username, Email: email, Role: role, Permissions: perms}
}

func bearer(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}
