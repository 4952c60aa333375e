// Package admins authenticates the operators of the admin API.
package admins

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/auth"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/tokens"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLockedOut          = errors.New("account temporarily locked")
	ErrInvalidRole        = errors.New("invalid role")
)

const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleViewer     = "viewer"
)

const (
	PermLicensesManage = "licenses.manage"
	PermLicensesRead   = "licenses.read"
	PermAuditRead      = "audit.read"
	PermAdminsManage   = "admins.manage"
)

var rolePermissions = map[string][]string{
	RoleSuperAdmin: {PermLicensesManage, PermLicensesRead, PermAuditRead, PermAdminsManage},
	RoleAdmin:      {PermLicensesManage, PermLicensesRead, PermAuditRead},
	RoleViewer:     {PermLicensesRead},
}

// PermissionsFor returns the grants of role; unknown roles get none.
func PermissionsFor(role string) []string {
	return rolePermissions[role]
}

// Used to spend the same time on unknown usernames as on wrong passwords.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHRzYWx0c2FsdA$qLml5cfaAqGvS9+yKXbdxt6bQ+0l3p9PxUWRDz2KE4c"

type Repo interface {
	GetByUsername(ctx context.Context, username string) (*data.Admin, error)
	Create(ctx context.Context, a *data.Admin) error
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, newHash string) error
}

type Sessions interface {
	CheckLockout(ctx context.Context, username string) (bool, error)
	RecordFailedAttempt(ctx context.Context, username string) error
	ClearFailures(ctx context.Context, username string) error
	CreateSession(ctx context.Context, adminID, sessionID string) error
	SessionActive(ctx context.Context, adminID, sessionID string) (bool, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

type Auditor interface {
	Enqueue(evt audit.AuditEvent)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"` // Seconds
}

type Service struct {
	Repo      Repo
	Sessions  Sessions
	Tokens    *tokens.Manager
	Blacklist auth.TokenBlacklist
	Audit     Auditor
}

// Authenticate checks credentials and opens a session.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*TokenPair, *data.Admin, error) {
	username = strings.TrimSpace(username)

	locked, err := s.Sessions.CheckLockout(ctx, username)
	if err != nil {
		return nil, nil, errors.Wrap(err, "check lockout")
	}
	if locked {
		s.audit(ctx, "admin.login", username, "failure", "locked_out")
		return nil, nil, ErrLockedOut
	}

	a, err := s.Repo.GetByUsername(ctx, username)
	if errors.Is(err, data.ErrRecordNotFound) {
		auth.CheckPassword(password, dummyHash)
		return nil, nil, s.fail(ctx, username)
	}
	if err != nil {
		return nil, nil, err
	}

	match, err := auth.CheckPassword(password, a.PasswordHash)
	if err != nil || !match || !a.IsActive {
		return nil, nil, s.fail(ctx, username)
	}

	var upgraded string
	if auth.NeedsRehash(a.PasswordHash) {
		if h, err := auth.HashPassword(password); err == nil {
			upgraded = h
		}
	}
	if err := s.Repo.RecordLogin(ctx, a.ID, time.Now().UTC(), upgraded); err != nil {
		log.Warn().Err(err).Str("username", a.Username).Msg("failed to record admin login")
	}
	if err := s.Sessions.ClearFailures(ctx, username); err != nil {
		log.Warn().Err(err).Str("username", a.Username).Msg("failed to clear login failures")
	}

	sessionID := uuid.NewString()
	if err := s.Sessions.CreateSession(ctx, a.ID.String(), sessionID); err != nil {
		return nil, nil, errors.Wrap(err, "create session")
	}

	pair, err := s.issue(tokens.Subject{AdminID: a.ID.String(), Username: a.Username, Role: a.Role, SessionID: sessionID}, true)
	if err != nil {
		return nil, nil, err
	}
	s.audit(ctx, "admin.login", a.Username, "success", "")
	return pair, a, nil
}

// Refresh trades a refresh token for a new access token while its session lives.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.Tokens.ValidateToken(refreshToken)
	if err != nil || claims.TokenType != tokens.Refresh {
		return nil, ErrInvalidCredentials
	}
	if ok, err := s.Blacklist.IsBlacklisted(ctx, claims.ID); err != nil || ok {
		return nil, ErrInvalidCredentials
	}
	active, err := s.Sessions.SessionActive(ctx, claims.AdminID, claims.SessionID)
	if err != nil || !active {
		return nil, ErrInvalidCredentials
	}
	return s.issue(tokens.Subject{AdminID: claims.AdminID, Username: claims.Username, Role: claims.Role, SessionID: claims.SessionID}, false)
}

// Logout revokes the access token and its session.
func (s *Service) Logout(ctx context.Context, claims *tokens.Claims) error {
	if claims.ExpiresAt != nil {
		if err := s.Blacklist.AddToBlacklist(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
			return err
		}
	}
	if claims.SessionID != "" {
		if err := s.Sessions.RevokeSession(ctx, claims.SessionID); err != nil {
			return err
		}
	}
	s.audit(ctx, "admin.logout", claims.Username, "success", "")
	return nil
}

// CreateAdmin hashes password and stores a new active admin.
func (s *Service) CreateAdmin(ctx context.Context, username, email, password, role string) (*data.Admin, error) {
	if role == "" {
		role = RoleAdmin
	}
	if _, ok := rolePermissions[role]; !ok {
		return nil, ErrInvalidRole
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	a := &data.Admin{
		Username:     strings.TrimSpace(username),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.Repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.audit(ctx, "admin.create", a.Username, "success", "")
	return a, nil
}

func (s *Service) issue(sub tokens.Subject, withRefresh bool) (*TokenPair, error) {
	access, err := s.Tokens.GenerateAccessToken(sub)
	if err != nil {
		return nil, err
	}
	pair := &TokenPair{AccessToken: access, ExpiresIn: int(s.Tokens.AccessTTL().Seconds())}
	if withRefresh {
		if pair.RefreshToken, err = s.Tokens.GenerateRefreshToken(sub); err != nil {
			return nil, err
		}
	}
	return pair, nil
}

func (s *Service) fail(ctx context.Context, username string) error {
	if err := s.Sessions.RecordFailedAttempt(ctx, username); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("failed to record login failure")
	}
	s.audit(ctx, "admin.login", username, "failure", "invalid_credentials")
	return ErrInvalidCredentials
}

func (s *Service) audit(_ context.Context, action, username, result, reason string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Enqueue(audit.AuditEvent{
		Action:     action,
		Actor:      username,
		Result:     result,
		ReasonCode: reason,
		CreatedAt:  time.Now().UTC(),
	})
}
