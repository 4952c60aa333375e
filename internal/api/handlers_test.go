package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-license/internal/admins"
	"github.com/technosupport/ts-license/internal/api"
	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/memstore"
	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/tokens"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type noBlacklist struct{}

func (noBlacklist) IsBlacklisted(context.Context, string) (bool, error)        { return false, nil }
func (noBlacklist) AddToBlacklist(context.Context, string, time.Duration) error { return nil }

type fakeAccounts struct {
	tokens    *tokens.Manager
	loggedOut []string
}

func (f *fakeAccounts) Authenticate(_ context.Context, username, password string) (*admins.TokenPair, *data.Admin, error) {
	if password != "correct horse" {
		return nil, nil, admins.ErrInvalidCredentials
	}
	a := &data.Admin{ID: uuid.New(), Username: username, Role: admins.RoleAdmin, IsActive: true}
	sub := tokens.Subject{AdminID: a.ID.String(), Username: username, Role: a.Role, SessionID: "s1"}
	access, _ := f.tokens.GenerateAccessToken(sub)
	refresh, _ := f.tokens.GenerateRefreshToken(sub)
	return &admins.TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: 3600}, a, nil
}

func (f *fakeAccounts) Refresh(context.Context, string) (*admins.TokenPair, error) {
	return nil, admins.ErrInvalidCredentials
}

func (f *fakeAccounts) Logout(_ context.Context, c *tokens.Claims) error {
	f.loggedOut = append(f.loggedOut, c.ID)
	return nil
}

func (f *fakeAccounts) CreateAdmin(_ context.Context, username, email, _, role string) (*data.Admin, error) {
	if username == "taken" {
		return nil, license.ErrConflict
	}
	return &data.Admin{ID: uuid.New(), Username: username, Email: email, Role: role}, nil
}

type fakeAudit struct {
	filter audit.AuditFilter
	down   error
}

func (f *fakeAudit) QueryEvents(_ context.Context, af audit.AuditFilter) ([]audit.AuditEvent, string, error) {
	f.filter = af
	if f.down != nil {
		return nil, "", f.down
	}
	if af.Cursor == "bad" {
		return nil, "", license.ErrInvalidInput
	}
	return []audit.AuditEvent{{Action: "device.activated", LicenseKey: af.LicenseKey, Result: "success"}}, "", nil
}

func (f *fakeAudit) ExportEvents(_ context.Context, key string, w io.Writer) error {
	if f.down != nil {
		return f.down
	}
	_, err := io.WriteString(w, `{"license_key":"`+key+`"}`+"\n")
	return err
}

type pingErr struct{ err error }

func (p pingErr) PingContext(context.Context) error { return p.err }

type env struct {
	store    *memstore.Store
	engine   *license.Engine
	router   http.Handler
	tokens   *tokens.Manager
	accounts *fakeAccounts
	audit    *fakeAudit
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: memstore.New(), now: t0}
	e.engine = license.NewEngine(license.Deps{
		Licenses: e.store,
		Bindings: e.store,
		Clock:    license.ClockFunc(func() time.Time { return e.now }),
	}, license.Config{})
	e.tokens = tokens.NewManager("test-signing-key")
	e.accounts = &fakeAccounts{tokens: e.tokens}
	e.audit = &fakeAudit{}

	e.router = api.NewRouter(api.Handlers{
		License: &api.LicenseHandler{Engine: e.engine},
		Admin:   &api.AdminLicenseHandler{Engine: e.engine, Activity: e.audit},
		Auth:    &api.AuthHandler{Accounts: e.accounts, Tokens: e.tokens},
		Audit:   &api.AuditHandler{Service: e.audit},
		Health:  &api.HealthHandler{Checks: map[string]api.Pinger{"database": pingErr{}}},
	}, api.RouterConfig{
		Logger: zerolog.Nop(),
		JWT:    middleware.NewJWTAuth(e.tokens, noBlacklist{}, admins.PermissionsFor),
	})
	return e
}

func (e *env) issue(t *testing.T, maxDevices int, period license.PeriodKind) *license.License {
	t.Helper()
	lic, err := e.engine.IssueLicense(context.Background(), license.IssueRequest{
		CustomerName:  "Acme Ltd",
		CustomerEmail: "ops@acme.test",
		Period:        period,
		MaxDevices:    maxDevices,
	})
	require.NoError(t, err)
	return lic
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (e *env) adminToken(t *testing.T, role string) string {
	t.Helper()
	tok, err := e.tokens.GenerateAccessToken(tokens.Subject{AdminID: uuid.NewString(), Username: "ops", Role: role, SessionID: "s1"})
	require.NoError(t, err)
	return tok
}

func device(key, hw string) map[string]string {
	return map[string]string{"license_key": key, "hardware_id": hw}
}

func TestVerify_FirstActivationThenRevalidation(t *testing.T) {
	e := newEnv(t)
	lic := e.issue(t, 1, license.PeriodYearly)

	rec, body := e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, lic.Key, body["license_key"])
	assert.Equal(t, "Acme Ltd", body["customer_name"])
	assert.Equal(t, "ops@acme.test", body["customer_email"])
	assert.Equal(t, "Standard", body["plan_type"])
	assert.Equal(t, "yearly", body["subscription_type"])
	assert.Equal(t, "2027-03-01T12:00:00Z", body["expiry_date"])
	assert.Equal(t, float64(365), body["days_remaining"])
	assert.Equal(t, "HW-1", body["hardware_id"])
	assert.Equal(t, float64(1), body["verification_count"])

	e.now = t0.Add(24 * time.Hour)
	rec, body = e.do(t, http.MethodPost, "/api/activate-license", "", device(lic.Key, "HW-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["verification_count"])
	assert.Equal(t, float64(364), body["days_remaining"])
}

func TestVerify_Rejections(t *testing.T) {
	e := newEnv(t)
	lic := e.issue(t, 1, license.PeriodMonthly)
	_, _ = e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-1"))

	rec, body := e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "Device limit reached (1 max)", body["message"])

	rec, body = e.do(t, http.MethodPost, "/api/verify-license", "", device("GTMS-NOPE", "HW-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Invalid license key", body["message"])

	rec, body = e.do(t, http.MethodPost, "/api/verify-license", "", map[string]string{"license_key": lic.Key})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing license key or hardware ID", body["message"])

	rec, _ = e.do(t, http.MethodPost, "/api/verify-license", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.now = lic.ExpiresAt
	rec, body = e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "License has expired", body["message"])

	e.now = t0
	_, err := e.engine.RevokeLicense(context.Background(), lic.Key)
	require.NoError(t, err)
	rec, body = e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "License has been deactivated", body["message"])
}

func TestVerify_StorageOutageAsksForRetry(t *testing.T) {
	e := newEnv(t)
	e.store.Fail = errors.New("connection refused")

	rec, body := e.do(t, http.MethodPost, "/api/verify-license", "", device("GTMS-X", "HW-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, true, body["retry"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestVerify_OverlongFieldsAreBadRequests(t *testing.T) {
	e := newEnv(t)
	lic := e.issue(t, 3, license.PeriodYearly)
	longHW := strings.Repeat("h", license.MaxHardwareIDLength+1)
	longKey := strings.Repeat("K", license.MaxKeyLength+1)

	for _, path := range []string{"/api/verify-license", "/api/activate-license"} {
		rec, body := e.do(t, http.MethodPost, path, "", device(lic.Key, longHW))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, false, body["valid"])
		assert.Nil(t, body["retry"])
		assert.Empty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, "License key or hardware ID too long", body["message"])

		rec, _ = e.do(t, http.MethodPost, path, "", device(longKey, "HW-1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	rec, body := e.do(t, http.MethodPost, "/api/deactivate-license", "", device(lic.Key, longHW))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "License key or hardware ID too long", body["message"])

	bindings, err := e.store.ListBindings(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestDeactivate(t *testing.T) {
	e := newEnv(t)
	lic := e.issue(t, 1, license.PeriodMonthly)
	_, _ = e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-1"))

	rec, body := e.do(t, http.MethodPost, "/api/deactivate-license", "", device(lic.Key, "HW-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "License deactivated", body["message"])

	// The freed slot can be taken by another device.
	rec, _ = e.do(t, http.MethodPost, "/api/verify-license", "", device(lic.Key, "HW-2"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/api/deactivate-license", "", device("GTMS-NOPE", "HW-9"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	rec, body = e.do(t, http.MethodPost, "/api/deactivate-license", "", map[string]string{"hardware_id": "HW-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/api/v1/admin/licenses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/licenses", e.adminToken(t, admins.RoleViewer),
		map[string]any{"customer_name": "X", "period": "monthly"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_LoginAndLogout(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/admin/login", "", map[string]string{"username": "ops", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := e.do(t, http.MethodPost, "/api/v1/admin/login", "", map[string]string{"username": "ops", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	access, _ := body["access_token"].(string)
	require.NotEmpty(t, access)
	assert.NotEmpty(t, body["refresh_token"])

	rec, body = e.do(t, http.MethodGet, "/api/v1/admin/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", body["username"])

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/logout", access, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, e.accounts.loggedOut, 1)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/refresh", "", map[string]string{"refresh_token": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_LicenseLifecycle(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t, admins.RoleAdmin)

	rec, body := e.do(t, http.MethodPost, "/api/v1/admin/licenses", tok, map[string]any{
		"customer_name": "Globex",
		"period":        "1_month",
		"max_devices":   2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key, _ := body["license_key"].(string)
	require.True(t, strings.HasPrefix(key, "GTMS-"))
	assert.Equal(t, "monthly", body["period"])
	assert.Equal(t, float64(2), body["max_devices"])

	rec, body = e.do(t, http.MethodPost, "/api/v1/admin/licenses", tok, map[string]any{"period": "weekly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["details"], "customer_name is required")

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/licenses", tok, map[string]any{"customer_name": "X", "period": "weekly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, _ = e.do(t, http.MethodPost, "/api/verify-license", "", device(key, "HW-1"))

	rec, body = e.do(t, http.MethodPost, "/api/v1/admin/licenses/"+key+"/renew", tok, map[string]string{"period": "yearly"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewal := body["renewal"].(map[string]any)
	assert.Equal(t, "ops", renewal["renewed_by"])
	assert.Equal(t, "license_renewal", renewal["reason"])

	rec, body = e.do(t, http.MethodGet, "/api/v1/admin/licenses/"+key, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["active_devices"])
	assert.Len(t, body["devices"], 1)
	assert.Len(t, body["renewals"], 1)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/licenses/"+key+"/devices/HW-1/deactivate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/api/v1/admin/licenses/"+key+"/revoke", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["is_active"])

	rec, body = e.do(t, http.MethodPost, "/api/v1/admin/licenses/"+key+"/reinstate", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_active"])

	rec, body = e.do(t, http.MethodGet, "/api/v1/admin/licenses?active=true&limit=10", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/licenses?active=maybe", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/licenses/GTMS-NOPE", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/licenses/GTMS-NOPE/devices/HW-1/deactivate", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Activity(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t, admins.RoleAdmin)

	rec, body := e.do(t, http.MethodGet, "/api/v1/admin/licenses/GTMS-AAAA/activity?limit=5", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, "GTMS-AAAA", e.audit.filter.LicenseKey)
	assert.Equal(t, 5, e.audit.filter.Limit)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/licenses/GTMS-AAAA/activity?cursor=bad", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/licenses/GTMS-AAAA/activity", e.adminToken(t, admins.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/licenses/GTMS-AAAA/activity/export", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"license_key":"GTMS-AAAA"`)
}

func TestAudit_StorageOutageAsksForRetry(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t, admins.RoleAdmin)
	e.audit.down = license.Transient("query audit events", errors.New("connection refused"))

	for _, path := range []string{
		"/api/v1/admin/audit/events",
		"/api/v1/admin/licenses/GTMS-AAAA/activity",
		"/api/v1/admin/licenses/GTMS-AAAA/activity/export",
	} {
		rec, body := e.do(t, http.MethodGet, path, tok, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, true, body["retry"], path)
		assert.NotContains(t, rec.Body.String(), "connection refused", path)
	}
}

func TestAudit_GetEventsFilters(t *testing.T) {
	e := newEnv(t)
	tok := e.adminToken(t, admins.RoleAdmin)

	rec, _ := e.do(t, http.MethodGet, "/api/v1/admin/audit/events?actor=ops&result=failure&from=2026-01-01T00:00:00Z", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", e.audit.filter.Actor)
	assert.Equal(t, "failure", e.audit.filter.Result)
	require.NotNil(t, e.audit.filter.DateFrom)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/admin/audit/events?from=yesterday", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_CreateAdmin(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/admin/admins", e.adminToken(t, admins.RoleAdmin),
		map[string]string{"username": "new", "password": "long enough"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	super := e.adminToken(t, admins.RoleSuperAdmin)
	rec, body := e.do(t, http.MethodPost, "/api/v1/admin/admins", super,
		map[string]string{"username": "new", "password": "long enough", "role": "viewer"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "viewer", body["role"])

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/admins", super,
		map[string]string{"username": "taken", "password": "long enough"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/admin/admins", super,
		map[string]string{"username": "x", "password": "short", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	h := &api.HealthHandler{Checks: map[string]api.Pinger{"redis": pingErr{errors.New("down")}}}
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"redis":"down"`)
}

func TestRouter_NoAdminWithoutJWT(t *testing.T) {
	st := memstore.New()
	eng := license.NewEngine(license.Deps{Licenses: st, Bindings: st}, license.Config{})
	r := api.NewRouter(api.Handlers{
		License: &api.LicenseHandler{Engine: eng},
		Health:  &api.HealthHandler{},
	}, api.RouterConfig{Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
