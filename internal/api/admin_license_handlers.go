package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/license"
)

// LicenseAdmin is the engine surface behind the admin license routes.
type LicenseAdmin interface {
	IssueLicense(ctx context.Context, req license.IssueRequest) (*license.License, error)
	RenewLicense(ctx context.Context, req license.RenewRequest) (*license.License, *license.RenewalEntry, error)
	RevokeLicense(ctx context.Context, licenseKey string) (*license.License, error)
	ReinstateLicense(ctx context.Context, licenseKey string) (*license.License, error)
	Deactivate(ctx context.Context, licenseKey, hardwareID string) error
	Inspect(ctx context.Context, licenseKey string) (*license.Inspection, error)
	List(ctx context.Context, f license.ListFilter) ([]*license.License, error)
	Now() time.Time
}

// ActivityReader returns the audit trail of one license.
type ActivityReader interface {
	QueryEvents(ctx context.Context, f audit.AuditFilter) ([]audit.AuditEvent, string, error)
}

type AdminLicenseHandler struct {
	Engine   LicenseAdmin
	Activity ActivityReader
}

type IssueLicenseRequest struct {
	CustomerName  string     `json:"customer_name" validate:"required,max=200"`
	CustomerEmail string     `json:"customer_email" validate:"omitempty,email"`
	ProductName   string     `json:"product_name" validate:"max=100"`
	PlanType      string     `json:"plan_type" validate:"max=50"`
	Period        string     `json:"period" validate:"required"`
	MaxDevices    int        `json:"max_devices" validate:"gte=0,lte=10000"`
	MaxUsers      int        `json:"max_users" validate:"gte=0,lte=100000"`
	StartAt       *time.Time `json:"start_at"`
	Notes         string     `json:"notes" validate:"max=2000"`
}

type RenewLicenseRequest struct {
	Period string `json:"period" validate:"required"`
	Reason string `json:"reason" validate:"max=200"`
}

type LicenseResponse struct {
	LicenseKey    string    `json:"license_key"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	ProductName   string    `json:"product_name"`
	PlanType      string    `json:"plan_type"`
	Period        string    `json:"period"`
	ActivatedAt   time.Time `json:"activation_date"`
	ExpiresAt     time.Time `json:"expiry_date"`
	DaysRemaining int       `json:"days_remaining"`
	MaxDevices    int       `json:"max_devices"`
	MaxUsers      int       `json:"max_users"`
	Active        bool      `json:"is_active"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type BindingResponse struct {
	HardwareID  string    `json:"hardware_id"`
	IPAddress   string    `json:"ip_address,omitempty"`
	FirstSeenAt time.Time `json:"first_access"`
	LastSeenAt  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
	Active      bool      `json:"is_active"`
}

type RenewalResponse struct {
	Period    string    `json:"period"`
	OldExpiry time.Time `json:"old_expiry"`
	NewExpiry time.Time `json:"new_expiry"`
	Reason    string    `json:"reason"`
	RenewedBy string    `json:"renewed_by"`
	RenewedAt time.Time `json:"renewed_at"`
}

type InspectionResponse struct {
	License       LicenseResponse   `json:"license"`
	ActiveDevices int               `json:"active_devices"`
	Devices       []BindingResponse `json:"devices"`
	Renewals      []RenewalResponse `json:"renewals"`
}

func (h *AdminLicenseHandler) toLicense(l *license.License) LicenseResponse {
	return LicenseResponse{
		LicenseKey:    l.Key,
		CustomerName:  l.CustomerName,
		CustomerEmail: l.CustomerEmail,
		ProductName:   l.ProductName,
		PlanType:      l.PlanType,
		Period:        string(l.PeriodKind),
		ActivatedAt:   l.ActivatedAt,
		ExpiresAt:     l.ExpiresAt,
		DaysRemaining: l.DaysRemaining(h.Engine.Now()),
		MaxDevices:    l.MaxDevices,
		MaxUsers:      l.MaxUsers,
		Active:        l.Active,
		Notes:         l.Notes,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

func (h *AdminLicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueLicenseRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Render(w, r, errInvalidRequest(errs...))
		return
	}
	period, err := license.ParsePeriodKind(req.Period)
	if err != nil {
		render.Render(w, r, errInvalidRequest(err.Error()))
		return
	}

	issue := license.IssueRequest{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		ProductName:   req.ProductName,
		PlanType:      req.PlanType,
		Period:        period,
		MaxDevices:    req.MaxDevices,
		MaxUsers:      req.MaxUsers,
		Notes:         req.Notes,
	}
	if req.StartAt != nil {
		issue.StartAt = req.StartAt.UTC()
	}

	lic, err := h.Engine.IssueLicense(r.Context(), issue)
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, h.toLicense(lic))
}

func (h *AdminLicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f license.ListFilter
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			render.Render(w, r, errInvalidRequest("active must be true or false"))
			return
		}
		f.Active = &active
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	licenses, err := h.Engine.List(r.Context(), f)
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	out := make([]LicenseResponse, 0, len(licenses))
	for _, l := range licenses {
		out = append(out, h.toLicense(l))
	}
	render.JSON(w, r, map[string]any{"licenses": out, "count": len(out)})
}

func (h *AdminLicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ins, err := h.Engine.Inspect(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}

	resp := InspectionResponse{
		License:  h.toLicense(ins.License),
		Devices:  make([]BindingResponse, 0, len(ins.Bindings)),
		Renewals: make([]RenewalResponse, 0, len(ins.Renewals)),
	}
	for _, b := range ins.Bindings {
		if b.Active {
			resp.ActiveDevices++
		}
		resp.Devices = append(resp.Devices, BindingResponse{
			HardwareID:  b.HardwareID,
			IPAddress:   b.IPAddress,
			FirstSeenAt: b.FirstSeenAt,
			LastSeenAt:  b.LastSeenAt,
			AccessCount: b.AccessCount,
			Active:      b.Active,
		})
	}
	for _, e := range ins.Renewals {
		resp.Renewals = append(resp.Renewals, RenewalResponse{
			Period:    string(e.PeriodKind),
			OldExpiry: e.OldExpiry,
			NewExpiry: e.NewExpiry,
			Reason:    e.Reason,
			RenewedBy: e.RenewedBy,
			RenewedAt: e.RenewedAt,
		})
	}
	render.JSON(w, r, resp)
}

func (h *AdminLicenseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req RenewLicenseRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Render(w, r, errInvalidRequest(errs...))
		return
	}
	period, err := license.ParsePeriodKind(req.Period)
	if err != nil {
		render.Render(w, r, errInvalidRequest(err.Error()))
		return
	}

	lic, entry, err := h.Engine.RenewLicense(r.Context(), license.RenewRequest{
		LicenseKey: chi.URLParam(r, "key"),
		Period:     period,
		Reason:     req.Reason,
	})
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.JSON(w, r, map[string]any{
		"license": h.toLicense(lic),
		"renewal": RenewalResponse{
			Period:    string(entry.PeriodKind),
			OldExpiry: entry.OldExpiry,
			NewExpiry: entry.NewExpiry,
			Reason:    entry.Reason,
			RenewedBy: entry.RenewedBy,
			RenewedAt: entry.RenewedAt,
		},
	})
}

func (h *AdminLicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.Engine.RevokeLicense)
}

func (h *AdminLicenseHandler) Reinstate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.Engine.ReinstateLicense)
}

func (h *AdminLicenseHandler) setActive(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*license.License, error)) {
	lic, err := op(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.JSON(w, r, h.toLicense(lic))
}

// DeactivateDevice frees the slot held by one hardware id.
func (h *AdminLicenseHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, err := h.Engine.Inspect(r.Context(), key); err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	if err := h.Engine.Deactivate(r.Context(), key, chi.URLParam(r, "hardwareID")); err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

// ListActivity lists audit entries recorded for one license, newest first.
func (h *AdminLicenseHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	if h.Activity == nil {
		render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusNotImplemented, Error: "audit trail not available"})
		return
	}
	f := audit.AuditFilter{
		LicenseKey: chi.URLParam(r, "key"),
		Cursor:     r.URL.Query().Get("cursor"),
	}
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	events, cursor, err := h.Activity.QueryEvents(r.Context(), f)
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.JSON(w, r, map[string]any{"events": events, "cursor": cursor})
}
