package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

// Verifier is the part of the engine the desktop client endpoints use.
type Verifier interface {
	VerifyDevice(ctx context.Context, req license.VerifyRequest) (license.Decision, error)
	Deactivate(ctx context.Context, licenseKey, hardwareID string) error
	Now() time.Time
}

// LicenseHandler serves the endpoints called by deployed desktop clients.
// Field names and messages are a contract with those binaries.
type LicenseHandler struct {
	Engine Verifier
}

type DeviceRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=100"`
	HardwareID string `json:"hardware_id" validate:"required,max=200"`
}

const (
	msgMissingFields = "Missing license key or hardware ID"
	msgFieldsTooLong = "License key or hardware ID too long"
)

// badRequestMessage picks the client message for a DeviceRequest that failed validation.
func (req DeviceRequest) badRequestMessage() string {
	if utf8.RuneCountInString(req.LicenseKey) > license.MaxKeyLength ||
		utf8.RuneCountInString(req.HardwareID) > license.MaxHardwareIDLength {
		return msgFieldsTooLong
	}
	return msgMissingFields
}

type VerifyResponse struct {
	Valid             bool   `json:"valid"`
	Message           string `json:"message,omitempty"`
	Retry             bool   `json:"retry,omitempty"`
	LicenseKey        string `json:"license_key,omitempty"`
	CustomerName      string `json:"customer_name,omitempty"`
	CustomerEmail     string `json:"customer_email,omitempty"`
	PlanType          string `json:"plan_type,omitempty"`
	SubscriptionType  string `json:"subscription_type,omitempty"`
	ExpiryDate        string `json:"expiry_date,omitempty"`
	ActivationDate    string `json:"activation_date,omitempty"`
	DaysRemaining     *int   `json:"days_remaining,omitempty"`
	HardwareID        string `json:"hardware_id,omitempty"`
	VerificationCount *int   `json:"verification_count,omitempty"`
}

type DeactivateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Retry   bool   `json:"retry,omitempty"`
}

// Verify handles /api/verify-license and its alias /api/activate-license.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, VerifyResponse{Message: req.badRequestMessage()})
		return
	}

	d, err := h.Engine.VerifyDevice(r.Context(), license.VerifyRequest{
		LicenseKey: strings.TrimSpace(req.LicenseKey),
		HardwareID: strings.TrimSpace(req.HardwareID),
		IPAddress:  remoteIP(r),
		ObservedAt: h.Engine.Now(),
	})
	if err != nil {
		h.verifyError(w, r, req.LicenseKey, err)
		return
	}

	if !d.Accepted {
		render.Status(r, rejectStatus(d.Reason))
		render.JSON(w, r, VerifyResponse{Message: d.Message()})
		return
	}

	lic := d.License
	days := d.DaysRemaining
	count := d.Binding.AccessCount
	render.JSON(w, r, VerifyResponse{
		Valid:             true,
		Message:           d.Message(),
		LicenseKey:        lic.Key,
		CustomerName:      lic.CustomerName,
		CustomerEmail:     lic.CustomerEmail,
		PlanType:          lic.PlanType,
		SubscriptionType:  string(lic.PeriodKind),
		ExpiryDate:        isoTime(lic.ExpiresAt),
		ActivationDate:    isoTime(lic.ActivatedAt),
		DaysRemaining:     &days,
		HardwareID:        d.Binding.HardwareID,
		VerificationCount: &count,
	})
}

// Deactivate handles /api/deactivate-license. Unknown keys and devices still
// report success.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if errs := decodeAndValidate(r, &req); errs != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, DeactivateResponse{Message: req.badRequestMessage()})
		return
	}

	err := h.Engine.Deactivate(r.Context(), strings.TrimSpace(req.LicenseKey), strings.TrimSpace(req.HardwareID))
	if err != nil {
		resp := DeactivateResponse{Message: "Deactivation failed"}
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, license.ErrInvalidInput):
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, DeactivateResponse{Message: inputMessage(err)})
			return
		case license.IsTransient(err):
			status = http.StatusServiceUnavailable
			resp.Retry = true
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		log.Error().Err(err).Str("license_key", license.MaskKey(req.LicenseKey)).Msg("deactivation failed")
		render.Status(r, status)
		render.JSON(w, r, resp)
		return
	}
	render.JSON(w, r, DeactivateResponse{Success: true, Message: "License deactivated"})
}

func (h *LicenseHandler) verifyError(w http.ResponseWriter, r *http.Request, key string, err error) {
	resp := VerifyResponse{Message: "Verification failed"}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, license.ErrInvalidInput):
		status = http.StatusBadRequest
		resp.Message = inputMessage(err)
	case license.IsTransient(err):
		status = http.StatusServiceUnavailable
		resp.Message = "License service temporarily unavailable, please retry"
		resp.Retry = true
		w.Header().Set("Retry-After", retryAfterSeconds)
		log.Warn().Err(err).Str("license_key", license.MaskKey(key)).Msg("verification deferred")
	default:
		log.Error().Err(err).Str("license_key", license.MaskKey(key)).Msg("verification failed")
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func inputMessage(err error) string {
	if errors.Is(err, license.ErrInputTooLong) {
		return msgFieldsTooLong
	}
	return msgMissingFields
}

func rejectStatus(reason license.RejectReason) int {
	if reason == license.ReasonUnknownKey {
		return http.StatusNotFound
	}
	return http.StatusForbidden
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// remoteIP expects chi's RealIP to have rewritten RemoteAddr already.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
