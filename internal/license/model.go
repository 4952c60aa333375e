package license

import (
	"time"

	"github.com/google/uuid"
)

// Column widths of the identifiers clients send.
const (
	MaxKeyLength        = 100
	MaxHardwareIDLength = 200
)

// License is one purchased entitlement. ExpiresAt is always derived from
// PeriodKind and a start or renewal time, never taken from a client.
type License struct {
	ID            int64
	Key           string
	CustomerName  string // PII - Do not log
	CustomerEmail string // PII - Do not log
	ProductName   string
	PlanType      string
	PeriodKind    PeriodKind
	ActivatedAt   time.Time
	ExpiresAt     time.Time
	MaxDevices    int
	MaxUsers      int
	Active        bool
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExpiredAt reports whether the license is expired at t. Expiry is inclusive.
func (l *License) ExpiredAt(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}

// DaysRemaining returns whole days left at t, floored and never negative.
func (l *License) DaysRemaining(t time.Time) int {
	d := l.ExpiresAt.Sub(t)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// Binding associates one hardware id with one license.
type Binding struct {
	ID          uuid.UUID
	LicenseKey  string
	HardwareID  string
	IPAddress   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	AccessCount int
	Active      bool
}

// RenewalEntry is an append-only record of an expiry change.
type RenewalEntry struct {
	ID         uuid.UUID
	LicenseKey string
	PeriodKind PeriodKind
	OldExpiry  time.Time
	NewExpiry  time.Time
	Reason     string
	RenewedBy  string
	RenewedAt  time.Time
}

// ListFilter narrows admin listings.
type ListFilter struct {
	Active *bool
	Limit  int
	Offset int
}
