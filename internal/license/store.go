package license

import (
	"context"
	"time"
)

// LicenseStore persists licenses and their renewal history.
// Missing records return ErrNotFound, connectivity failures ErrTransient.
type LicenseStore interface {
	GetByKey(ctx context.Context, key string) (*License, error)
	// Create fails with ErrConflict when the key already exists.
	Create(ctx context.Context, l *License) error
	Save(ctx context.Context, l *License) error
	// SaveRenewal stores the new expiry and appends the entry atomically.
	SaveRenewal(ctx context.Context, l *License, entry *RenewalEntry) error
	ListRenewals(ctx context.Context, key string) ([]*RenewalEntry, error)
	List(ctx context.Context, f ListFilter) ([]*License, error)
}

// BindingLedger persists device bindings. Bindings are never hard-deleted.
type BindingLedger interface {
	FindBinding(ctx context.Context, licenseKey, hardwareID string) (*Binding, error)
	CountActive(ctx context.Context, licenseKey string) (int, error)
	// Insert fails with ErrConflict when (licenseKey, hardwareID) already exists.
	Insert(ctx context.Context, b *Binding) error
	Update(ctx context.Context, b *Binding) error
	// Touch records a re-validation of an active binding in one write:
	// last seen moves to seenAt and the access count is incremented.
	// Returns ErrNotFound when no active binding matches.
	Touch(ctx context.Context, licenseKey, hardwareID string, seenAt time.Time) (*Binding, error)
	ListBindings(ctx context.Context, licenseKey string) ([]*Binding, error)
}

// LicenseLockingLedger is a BindingLedger that can hold a storage-level lock on
// one license for the duration of fn. fn must do all its work through the
// ledger it is given. The device limit then holds even against writers that do
// not share the engine's Locker.
type LicenseLockingLedger interface {
	BindingLedger
	WithLicenseLocked(ctx context.Context, licenseKey string, fn func(BindingLedger) error) error
}

// EventType names a lifecycle event emitted by the engine.
type EventType string

const (
	EventLicenseIssued     EventType = "license.issued"
	EventLicenseRenewed    EventType = "license.renewed"
	EventLicenseRevoked    EventType = "license.revoked"
	EventLicenseReinstated EventType = "license.reinstated"
	EventDeviceActivated   EventType = "device.activated"
	EventDeviceRevalidated EventType = "device.revalidated"
	EventDeviceReactivated EventType = "device.reactivated"
	EventDeviceDeactivated EventType = "device.deactivated"
	EventVerifyRejected    EventType = "verification.rejected"
)

// Event is a copy of what changed, handed to recorders after the store write succeeded.
type Event struct {
	Type       EventType      `json:"type"`
	LicenseKey string         `json:"license_key"`
	HardwareID string         `json:"hardware_id,omitempty"`
	Reason     RejectReason   `json:"reason,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Recorder observes engine events. Implementations must not block on slow I/O.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// Recorders fans an event out to several recorders in order.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, evt Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(ctx, evt)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
