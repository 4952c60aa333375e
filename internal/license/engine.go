package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ReactivationPolicy decides what happens when a deactivated binding verifies again.
type ReactivationPolicy string

const (
	// ReactivateWithinQuota treats the device like a new one: it regains its slot
	// only if the license has a free slot.
	ReactivateWithinQuota ReactivationPolicy = "quota"
	// RejectDeactivated answers Deactivated until an administrator intervenes.
	RejectDeactivated ReactivationPolicy = "reject"
)

func (p ReactivationPolicy) Valid() bool {
	return p == ReactivateWithinQuota || p == RejectDeactivated
}

const (
	DefaultProduct    = "GTMS"
	DefaultPlan       = "Standard"
	DefaultMaxDevices = 3
	DefaultMaxUsers   = 5

	defaultKeyAttempts = 5
	systemActor        = "system"
)

type Config struct {
	Reactivation      ReactivationPolicy
	MaxKeyAttempts    int
	DefaultProduct    string
	DefaultPlan       string
	DefaultMaxDevices int
	DefaultMaxUsers   int
}

// Deps are the collaborators of the engine. Nil optional fields get defaults:
// an in-process KeyedMutex, crypto/rand keys, the system clock and no recorder.
type Deps struct {
	Licenses LicenseStore
	Bindings BindingLedger
	Locker   Locker
	Keys     KeyGenerator
	Clock    Clock
	Recorder Recorder
}

// Engine decides activations and applies license lifecycle changes.
// It holds no mutable state; all state lives in the stores.
type Engine struct {
	licenses LicenseStore
	bindings BindingLedger
	locker   Locker
	keys     KeyGenerator
	clock    Clock
	recorder Recorder
	cfg      Config
}

func NewEngine(d Deps, cfg Config) *Engine {
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Keys == nil {
		d.Keys = NewRandomKeyGenerator(DefaultProduct)
	}
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if !cfg.Reactivation.Valid() {
		cfg.Reactivation = ReactivateWithinQuota
	}
	if cfg.MaxKeyAttempts <= 0 {
		cfg.MaxKeyAttempts = defaultKeyAttempts
	}
	if cfg.DefaultProduct == "" {
		cfg.DefaultProduct = DefaultProduct
	}
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = DefaultPlan
	}
	if cfg.DefaultMaxDevices <= 0 {
		cfg.DefaultMaxDevices = DefaultMaxDevices
	}
	if cfg.DefaultMaxUsers <= 0 {
		cfg.DefaultMaxUsers = DefaultMaxUsers
	}
	return &Engine{
		licenses: d.Licenses,
		bindings: d.Bindings,
		locker:   d.Locker,
		keys:     d.Keys,
		clock:    d.Clock,
		recorder: d.Recorder,
		cfg:      cfg,
	}
}

// Now exposes the engine clock to adapters that must supply observedAt.
func (e *Engine) Now() time.Time { return e.clock.Now() }

type actorKey struct{}

// WithActor tags lifecycle changes made with ctx (admin username, "cli", ...).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return systemActor
}

// VerifyRequest carries an activation attempt. IPAddress is stored on new bindings only.
type VerifyRequest struct {
	LicenseKey string
	HardwareID string
	IPAddress  string
	ObservedAt time.Time
}

// Verify decides whether hardwareID may use licenseKey at observedAt.
func (e *Engine) Verify(ctx context.Context, licenseKey, hardwareID string, observedAt time.Time) (Decision, error) {
	return e.VerifyDevice(ctx, VerifyRequest{LicenseKey: licenseKey, HardwareID: hardwareID, ObservedAt: observedAt})
}

// VerifyDevice runs the checks in a fixed order: unknown key, deactivated,
// expired, then binding lookup. Exactly one ledger write happens on acceptance
// and none on rejection; the license itself is never modified.
func (e *Engine) VerifyDevice(ctx context.Context, req VerifyRequest) (Decision, error) {
	if err := checkDeviceInput(req.LicenseKey, req.HardwareID); err != nil {
		return Decision{}, err
	}

	lic, err := e.licenses.GetByKey(ctx, req.LicenseKey)
	if errors.Is(err, ErrNotFound) {
		return e.reject(ctx, req, nil, ReasonUnknownKey), nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !lic.Active {
		return e.reject(ctx, req, lic, ReasonDeactivated), nil
	}
	if lic.ExpiredAt(req.ObservedAt) {
		return e.reject(ctx, req, lic, ReasonExpired), nil
	}

	b, err := e.bindings.FindBinding(ctx, lic.Key, req.HardwareID)
	switch {
	case err == nil && b.Active:
		return e.revalidate(ctx, req, lic)
	case err == nil:
		if e.cfg.Reactivation == RejectDeactivated {
			return e.reject(ctx, req, lic, ReasonDeactivated), nil
		}
		return e.claimSlot(ctx, req, lic)
	case errors.Is(err, ErrNotFound):
		return e.claimSlot(ctx, req, lic)
	default:
		return Decision{}, err
	}
}

func checkDeviceInput(licenseKey, hardwareID string) error {
	switch {
	case licenseKey == "" || hardwareID == "":
		return fmt.Errorf("%w: license key and hardware id are required", ErrInvalidInput)
	case utf8.RuneCountInString(licenseKey) > MaxKeyLength:
		return fmt.Errorf("%w: license key exceeds %d characters", ErrInputTooLong, MaxKeyLength)
	case utf8.RuneCountInString(hardwareID) > MaxHardwareIDLength:
		return fmt.Errorf("%w: hardware id exceeds %d characters", ErrInputTooLong, MaxHardwareIDLength)
	}
	return nil
}

// revalidate does not need the per-key lock: it never changes the active count.
func (e *Engine) revalidate(ctx context.Context, req VerifyRequest, lic *License) (Decision, error) {
	d, ok, err := e.touch(ctx, req, lic)
	if err != nil || ok {
		return d, err
	}
	// Deactivated between lookup and touch.
	if e.cfg.Reactivation == RejectDeactivated {
		return e.reject(ctx, req, lic, ReasonDeactivated), nil
	}
	return e.claimSlot(ctx, req, lic)
}

// touch reports ok=false when no active binding was left to update.
func (e *Engine) touch(ctx context.Context, req VerifyRequest, lic *License) (Decision, bool, error) {
	b, err := e.bindings.Touch(ctx, lic.Key, req.HardwareID, req.ObservedAt)
	if errors.Is(err, ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	e.emit(ctx, Event{Type: EventDeviceRevalidated, LicenseKey: lic.Key, HardwareID: b.HardwareID, OccurredAt: req.ObservedAt})
	return e.accept(lic, b, req.ObservedAt, false), true, nil
}

// claimSlot runs the count-check-and-write for a device without an active binding
// under the license key lock, and inside the ledger's own license lock when it
// has one.
func (e *Engine) claimSlot(ctx context.Context, req VerifyRequest, lic *License) (Decision, error) {
	unlock, err := e.locker.Lock(ctx, lic.Key)
	if err != nil {
		return Decision{}, fmt.Errorf("lock license: %w", err)
	}
	defer unlock()

	var (
		d   Decision
		evt Event
	)
	claim := func(ledger BindingLedger) error {
		var err error
		d, evt, err = e.claimSlotIn(ctx, ledger, req, lic)
		return err
	}
	if ll, ok := e.bindings.(LicenseLockingLedger); ok {
		err = ll.WithLicenseLocked(ctx, lic.Key, claim)
	} else {
		err = claim(e.bindings)
	}
	if err != nil {
		return Decision{}, err
	}
	// Emitted only once the claim is durable.
	e.emit(ctx, evt)
	return d, nil
}

func (e *Engine) claimSlotIn(ctx context.Context, ledger BindingLedger, req VerifyRequest, lic *License) (Decision, Event, error) {
	// Another caller may have bound or reactivated this device while we waited.
	existing, err := ledger.FindBinding(ctx, lic.Key, req.HardwareID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Decision{}, Event{}, err
	}
	if existing != nil && existing.Active {
		b, err := ledger.Touch(ctx, lic.Key, req.HardwareID, req.ObservedAt)
		switch {
		case err == nil:
			evt := Event{Type: EventDeviceRevalidated, LicenseKey: lic.Key, HardwareID: b.HardwareID, OccurredAt: req.ObservedAt}
			return e.accept(lic, b, req.ObservedAt, false), evt, nil
		case !errors.Is(err, ErrNotFound):
			return Decision{}, Event{}, err
		}
		existing.Active = false
	}
	if existing != nil && e.cfg.Reactivation == RejectDeactivated {
		d, evt := rejection(req, lic, ReasonDeactivated)
		return d, evt, nil
	}

	count, err := ledger.CountActive(ctx, lic.Key)
	if err != nil {
		return Decision{}, Event{}, err
	}
	if count >= lic.MaxDevices {
		d, evt := rejection(req, lic, ReasonDeviceLimitReached)
		return d, evt, nil
	}

	if existing != nil {
		existing.Active = true
		existing.LastSeenAt = req.ObservedAt
		existing.AccessCount++
		if err := ledger.Update(ctx, existing); err != nil {
			return Decision{}, Event{}, err
		}
		evt := Event{Type: EventDeviceReactivated, LicenseKey: lic.Key, HardwareID: existing.HardwareID, OccurredAt: req.ObservedAt}
		return e.accept(lic, existing, req.ObservedAt, false), evt, nil
	}

	b := &Binding{
		ID:          uuid.New(),
		LicenseKey:  lic.Key,
		HardwareID:  req.HardwareID,
		IPAddress:   req.IPAddress,
		FirstSeenAt: req.ObservedAt,
		LastSeenAt:  req.ObservedAt,
		AccessCount: 1,
		Active:      true,
	}
	if err := ledger.Insert(ctx, b); err != nil {
		if errors.Is(err, ErrConflict) {
			// Only possible when another process bound the device without sharing our lock.
			return Decision{}, Event{}, Transient("insert binding", err)
		}
		return Decision{}, Event{}, err
	}
	evt := Event{
		Type:       EventDeviceActivated,
		LicenseKey: lic.Key,
		HardwareID: b.HardwareID,
		OccurredAt: req.ObservedAt,
		Detail:     map[string]any{"active_devices": count + 1, "max_devices": lic.MaxDevices},
	}
	return e.accept(lic, b, req.ObservedAt, true), evt, nil
}

func (e *Engine) accept(lic *License, b *Binding, at time.Time, first bool) Decision {
	return Decision{
		Accepted:        true,
		License:         lic,
		Binding:         b,
		DaysRemaining:   lic.DaysRemaining(at),
		FirstActivation: first,
	}
}

func (e *Engine) reject(ctx context.Context, req VerifyRequest, lic *License, reason RejectReason) Decision {
	d, evt := rejection(req, lic, reason)
	e.emit(ctx, evt)
	return d
}

func rejection(req VerifyRequest, lic *License, reason RejectReason) (Decision, Event) {
	evt := Event{
		Type:       EventVerifyRejected,
		LicenseKey: req.LicenseKey,
		HardwareID: req.HardwareID,
		Reason:     reason,
		OccurredAt: req.ObservedAt,
	}
	return Decision{Reason: reason, License: lic}, evt
}

// Deactivate frees the device slot held by hardwareID. Unknown licenses and
// bindings are a successful no-op; so is an already inactive binding.
func (e *Engine) Deactivate(ctx context.Context, licenseKey, hardwareID string) error {
	if err := checkDeviceInput(licenseKey, hardwareID); err != nil {
		return err
	}
	lic, err := e.licenses.GetByKey(ctx, licenseKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b, err := e.bindings.FindBinding(ctx, lic.Key, hardwareID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !b.Active {
		return nil
	}

	b.Active = false
	if err := e.bindings.Update(ctx, b); err != nil {
		return err
	}
	e.emit(ctx, Event{
		Type:       EventDeviceDeactivated,
		LicenseKey: lic.Key,
		HardwareID: b.HardwareID,
		Actor:      ActorFrom(ctx),
		OccurredAt: e.clock.Now(),
	})
	return nil
}

type IssueRequest struct {
	CustomerName  string
	CustomerEmail string
	ProductName   string
	PlanType      string
	Period        PeriodKind
	MaxDevices    int
	MaxUsers      int
	StartAt       time.Time
	Notes         string
}

// IssueLicense creates a license with a fresh key. Key collisions are retried.
func (e *Engine) IssueLicense(ctx context.Context, req IssueRequest) (*License, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.CustomerName == "" {
		return nil, fmt.Errorf("%w: customer name is required", ErrInvalidInput)
	}
	if req.MaxDevices < 0 || req.MaxUsers < 0 {
		return nil, fmt.Errorf("%w: quotas must not be negative", ErrInvalidInput)
	}
	if req.MaxDevices == 0 {
		req.MaxDevices = e.cfg.DefaultMaxDevices
	}
	if req.MaxUsers == 0 {
		req.MaxUsers = e.cfg.DefaultMaxUsers
	}
	if req.ProductName == "" {
		req.ProductName = e.cfg.DefaultProduct
	}
	if req.PlanType == "" {
		req.PlanType = e.cfg.DefaultPlan
	}

	now := e.clock.Now()
	start := req.StartAt
	if start.IsZero() {
		start = now
	}
	expiry, err := req.Period.ExpiryFrom(start)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= e.cfg.MaxKeyAttempts; attempt++ {
		key, err := e.keys.NewKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		lic := &License{
			Key:           key,
			CustomerName:  req.CustomerName,
			CustomerEmail: strings.TrimSpace(req.CustomerEmail),
			ProductName:   req.ProductName,
			PlanType:      req.PlanType,
			PeriodKind:    req.Period,
			ActivatedAt:   start,
			ExpiresAt:     expiry,
			MaxDevices:    req.MaxDevices,
			MaxUsers:      req.MaxUsers,
			Active:        true,
			Notes:         req.Notes,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = e.licenses.Create(ctx, lic)
		if errors.Is(err, ErrConflict) {
			log.Warn().Int("attempt", attempt).Msg("license key collision, regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}

		e.emit(ctx, Event{
			Type:       EventLicenseIssued,
			LicenseKey: lic.Key,
			Actor:      ActorFrom(ctx),
			OccurredAt: now,
			Detail: map[string]any{
				"period":      string(lic.PeriodKind),
				"max_devices": lic.MaxDevices,
				"expires_at":  lic.ExpiresAt,
			},
		})
		return lic, nil
	}
	return nil, fmt.Errorf("issue license: no unique key after %d attempts: %w", e.cfg.MaxKeyAttempts, ErrConflict)
}

type RenewRequest struct {
	LicenseKey string
	Period     PeriodKind
	RenewedAt  time.Time
	Reason     string
}

// RenewLicense pushes expiry to max(current expiry, renewedAt) + period and
// appends a renewal entry. The active flag is left untouched.
func (e *Engine) RenewLicense(ctx context.Context, req RenewRequest) (*License, *RenewalEntry, error) {
	if _, err := req.Period.Duration(); err != nil {
		return nil, nil, err
	}
	if req.RenewedAt.IsZero() {
		req.RenewedAt = e.clock.Now()
	}
	if req.Reason == "" {
		req.Reason = "license_renewal"
	}

	unlock, err := e.locker.Lock(ctx, req.LicenseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("lock license: %w", err)
	}
	defer unlock()

	lic, err := e.licenses.GetByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, nil, err
	}

	newExpiry, err := req.Period.RenewedExpiry(lic.ExpiresAt, req.RenewedAt)
	if err != nil {
		return nil, nil, err
	}
	entry := &RenewalEntry{
		ID:         uuid.New(),
		LicenseKey: lic.Key,
		PeriodKind: req.Period,
		OldExpiry:  lic.ExpiresAt,
		NewExpiry:  newExpiry,
		Reason:     req.Reason,
		RenewedBy:  ActorFrom(ctx),
		RenewedAt:  req.RenewedAt,
	}

	lic.ExpiresAt = newExpiry
	lic.PeriodKind = req.Period
	lic.UpdatedAt = e.clock.Now()
	if err := e.licenses.SaveRenewal(ctx, lic, entry); err != nil {
		return nil, nil, err
	}

	e.emit(ctx, Event{
		Type:       EventLicenseRenewed,
		LicenseKey: lic.Key,
		Actor:      entry.RenewedBy,
		OccurredAt: req.RenewedAt,
		Detail: map[string]any{
			"old_expiry": entry.OldExpiry,
			"new_expiry": entry.NewExpiry,
			"reason":     entry.Reason,
		},
	})
	return lic, entry, nil
}

// RevokeLicense deactivates the license; every later Verify is rejected.
func (e *Engine) RevokeLicense(ctx context.Context, licenseKey string) (*License, error) {
	return e.setActive(ctx, licenseKey, false)
}

func (e *Engine) ReinstateLicense(ctx context.Context, licenseKey string) (*License, error) {
	return e.setActive(ctx, licenseKey, true)
}

func (e *Engine) setActive(ctx context.Context, licenseKey string, active bool) (*License, error) {
	unlock, err := e.locker.Lock(ctx, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("lock license: %w", err)
	}
	defer unlock()

	lic, err := e.licenses.GetByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	if lic.Active == active {
		return lic, nil
	}

	lic.Active = active
	lic.UpdatedAt = e.clock.Now()
	if err := e.licenses.Save(ctx, lic); err != nil {
		return nil, err
	}

	evt := EventLicenseRevoked
	if active {
		evt = EventLicenseReinstated
	}
	e.emit(ctx, Event{Type: evt, LicenseKey: lic.Key, Actor: ActorFrom(ctx), OccurredAt: lic.UpdatedAt})
	return lic, nil
}

// Inspection is the read-only admin view of one license.
type Inspection struct {
	License  *License
	Bindings []*Binding
	Renewals []*RenewalEntry
}

func (e *Engine) Inspect(ctx context.Context, licenseKey string) (*Inspection, error) {
	lic, err := e.licenses.GetByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	bindings, err := e.bindings.ListBindings(ctx, lic.Key)
	if err != nil {
		return nil, err
	}
	renewals, err := e.licenses.ListRenewals(ctx, lic.Key)
	if err != nil {
		return nil, err
	}
	return &Inspection{License: lic, Bindings: bindings, Renewals: renewals}, nil
}

func (e *Engine) List(ctx context.Context, f ListFilter) ([]*License, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.licenses.List(ctx, f)
}

func (e *Engine) emit(ctx context.Context, evt Event) {
	if evt.Actor == "" {
		if a, ok := ctx.Value(actorKey{}).(string); ok {
			evt.Actor = a
		}
	}
	e.recorder.Record(ctx, evt)
}
