package data

import (
	"context"
	"time"

	"github.com/technosupport/ts-license/internal/license"
)

const bindingColumns = `id, license_key, hardware_id, ip_address, first_seen_at, last_seen_at, access_count, is_active`

// BindingModel is the device binding ledger. Rows are never deleted.
type BindingModel struct {
	DB DBTX
}

func scanBinding(row rowScanner) (*license.Binding, error) {
	var b license.Binding
	err := row.Scan(&b.ID, &b.LicenseKey, &b.HardwareID, &b.IPAddress, &b.FirstSeenAt, &b.LastSeenAt, &b.AccessCount, &b.Active)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (m BindingModel) FindBinding(ctx context.Context, licenseKey, hardwareID string) (*license.Binding, error) {
	query := `SELECT ` + bindingColumns + ` FROM device_bindings WHERE license_key = $1 AND hardware_id = $2`
	b, err := scanBinding(m.DB.QueryRowContext(ctx, query, licenseKey, hardwareID))
	if err != nil {
		return nil, classify("find binding", err)
	}
	return b, nil
}

func (m BindingModel) CountActive(ctx context.Context, licenseKey string) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_bindings WHERE license_key = $1 AND is_active`,
		licenseKey,
	).Scan(&n)
	if err != nil {
		return 0, classify("count bindings", err)
	}
	return n, nil
}

// Insert relies on UNIQUE (license_key, hardware_id); a duplicate is license.ErrConflict.
func (m BindingModel) Insert(ctx context.Context, b *license.Binding) error {
	query := `
		INSERT INTO device_bindings (id, license_key, hardware_id, ip_address, first_seen_at, last_seen_at, access_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := m.DB.ExecContext(ctx, query,
		b.ID, b.LicenseKey, b.HardwareID, b.IPAddress, b.FirstSeenAt, b.LastSeenAt, b.AccessCount, b.Active,
	)
	return classify("insert binding", err)
}

// Update sets the active flag. Last seen and the counter only move forward so a
// stale copy cannot undo a concurrent Touch.
func (m BindingModel) Update(ctx context.Context, b *license.Binding) error {
	query := `
		UPDATE device_bindings
		SET is_active = $1,
			last_seen_at = GREATEST(last_seen_at, $2),
			access_count = GREATEST(access_count, $3)
		WHERE license_key = $4 AND hardware_id = $5
		RETURNING ` + bindingColumns
	updated, err := scanBinding(m.DB.QueryRowContext(ctx, query, b.Active, b.LastSeenAt, b.AccessCount, b.LicenseKey, b.HardwareID))
	if err != nil {
		return classify("update binding", err)
	}
	*b = *updated
	return nil
}

func (m BindingModel) Touch(ctx context.Context, licenseKey, hardwareID string, seenAt time.Time) (*license.Binding, error) {
	query := `
		UPDATE device_bindings
		SET last_seen_at = $1, access_count = access_count + 1
		WHERE license_key = $2 AND hardware_id = $3 AND is_active
		RETURNING ` + bindingColumns
	b, err := scanBinding(m.DB.QueryRowContext(ctx, query, seenAt, licenseKey, hardwareID))
	if err != nil {
		return nil, classify("touch binding", err)
	}
	return b, nil
}

// WithLicenseLocked runs fn in a transaction holding the licenses row of
// licenseKey FOR UPDATE, so device claims for one license serialize in the
// database regardless of which process or lock the callers use.
func (m BindingModel) WithLicenseLocked(ctx context.Context, licenseKey string, fn func(license.BindingLedger) error) error {
	db, ok := m.DB.(TxDB)
	if !ok {
		// Already inside a transaction.
		return fn(m)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin claim", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM licenses WHERE license_key = $1 FOR UPDATE`, licenseKey).Scan(&id)
	if err != nil {
		return classify("lock license row", err)
	}

	if err := fn(BindingModel{DB: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit claim", err)
	}
	return nil
}

func (m BindingModel) ListBindings(ctx context.Context, licenseKey string) ([]*license.Binding, error) {
	query := `SELECT ` + bindingColumns + ` FROM device_bindings WHERE license_key = $1 ORDER BY first_seen_at ASC`
	rows, err := m.DB.QueryContext(ctx, query, licenseKey)
	if err != nil {
		return nil, classify("list bindings", err)
	}
	defer rows.Close()

	out := []*license.Binding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, classify("scan binding", err)
		}
		out = append(out, b)
	}
	return out, classify("list bindings", rows.Err())
}
