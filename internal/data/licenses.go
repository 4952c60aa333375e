package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/technosupport/ts-license/internal/license"
)

const licenseColumns = `id, license_key, customer_name, customer_email, product_name, plan_type,
	subscription_type, activation_date, expiry_date, max_devices, max_users, is_active, notes,
	created_at, updated_at`

type LicenseModel struct {
	DB TxDB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var l license.License
	var period string
	err := row.Scan(
		&l.ID, &l.Key, &l.CustomerName, &l.CustomerEmail, &l.ProductName, &l.PlanType,
		&period, &l.ActivatedAt, &l.ExpiresAt, &l.MaxDevices, &l.MaxUsers, &l.Active, &l.Notes,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.PeriodKind = license.PeriodKind(period)
	return &l, nil
}

func (m LicenseModel) GetByKey(ctx context.Context, key string) (*license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`
	l, err := scanLicense(m.DB.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, classify("get license", err)
	}
	return l, nil
}

// Create inserts a license. A duplicate key surfaces as license.ErrConflict.
func (m LicenseModel) Create(ctx context.Context, l *license.License) error {
	query := `
		INSERT INTO licenses (
			license_key, customer_name, customer_email, product_name, plan_type, subscription_type,
			activation_date, expiry_date, max_devices, max_users, is_active, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		l.Key, l.CustomerName, l.CustomerEmail, l.ProductName, l.PlanType, string(l.PeriodKind),
		l.ActivatedAt, l.ExpiresAt, l.MaxDevices, l.MaxUsers, l.Active, l.Notes,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	return classify("create license", err)
}

// Save writes the mutable attributes of an existing license.
func (m LicenseModel) Save(ctx context.Context, l *license.License) error {
	query := `
		UPDATE licenses
		SET customer_name = $1, customer_email = $2, product_name = $3, plan_type = $4,
			subscription_type = $5, expiry_date = $6, max_devices = $7, max_users = $8,
			is_active = $9, notes = $10, updated_at = NOW()
		WHERE license_key = $11
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		l.CustomerName, l.CustomerEmail, l.ProductName, l.PlanType,
		string(l.PeriodKind), l.ExpiresAt, l.MaxDevices, l.MaxUsers,
		l.Active, l.Notes, l.Key,
	).Scan(&l.UpdatedAt)
	return classify("save license", err)
}

// SaveRenewal updates expiry and appends to renewal_logs in one transaction.
func (m LicenseModel) SaveRenewal(ctx context.Context, l *license.License, e *license.RenewalEntry) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin renewal", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE licenses
		SET expiry_date = $1, subscription_type = $2, updated_at = NOW()
		WHERE license_key = $3
		RETURNING updated_at`,
		l.ExpiresAt, string(l.PeriodKind), l.Key,
	).Scan(&l.UpdatedAt)
	if err != nil {
		return classify("renew license", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO renewal_logs (id, license_key, subscription_type, old_expiry, new_expiry, reason, renewed_by, renewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.LicenseKey, string(e.PeriodKind), e.OldExpiry, e.NewExpiry, e.Reason, e.RenewedBy, e.RenewedAt,
	)
	if err != nil {
		return classify("append renewal", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("commit renewal", err)
	}
	return nil
}

func (m LicenseModel) ListRenewals(ctx context.Context, key string) ([]*license.RenewalEntry, error) {
	query := `
		SELECT id, license_key, subscription_type, old_expiry, new_expiry, reason, renewed_by, renewed_at
		FROM renewal_logs
		WHERE license_key = $1
		ORDER BY renewed_at ASC`
	rows, err := m.DB.QueryContext(ctx, query, key)
	if err != nil {
		return nil, classify("list renewals", err)
	}
	defer rows.Close()

	out := []*license.RenewalEntry{}
	for rows.Next() {
		var e license.RenewalEntry
		var period string
		if err := rows.Scan(&e.ID, &e.LicenseKey, &period, &e.OldExpiry, &e.NewExpiry, &e.Reason, &e.RenewedBy, &e.RenewedAt); err != nil {
			return nil, classify("scan renewal", err)
		}
		e.PeriodKind = license.PeriodKind(period)
		out = append(out, &e)
	}
	return out, classify("list renewals", rows.Err())
}

func (m LicenseModel) List(ctx context.Context, f license.ListFilter) ([]*license.License, error) {
	var (
		where []string
		args  []any
	)
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}

	q := `SELECT ` + licenseColumns + ` FROM licenses`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := m.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list licenses", err)
	}
	defer rows.Close()

	out := []*license.License{}
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, errors.Wrap(classify("scan license", err), "list licenses")
		}
		out = append(out, l)
	}
	return out, classify("list licenses", rows.Err())
}
