package data

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/technosupport/ts-license/internal/license"
)

var (
	ErrRecordNotFound = license.ErrNotFound
	ErrDuplicate      = license.ErrConflict
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxDB is a DBTX that can also open transactions.
type TxDB interface {
	DBTX
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const (
	pgUniqueViolation = "23505"

	pgClassDataException       pq.ErrorClass = "22"
	pgClassIntegrityConstraint pq.ErrorClass = "23"
)

// classify maps driver errors onto the license error taxonomy:
// no rows -> NotFound, unique violation -> Conflict, other data and constraint
// errors -> InvalidInput, anything else -> Transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(license.ErrNotFound, op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pgUniqueViolation:
			return &license.StoreError{Op: op, Kind: license.ErrConflict, Err: err}
		case pqErr.Code.Class() == pgClassDataException, pqErr.Code.Class() == pgClassIntegrityConstraint:
			return &license.StoreError{Op: op, Kind: license.ErrInvalidInput, Err: err}
		}
	}
	return license.Transient(op, err)
}

// Models groups the repositories backed by one database handle.
type Models struct {
	Licenses LicenseModel
	Bindings BindingModel
	Admins   AdminModel
}

func NewModels(db *sql.DB) Models {
	return Models{
		Licenses: LicenseModel{DB: db},
		Bindings: BindingModel{DB: db},
		Admins:   AdminModel{DB: db},
	}
}
