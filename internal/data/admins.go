package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Admin struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AdminModel struct {
	DB DBTX
}

func (m AdminModel) GetByUsername(ctx context.Context, username string) (*Admin, error) {
	query := `
		SELECT id, username, email, password_hash, role, is_active, last_login_at, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`
	var a Admin
	err := m.DB.QueryRowContext(ctx, query, username).Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.IsActive, &a.LastLoginAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, classify("get admin", err)
	}
	return &a, nil
}

// Create inserts a new admin. A taken username surfaces as ErrDuplicate.
func (m AdminModel) Create(ctx context.Context, a *Admin) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO admin_users (id, username, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := m.DB.QueryRowContext(ctx, query, a.ID, a.Username, a.Email, a.PasswordHash, a.Role, a.IsActive).Scan(
		&a.CreatedAt, &a.UpdatedAt,
	)
	return classify("create admin", err)
}

// RecordLogin stamps the login time and optionally swaps in an upgraded hash.
func (m AdminModel) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, newHash string) error {
	query := `
		UPDATE admin_users
		SET last_login_at = $1,
			password_hash = COALESCE(NULLIF($2, ''), password_hash),
			updated_at = NOW()
		WHERE id = $3
	`
	res, err := m.DB.ExecContext(ctx, query, at, newHash, id)
	if err != nil {
		return classify("record login", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
