package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/license"
)

// Admins keeps admin accounts in memory, keyed by username.
type Admins struct {
	mu     sync.RWMutex
	byName map[string]*data.Admin
}

func NewAdmins() *Admins {
	return &Admins{byName: make(map[string]*data.Admin)}
}

func (a *Admins) GetByUsername(_ context.Context, username string) (*data.Admin, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	adm, ok := a.byName[username]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *adm
	return &cp, nil
}

func (a *Admins) Create(_ context.Context, adm *data.Admin) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[adm.Username]; ok {
		return license.ErrConflict
	}
	if adm.ID == uuid.Nil {
		adm.ID = uuid.New()
	}
	now := time.Now().UTC()
	adm.CreatedAt, adm.UpdatedAt = now, now
	cp := *adm
	a.byName[adm.Username] = &cp
	return nil
}

func (a *Admins) RecordLogin(_ context.Context, id uuid.UUID, at time.Time, newHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, adm := range a.byName {
		if adm.ID != id {
			continue
		}
		t := at
		adm.LastLoginAt = &t
		if newHash != "" {
			adm.PasswordHash = newHash
		}
		adm.UpdatedAt = time.Now().UTC()
		return nil
	}
	return data.ErrRecordNotFound
}
