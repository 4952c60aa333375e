package data

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-license/internal/license"
)

// UnknownKeyFilter answers repeated lookups of keys that do not exist from
// memory, so clients retrying a mistyped or guessed key do not reach the
// database on every call. Create evicts the key it inserts.
type UnknownKeyFilter struct {
	license.LicenseStore
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewUnknownKeyFilter(next license.LicenseStore, maxKeys int, ttl time.Duration) (*UnknownKeyFilter, error) {
	c, err := lru.New[string, time.Time](maxKeys)
	if err != nil {
		return nil, err
	}
	return &UnknownKeyFilter{LicenseStore: next, cache: c, ttl: ttl, now: time.Now}, nil
}

func (f *UnknownKeyFilter) GetByKey(ctx context.Context, key string) (*license.License, error) {
	if missAt, ok := f.cache.Get(key); ok {
		if f.now().Sub(missAt) < f.ttl {
			return nil, license.ErrNotFound
		}
		f.cache.Remove(key)
	}

	l, err := f.LicenseStore.GetByKey(ctx, key)
	if errors.Is(err, license.ErrNotFound) {
		f.cache.Add(key, f.now())
	}
	return l, err
}

func (f *UnknownKeyFilter) Create(ctx context.Context, l *license.License) error {
	f.cache.Remove(l.Key)
	return f.LicenseStore.Create(ctx, l)
}

// Len reports how many unknown keys are cached.
func (f *UnknownKeyFilter) Len() int { return f.cache.Len() }
