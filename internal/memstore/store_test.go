package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/license"
)

func TestStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := &license.License{Key: "GTMS-A", MaxDevices: 1, Active: true}
	require.NoError(t, s.Create(ctx, l))
	assert.Equal(t, int64(1), l.ID)

	l.MaxDevices = 99
	got, err := s.GetByKey(ctx, "GTMS-A")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxDevices, "caller mutation leaked into the store")

	assert.ErrorIs(t, s.Create(ctx, &license.License{Key: "GTMS-A"}), license.ErrConflict)
	_, err = s.GetByKey(ctx, "GTMS-B")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, k := range []string{"A", "B", "C"} {
		require.NoError(t, s.Create(ctx, &license.License{Key: k, Active: k != "B"}))
	}

	all, err := s.List(ctx, license.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C", all[0].Key)

	active := true
	got, err := s.List(ctx, license.ListFilter{Active: &active, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Key)

	got, err = s.List(ctx, license.ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_TouchAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &license.Binding{LicenseKey: "K", HardwareID: "H", FirstSeenAt: t0, LastSeenAt: t0, AccessCount: 1, Active: true}
	require.NoError(t, s.Insert(ctx, b))
	assert.ErrorIs(t, s.Insert(ctx, b), license.ErrConflict)

	stale, err := s.FindBinding(ctx, "K", "H")
	require.NoError(t, err)

	touched, err := s.Touch(ctx, "K", "H", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, touched.AccessCount)

	// A stale copy deactivating the binding must not roll the counter back.
	stale.Active = false
	require.NoError(t, s.Update(ctx, stale))
	assert.Equal(t, 2, stale.AccessCount)
	assert.Equal(t, t0.Add(time.Hour), stale.LastSeenAt)

	_, err = s.Touch(ctx, "K", "H", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, license.ErrNotFound, "inactive bindings are not touched")

	n, err := s.CountActive(ctx, "K")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Fail(t *testing.T) {
	s := New()
	s.Fail = errors.New("disk gone")

	_, err := s.GetByKey(context.Background(), "K")
	assert.True(t, license.IsTransient(err))
}

func TestAdmins(t *testing.T) {
	ctx := context.Background()
	a := NewAdmins()

	adm := &data.Admin{Username: "ops", PasswordHash: "old", Role: "admin", IsActive: true}
	require.NoError(t, a.Create(ctx, adm))
	assert.ErrorIs(t, a.Create(ctx, &data.Admin{Username: "ops"}), license.ErrConflict)

	at := time.Now().UTC()
	require.NoError(t, a.RecordLogin(ctx, adm.ID, at, "new"))
	got, err := a.GetByUsername(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "new", got.PasswordHash)
	require.NotNil(t, got.LastLoginAt)

	_, err = a.GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
}
