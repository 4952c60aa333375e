package session_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-license/internal/session"
)

func newManager(t *testing.T) (*session.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return session.NewManager(client), mr
}

func TestLockout_AfterThreshold(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.LockoutThreshold-1; i++ {
		require.NoError(t, m.RecordFailedAttempt(ctx, "admin"))
	}
	locked, err := m.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, m.RecordFailedAttempt(ctx, "admin"))
	locked, err = m.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, locked)

	mr.FastForward(session.LockoutTTL)
	locked, err = m.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockout_ClearFailures(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.LockoutThreshold-1; i++ {
		require.NoError(t, m.RecordFailedAttempt(ctx, "admin"))
	}
	require.NoError(t, m.ClearFailures(ctx, "admin"))
	require.NoError(t, m.RecordFailedAttempt(ctx, "admin"))

	locked, err := m.CheckLockout(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSessions_BoundedPerAdmin(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.MaxSessionsPerAdmin+2; i++ {
		require.NoError(t, m.CreateSession(ctx, "a1", fmt.Sprintf("s%d", i)))
	}
	members, err := mr.ZMembers("admin_sessions:a1")
	require.NoError(t, err)
	assert.Len(t, members, session.MaxSessionsPerAdmin)

	require.NoError(t, m.RevokeSession(ctx, members[0]))
	ok, err := m.SessionActive(ctx, "a1", members[0])
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.RevokeAllSessions(ctx, "a1"))
	ok, err = m.SessionActive(ctx, "a1", members[1])
	require.NoError(t, err)
	assert.False(t, ok)
}
