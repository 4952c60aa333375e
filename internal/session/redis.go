package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	MaxSessionsPerAdmin = 5
	SessionTTL          = 12 * time.Hour // Matches admin token lifetime
	LockoutTTL          = 15 * time.Minute
	LockoutThreshold    = 5
)

// Manager tracks admin console sessions and failed-login lockouts in Redis.
type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// CreateSession registers a new session and enforces MaxSessionsPerAdmin
func (m *Manager) CreateSession(ctx context.Context, adminID, sessionID string) error {
	adminKey := fmt.Sprintf("admin_sessions:%s", adminID)
	sessionKey := fmt.Sprintf("admin_session:%s", sessionID)

	pipe := m.client.Pipeline()

	now := float64(time.Now().Unix())
	pipe.ZAdd(ctx, adminKey, redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, adminKey, SessionTTL)

	pipe.HSet(ctx, sessionKey, "admin_id", adminID, "created_at", now)
	pipe.Expire(ctx, sessionKey, SessionTTL)

	// Keep the newest N: remove ranks 0 .. -(N+1).
	pipe.ZRemRangeByRank(ctx, adminKey, 0, int64(-1*(MaxSessionsPerAdmin+1)))

	_, err := pipe.Exec(ctx)
	return err
}

// SessionActive reports whether sessionID is still listed for its admin.
func (m *Manager) SessionActive(ctx context.Context, adminID, sessionID string) (bool, error) {
	_, err := m.client.ZScore(ctx, fmt.Sprintf("admin_sessions:%s", adminID), sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	sessionKey := fmt.Sprintf("admin_session:%s", sessionID)

	adminID, err := m.client.HGet(ctx, sessionKey, "admin_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, sessionKey)
	if adminID != "" {
		pipe.ZRem(ctx, fmt.Sprintf("admin_sessions:%s", adminID), sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (m *Manager) RevokeAllSessions(ctx context.Context, adminID string) error {
	adminKey := fmt.Sprintf("admin_sessions:%s", adminID)

	sessionIDs, err := m.client.ZRange(ctx, adminKey, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, adminKey)
	for _, sid := range sessionIDs {
		pipe.Del(ctx, fmt.Sprintf("admin_session:%s", sid))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// CheckLockout returns true if the username is locked out
func (m *Manager) CheckLockout(ctx context.Context, username string) (bool, error) {
	val, err := m.client.Get(ctx, "lockout:"+username).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "locked", nil
}

// RecordFailedAttempt increments the failure count and locks once the threshold is reached.
func (m *Manager) RecordFailedAttempt(ctx context.Context, username string) error {
	key := "lockout_count:" + username
	count, err := m.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}

	// Window starts at the first failure.
	if count == 1 {
		if err := m.client.Expire(ctx, key, LockoutTTL).Err(); err != nil {
			return err
		}
	}

	if count >= LockoutThreshold {
		pipe := m.client.TxPipeline()
		pipe.Set(ctx, "lockout:"+username, "locked", LockoutTTL)
		pipe.Del(ctx, key)
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

// ClearFailures resets the counter after a successful login.
func (m *Manager) ClearFailures(ctx context.Context, username string) error {
	return m.client.Del(ctx, "lockout_count:"+username).Err()
}
