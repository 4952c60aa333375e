// Package redislock serializes per-license work across server instances.
package redislock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

var ErrLockTimeout = errors.New("lock wait timed out")

const defaultTTL = 10 * time.Second

// Only the holder's token may release the key.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Only the holder's token may extend the lease.
var extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// New returns a Locker whose leases expire after ttl unless renewed. A held
// lock renews its lease every ttl/3 until unlocked. Lock gives up after wait.
func New(client *redis.Client, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{
		client: client,
		prefix: "license_lock:",
		ttl:    ttl,
		wait:   wait,
		retry:  10 * time.Millisecond,
	}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	name := l.prefix + key

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, license.Transient("acquire lock", ErrLockTimeout)
			}
			return nil, license.Transient("acquire lock", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, license.Transient("acquire lock", ErrLockTimeout)
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, name, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Released on a fresh context; the caller's may already be cancelled.
			rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
			defer rcancel()
			if err := release.Run(rctx, l.client, []string{name}, token).Err(); err != nil {
				log.Warn().Err(err).Str("license_key", license.MaskKey(key)).Msg("redislock: release failed, lease will expire")
			}
		})
	}, nil
}

// keepAlive renews the lease until stop is closed or the lease is lost.
func (l *Locker) keepAlive(key, name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extend.Run(ctx, l.client, []string{name}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("license_key", license.MaskKey(key)).Msg("redislock: lease renewal failed")
		case n == 0:
			log.Error().Str("license_key", license.MaskKey(key)).Msg("redislock: lease lost while held")
			return
		}
	}
}
