package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-license/internal/auth"
)

func TestRedisBlacklist(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bl := auth.NewRedisBlacklist(rdb)
	ctx := context.Background()

	if err := bl.AddToBlacklist(ctx, "jti-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := bl.IsBlacklisted(ctx, "jti-1"); !ok {
		t.Error("jti-1 should be blacklisted")
	}
	if ok, _ := bl.IsBlacklisted(ctx, "jti-2"); ok {
		t.Error("jti-2 should not be blacklisted")
	}

	mr.FastForward(time.Minute)
	if ok, _ := bl.IsBlacklisted(ctx, "jti-1"); ok {
		t.Error("entry should expire with the token")
	}
}
