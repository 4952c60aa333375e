package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/ratelimit"
)

type countingRecorder struct {
	decisions map[string]int
	redisErrs int
}

func (c *countingRecorder) RecordRateLimit(scope, result string) {
	if c.decisions == nil {
		c.decisions = map[string]int{}
	}
	c.decisions[scope+":"+result]++
}

func (c *countingRecorder) RecordRedisError() { c.redisErrs++ }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
})

func TestRateLimit_GlobalIP(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 2, Window: time.Second},
	}
	rec := &countingRecorder{}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg, rec)

	handler := mw.GlobalLimiter(okHandler)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	// 1. Allow
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// 2. Allow
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// 3. Block
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("Expected remaining 0")
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}

	// Another IP has its own budget.
	other := httptest.NewRequest("GET", "/", nil)
	other.RemoteAddr = "5.6.7.8:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != 200 {
		t.Errorf("Expected 200 for other IP, got %d", w.Code)
	}

	if rec.decisions["ip:blocked"] != 1 || rec.decisions["ip:allowed"] != 3 {
		t.Errorf("unexpected decisions: %v", rec.decisions)
	}
}

func TestRateLimit_WindowResets(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, "salt"),
		middleware.Config{Verify: ratelimit.LimitConfig{Rate: 1, Window: time.Minute}}, nil)
	handler := mw.VerifyLimiter(okHandler)

	req := httptest.NewRequest("POST", "/api/verify-license", nil)
	req.RemoteAddr = "1.2.3.4:1"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Fatalf("Expected 429, got %d", w.Code)
	}

	mr.FastForward(time.Minute)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200 after window, got %d", w.Code)
	}
}

func TestRateLimit_RedisDown_FailOpen(t *testing.T) {
	mr, _ := miniredis.Run()
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	rec := &countingRecorder{}
	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, "salt"),
		middleware.Config{GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Second}}, rec)

	w := httptest.NewRecorder()
	mw.GlobalLimiter(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("Expected 200 (Fail Open), got %d", w.Code)
	}
	if rec.redisErrs != 1 {
		t.Errorf("Expected 1 redis error, got %d", rec.redisErrs)
	}
}

func TestRateLimit_RedisDown_Login_FailClosed(t *testing.T) {
	mr, _ := miniredis.Run()
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, "salt"),
		middleware.Config{Login: ratelimit.LimitConfig{Rate: 5, Window: 15 * time.Minute}}, nil)

	w := httptest.NewRecorder()
	mw.LoginLimiter(okHandler).ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/admin/login", nil))

	if w.Code != 503 {
		t.Errorf("Expected 503 (Fail Closed), got %d", w.Code)
	}
}

func TestRateLimit_Admin(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, "salt"),
		middleware.Config{Admin: ratelimit.LimitConfig{Rate: 1, Window: time.Second}}, nil)
	handler := mw.AdminLimiter(okHandler)

	call := func(adminID string) int {
		ctx := middleware.WithAuthContext(context.Background(), &middleware.AuthContext{AdminID: adminID})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil).WithContext(ctx))
		return w.Code
	}

	if c := call("a1"); c != 200 {
		t.Errorf("Expected 200, got %d", c)
	}
	if c := call("a1"); c != 429 {
		t.Errorf("Expected 429, got %d", c)
	}
	if c := call("a2"); c != 200 {
		t.Errorf("Expected 200 for other admin, got %d", c)
	}
}

func TestRateLimit_DisabledScope(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(nil, "salt"), middleware.Config{}, nil)

	w := httptest.NewRecorder()
	mw.VerifyLimiter(okHandler).ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != 200 {
		t.Errorf("Expected 200 with no limit configured, got %d", w.Code)
	}
}
