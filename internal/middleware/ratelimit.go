package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  Config
	metrics RateLimitRecorder
}

type Config struct {
	GlobalIP ratelimit.LimitConfig `yaml:"global_ip"`
	Verify   ratelimit.LimitConfig `yaml:"verify"`
	Admin    ratelimit.LimitConfig `yaml:"admin"`
	Login    ratelimit.LimitConfig `yaml:"login"`
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c Config, rec RateLimitRecorder) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: c, metrics: rec}
}

// GlobalLimiter applies the per-IP budget to every request. Redis failures
// let the request through.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeGlobalIP, m.config.GlobalIP, false, m.ipKey)(next)
}

// VerifyLimiter bounds device verification calls per IP.
func (m *RateLimitMiddleware) VerifyLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeVerify, m.config.Verify, false, m.ipKey)(next)
}

// LoginLimiter guards admin login. Without Redis no login is attempted.
func (m *RateLimitMiddleware) LoginLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeLogin, m.config.Login, true, m.ipKey)(next)
}

// AdminLimiter applies the per-admin budget; it must run after JWTAuth.
func (m *RateLimitMiddleware) AdminLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeAdmin, m.config.Admin, false, func(r *http.Request) string {
		if ac, ok := GetAuthContext(r.Context()); ok {
			return "rl:admin:" + ac.AdminID
		}
		return m.ipKey(r)
	})(next)
}

func (m *RateLimitMiddleware) ipKey(r *http.Request) string {
	return fmt.Sprintf("rl:ip:%s", m.limiter.HashIP(clientIP(r)))
}

func (m *RateLimitMiddleware) limit(scope ratelimit.Scope, cfg ratelimit.LimitConfig, failClosed bool, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.Rate <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if scope != ratelimit.ScopeGlobalIP && scope != ratelimit.ScopeAdmin {
				k = fmt.Sprintf("%s:%s", k, scope)
			}

			decision, err := m.limiter.CheckRateLimit(r.Context(), scope, k, cfg)
			if err != nil {
				m.record(scope, "error")
				if m.metrics != nil {
					m.metrics.RecordRedisError()
				}
				if failClosed {
					log.Error().Err(err).Str("scope", string(scope)).Msg("rate limit unavailable, failing closed")
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
					return
				}
				log.Warn().Err(err).Str("scope", string(scope)).Msg("rate limit unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}

			writeRateLimitHeaders(w, decision)
			if !decision.Allowed {
				m.record(scope, "blocked")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			m.record(scope, "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func (m *RateLimitMiddleware) record(scope ratelimit.Scope, result string) {
	if m.metrics != nil {
		m.metrics.RecordRateLimit(string(scope), result)
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

// clientIP expects chi's RealIP to have rewritten RemoteAddr already.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
