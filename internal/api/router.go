package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-license/internal/admins"
	"github.com/technosupport/ts-license/internal/middleware"
)

// Handlers groups everything the router mounts. Auth, Admin and Audit may be
// nil, in which case the admin API is not served.
type Handlers struct {
	License *LicenseHandler
	Admin   *AdminLicenseHandler
	Auth    *AuthHandler
	Audit   *AuditHandler
	Health  *HealthHandler
	Metrics http.Handler
}

// RouterConfig carries the cross-cutting middleware. Nil fields are skipped.
type RouterConfig struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration
	Observer       middleware.HTTPObserver
	RateLimit      *middleware.RateLimitMiddleware
	JWT            *middleware.JWTAuth
	AuditSink      middleware.AuditSink
}

func NewRouter(h Handlers, c RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(c.Logger))
	r.Use(chimw.Recoverer)
	if c.Observer != nil {
		r.Use(middleware.Metrics(c.Observer))
	}
	r.Use(middleware.CORS(c.AllowedOrigins))
	if c.RequestTimeout > 0 {
		r.Use(chimw.Timeout(c.RequestTimeout))
	}

	r.Get("/healthz", h.Health.Live)
	r.Get("/readyz", h.Health.Ready)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	rl := c.RateLimit

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(rlMethod(rl, (*middleware.RateLimitMiddleware).GlobalLimiter))

		r.Group(func(r chi.Router) {
			r.Use(rlMethod(rl, (*middleware.RateLimitMiddleware).VerifyLimiter))
			r.Post("/verify-license", h.License.Verify)
			r.Post("/activate-license", h.License.Verify)
			r.Post("/deactivate-license", h.License.Deactivate)
		})

		if c.JWT == nil || h.Auth == nil || h.Admin == nil {
			return
		}

		r.Route("/v1/admin", func(r chi.Router) {
			r.With(rlMethod(rl, (*middleware.RateLimitMiddleware).LoginLimiter)).Post("/login", h.Auth.Login)
			r.With(rlMethod(rl, (*middleware.RateLimitMiddleware).LoginLimiter)).Post("/refresh", h.Auth.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(c.JWT.Middleware)
				r.Use(rlMethod(rl, (*middleware.RateLimitMiddleware).AdminLimiter))
				if c.AuditSink != nil {
					r.Use(middleware.NewAuditMiddleware(c.AuditSink).LogRequest)
				}

				r.Post("/logout", h.Auth.Logout)
				r.Get("/me", h.Auth.Me)
				r.With(middleware.RequirePermission(admins.PermAdminsManage)).Post("/admins", h.Auth.CreateAdmin)

				r.Route("/licenses", func(r chi.Router) {
					read := middleware.RequirePermission(admins.PermLicensesRead)
					manage := middleware.RequirePermission(admins.PermLicensesManage)

					r.With(read).Get("/", h.Admin.List)
					r.With(manage).Post("/", h.Admin.Issue)
					r.Route("/{key}", func(r chi.Router) {
						r.With(read).Get("/", h.Admin.Get)
						r.With(manage).Post("/renew", h.Admin.Renew)
						r.With(manage).Post("/revoke", h.Admin.Revoke)
						r.With(manage).Post("/reinstate", h.Admin.Reinstate)
						r.With(manage).Post("/devices/{hardwareID}/deactivate", h.Admin.DeactivateDevice)
						r.With(middleware.RequirePermission(admins.PermAuditRead)).Get("/activity", h.Admin.ListActivity)
						if h.Audit != nil {
							r.With(middleware.RequirePermission(admins.PermAuditRead)).Get("/activity/export", h.Audit.ExportEvents)
						}
					})
				})

				if h.Audit != nil {
					r.With(middleware.RequirePermission(admins.PermAuditRead)).Get("/audit/events", h.Audit.GetEvents)
				}
			})
		})
	})

	return r
}

func passthrough(next http.Handler) http.Handler { return next }

// rlMethod binds a limiter method to rl, tolerating a nil rl.
func rlMethod(rl *middleware.RateLimitMiddleware, m func(*middleware.RateLimitMiddleware, http.Handler) http.Handler) func(http.Handler) http.Handler {
	if rl == nil {
		return passthrough
	}
	return func(next http.Handler) http.Handler { return m(rl, next) }
}
