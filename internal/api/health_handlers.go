package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"
)

// Pinger is satisfied by *sql.DB and by the Redis adapter built in main.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	Checks  map[string]Pinger
	Timeout time.Duration
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Ready pings every dependency and answers 503 if any of them fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, p := range h.Checks {
		if err := p.PingContext(ctx); err != nil {
			log.Warn().Err(err).Str("component", name).Msg("readiness check failed")
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	overall := "ready"
	if status != http.StatusOK {
		overall = "not_ready"
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]any{"status": overall, "checks": checks})
}
