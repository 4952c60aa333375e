package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-license/internal/audit"
)

// AuditSink accepts audit rows without blocking.
type AuditSink interface {
	Enqueue(evt audit.AuditEvent)
}

type AuditMiddleware struct {
	sink AuditSink
}

func NewAuditMiddleware(s AuditSink) *AuditMiddleware {
	return &AuditMiddleware{sink: s}
}

// LogRequest records mutating admin calls. Reads are not audited.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		evt := audit.AuditEvent{
			EventID:    audit.NewEventID(),
			Action:     truncate(fmt.Sprintf("http.%s %s", strings.ToLower(r.Method), route), 100),
			LicenseKey: truncate(chi.URLParam(r, "key"), 64),
			HardwareID: truncate(chi.URLParam(r, "hardwareID"), 255),
			Result:     "success",
			RequestID:  truncate(chimw.GetReqID(r.Context()), 100),
			ClientIP:   truncate(clientIP(r), 50),
			UserAgent:  truncate(r.UserAgent(), 255),
			CreatedAt:  time.Now().UTC(),
		}
		evt.Metadata = json.RawMessage(fmt.Sprintf(`{"latency_ms":%d,"status":%d}`, time.Since(start).Milliseconds(), status))

		if status >= 400 {
			evt.Result = "failure"
			evt.ReasonCode = fmt.Sprintf("http_%d", status)
		}
		if ac, ok := GetAuthContext(r.Context()); ok {
			evt.Actor = ac.Username
		}

		m.sink.Enqueue(evt)
	})
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
