package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/license"
)

type AuditStore interface {
	ActivityReader
	ExportEvents(ctx context.Context, licenseKey string, w io.Writer) error
}

type AuditHandler struct {
	Service AuditStore
}

// GetEvents lists audit entries. Filters: license_key, actor, action,
// result, from, to (RFC 3339), limit, cursor.
func (h *AuditHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.AuditFilter{
		LicenseKey: q.Get("license_key"),
		Actor:      q.Get("actor"),
		Action:     q.Get("action"),
		Result:     q.Get("result"),
		Cursor:     q.Get("cursor"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			render.Render(w, r, errInvalidRequest("limit must be a number"))
			return
		}
		filter.Limit = l
	}

	for name, dst := range map[string]**time.Time{"from": &filter.DateFrom, "to": &filter.DateTo} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			render.Render(w, r, errInvalidRequest(name+" must be an RFC 3339 timestamp"))
			return
		}
		*dst = &t
	}

	events, nextCursor, err := h.Service.QueryEvents(r.Context(), filter)
	if err != nil {
		render.Render(w, r, errFromEngine(r, err))
		return
	}
	render.JSON(w, r, map[string]any{
		"events": events,
		"cursor": nextCursor,
	})
}

// ExportEvents streams the full trail of one license as JSON lines.
func (h *AuditHandler) ExportEvents(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.jsonl"`)

	sw := &startedWriter{w: w}
	if err := h.Service.ExportEvents(r.Context(), key, sw); err != nil {
		if !sw.started {
			w.Header().Del("Content-Disposition")
			render.Render(w, r, errFromEngine(r, err))
			return
		}
		// Headers are gone already.
		log.Error().Err(err).Str("license_key", license.MaskKey(key)).Msg("audit export stream failed")
	}
}

// startedWriter records whether anything reached the client.
type startedWriter struct {
	w       io.Writer
	started bool
}

func (s *startedWriter) Write(p []byte) (int, error) {
	s.started = true
	return s.w.Write(p)
}
