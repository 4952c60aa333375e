package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

const maxExportRecords = 10000

// WriteEvent inserts evt, falling back to the spool when the database fails.
func (s *Service) WriteEvent(ctx context.Context, evt AuditEvent) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = NewEventID()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	err := s.insert(ctx, evt)
	if err == nil {
		return nil
	}
	if permanent(err) {
		s.deadLetter(evt, err)
		return fmt.Errorf("audit write: %w", err)
	}
	if s.spool == nil {
		return fmt.Errorf("audit write: %w", err)
	}

	log.Warn().Err(err).Str("event_id", evt.EventID.String()).Msg("audit: db write failed, spooling")
	if spoolErr := s.spool.Append(evt); spoolErr != nil {
		log.Error().Err(spoolErr).Str("event_id", evt.EventID.String()).Msg("audit: spool failed")
		return fmt.Errorf("audit critical failure: %w", spoolErr)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, evt AuditEvent) error {
	evt = fitColumns(evt)
	var meta any
	if len(evt.Metadata) > 0 {
		meta = []byte(evt.Metadata)
	}
	query := `
		INSERT INTO audit_logs (
			event_id, action, license_key, hardware_id, actor, result, reason_code,
			request_id, client_ip, user_agent, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.DB.ExecContext(ctx, query,
		evt.EventID, evt.Action, evt.LicenseKey, evt.HardwareID, evt.Actor, evt.Result, evt.ReasonCode,
		evt.RequestID, evt.ClientIP, evt.UserAgent, meta, evt.CreatedAt,
	)
	return err
}

// fitColumns cuts free-text fields to the audit_logs column widths.
func fitColumns(evt AuditEvent) AuditEvent {
	evt.Action = clip(evt.Action, 100)
	evt.LicenseKey = clip(evt.LicenseKey, 100)
	evt.HardwareID = clip(evt.HardwareID, 200)
	evt.Actor = clip(evt.Actor, 100)
	evt.ReasonCode = clip(evt.ReasonCode, 100)
	evt.RequestID = clip(evt.RequestID, 100)
	evt.ClientIP = clip(evt.ClientIP, 50)
	evt.UserAgent = clip(evt.UserAgent, 255)
	return evt
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Append-only: no Update or Delete methods exposed.

// NewEventID returns a UUIDv7 so that ids sort by creation time; the query cursor
// depends on it.
func NewEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Record queues a license event for writing. It never blocks the caller: when
// the queue is full the event goes straight to the spool.
func (s *Service) Record(ctx context.Context, e license.Event) {
	evt := FromLicenseEvent(e)
	evt.RequestID = middleware.GetReqID(ctx)
	s.Enqueue(evt)
}

func (s *Service) Enqueue(evt AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.spoolOrDrop(evt)
		return
	}
	select {
	case s.queue <- evt:
	default:
		s.spoolOrDrop(evt)
	}
}

func (s *Service) spoolOrDrop(evt AuditEvent) {
	if s.spool != nil {
		if err := s.spool.Append(evt); err == nil {
			return
		}
	}
	log.Error().Str("action", evt.Action).Str("license_key", license.MaskKey(evt.LicenseKey)).Msg("audit: event dropped")
}

// Run drains the queue until Close is called or ctx is done. Whatever is left
// when ctx ends is spooled.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case evt, ok := <-s.queue:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = s.WriteEvent(wctx, evt)
			cancel()
		case <-ctx.Done():
			for {
				select {
				case evt, ok := <-s.queue:
					if !ok {
						return nil
					}
					s.spoolOrDrop(evt)
				default:
					return nil
				}
			}
		}
	}
}

// Close stops accepting events and waits for Run to finish the queue.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

// FromLicenseEvent maps an engine event onto an audit row.
func FromLicenseEvent(e license.Event) AuditEvent {
	evt := AuditEvent{
		EventID:    NewEventID(),
		Action:     string(e.Type),
		LicenseKey: e.LicenseKey,
		HardwareID: e.HardwareID,
		Actor:      e.Actor,
		Result:     "success",
		CreatedAt:  e.OccurredAt,
	}
	if e.Type == license.EventVerifyRejected {
		evt.Result = "failure"
		evt.ReasonCode = string(e.Reason)
	}
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			evt.Metadata = b
		}
	}
	return evt
}

// QueryEvents implements filters and cursor pagination
func (s *Service) QueryEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, string, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.LicenseKey != "" {
		add("license_key = $%d", f.LicenseKey)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.DateFrom != nil {
		add("created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at < $%d", *f.DateTo)
	}
	if f.Cursor != "" {
		cursor, err := uuid.Parse(f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", license.ErrInvalidInput)
		}
		add("event_id < $%d", cursor)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	q := `SELECT id, event_id, action, license_key, hardware_id, actor, result, reason_code, created_at, metadata FROM audit_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY event_id DESC LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", license.Transient("query audit events", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	var lastID string
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, "", err
		}
		events = append(events, evt)
		lastID = evt.EventID.String()
	}
	if err := rows.Err(); err != nil {
		return nil, "", license.Transient("query audit events", err)
	}
	if len(events) < f.Limit {
		lastID = ""
	}
	return events, lastID, nil
}

// ExportEvents streams the trail of one license as JSON lines.
func (s *Service) ExportEvents(ctx context.Context, licenseKey string, w io.Writer) error {
	q := `SELECT id, event_id, action, license_key, hardware_id, actor, result, reason_code, created_at, metadata
	      FROM audit_logs
	      WHERE license_key = $1
	      ORDER BY created_at ASC
	      LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, licenseKey, maxExportRecords)
	if err != nil {
		return license.Transient("export audit events", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return license.Transient("export audit events", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (AuditEvent, error) {
	var evt AuditEvent
	var meta []byte
	err := row.Scan(&evt.ID, &evt.EventID, &evt.Action, &evt.LicenseKey, &evt.HardwareID, &evt.Actor,
		&evt.Result, &evt.ReasonCode, &evt.CreatedAt, &meta)
	if err != nil {
		return evt, err
	}
	if len(meta) > 0 {
		evt.Metadata = json.RawMessage(meta)
	}
	return evt, nil
}
