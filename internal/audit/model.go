package audit

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`       // DB primary key
	EventID    uuid.UUID       `json:"event_id"` // Idempotency key
	Action     string          `json:"action"`
	LicenseKey string          `json:"license_key,omitempty"`
	HardwareID string          `json:"hardware_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Result     string          `json:"result"` // success/failure
	ReasonCode string          `json:"reason_code,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	ClientIP   string          `json:"client_ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FailoverEvent wraps an event for JSONL spooling
type FailoverEvent struct {
	EventID   string     `json:"event_id"`
	Payload   AuditEvent `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"` // dead letters only
}

// AuditFilter for querying
type AuditFilter struct {
	LicenseKey string
	Actor      string
	Action     string
	Result     string
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
	Cursor     string // ID-based cursor
}

const queueSize = 1024

// Service writes the append-only audit trail. Events that cannot reach the
// database are spooled to disk and replayed later.
type Service struct {
	DB    *sql.DB
	spool *Spool

	queue  chan AuditEvent
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewService(db *sql.DB, spool *Spool) *Service {
	return &Service{
		DB:    db,
		spool: spool,
		queue: make(chan AuditEvent, queueSize),
		done:  make(chan struct{}),
	}
}
