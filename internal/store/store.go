// Package store defines the audit persistence interface for the relay and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists audit events. Connection state, queues and pending requests
// are memory-only by design; only the audit trail survives a restart.
type Store interface {
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AuditEvent is one recorded relay action. Principal arrives already masked
// by the sink layer; the store never sees a full principal identifier.
type AuditEvent struct {
	ID        string          `json:"id"`
	Principal string          `json:"principal"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	Principal string
	Action    string
	Limit     int
	Offset    int
}

// Config selects and configures a storage backend.
type Config struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "beacon.db", ":memory:", or a postgres URL
}

// New creates a store for the configured driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
