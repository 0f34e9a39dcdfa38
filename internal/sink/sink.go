// Package sink delivers relay audit records and unsolicited agent events to
// their consumers: the structured log, the audit store, and optionally an
// external message bus. The relay core only knows the Sink interface; what
// alerting or telemetry does downstream is not its concern.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beacon-remote/beacon/internal/store"
)

// Event is one observable relay occurrence: a connection lifecycle change, a
// dispatch denial, or an unsolicited agent frame.
type Event struct {
	Principal string          // full principal; sinks mask before recording
	Action    string          // e.g. "agent.connect", "dispatch.queue_full", "agent.event.alert"
	Detail    json.RawMessage // action-specific payload, may be nil
	At        time.Time
}

// Sink consumes relay events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// MaskPrincipal reduces a principal to a non-identifying suffix for audit
// records and logs.
func MaskPrincipal(principal string) string {
	if len(principal) <= 4 {
		return "****"
	}
	return "..." + principal[len(principal)-4:]
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	attrs := []any{"action", ev.Action, "principal", MaskPrincipal(ev.Principal)}
	if ev.Detail != nil {
		attrs = append(attrs, "detail", json.RawMessage(ev.Detail))
	}
	s.logger.Info("audit event", attrs...)
	return nil
}

// StoreSink persists events as audit rows.
type StoreSink struct {
	store store.Store
}

// NewStoreSink creates a sink that records events in the audit store.
func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Publish(ctx context.Context, ev Event) error {
	return s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Principal: MaskPrincipal(ev.Principal),
		Action:    ev.Action,
		Detail:    ev.Detail,
		CreatedAt: ev.At,
	})
}

// Fanout publishes every event to each of its sinks. A failing sink does not
// stop delivery to the others; the first error is returned.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
