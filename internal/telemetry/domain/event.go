// Package domain defines the lifecycle events the service reports through the telemetry emitter.
package domain

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventStreamOpened   EventType = "stream.opened"
	EventStreamClosed   EventType = "stream.closed"
	EventStreamRejected EventType = "stream.rejected"
	EventEventsDropped  EventType = "stream.events_dropped"
	EventDecodeFailed   EventType = "listener.decode_failed"
)

// Event is one best-effort lifecycle record. Zero-valued fields are omitted from the emitted record.
type Event struct {
	Type      EventType
	UserID    int64
	SessionID string
	Transport string
	// Detail carries free-form context (close reason, decode error, drop count).
	Detail    string
	CreatedAt time.Time
}
