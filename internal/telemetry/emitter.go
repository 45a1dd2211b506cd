package telemetry

import (
	"context"

	"chat-notify/internal/telemetry/domain"
)

// EventEmitter emits lifecycle events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}
