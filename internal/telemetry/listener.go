package telemetry

import (
	"context"

	"chat-notify/internal/telemetry/domain"
)

// ListenerRecorder counts change-listener failures and reports decode failures as lifecycle events.
// Either field may be nil.
type ListenerRecorder struct {
	Metrics *Metrics
	Emitter EventEmitter
}

func (r ListenerRecorder) RecordDecodeError(ctx context.Context, channel string) {
	r.Metrics.RecordDecodeError(ctx, channel)
	EmitAsync(r.Emitter, ctx, &domain.Event{Type: domain.EventDecodeFailed, Detail: "channel " + channel})
}

func (r ListenerRecorder) RecordReconnect(ctx context.Context) {
	r.Metrics.RecordReconnect(ctx)
}
