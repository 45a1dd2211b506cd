package telemetry

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	eventdomain "chat-notify/internal/event/domain"
)

const meterName = "chat-notify"

// Metrics records the notify pipeline counters. It implements the recorder interfaces of the
// router, the listener and the stream sessions. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	routed       metric.Int64Counter
	idle         metric.Int64Counter
	dropped      metric.Int64Counter
	decodeErrors metric.Int64Counter
	reconnects   metric.Int64Counter
	sessions     metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter. When meter is nil the global MeterProvider is used.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.routed, err = meter.Int64Counter("notify.events.routed",
		metric.WithDescription("Events delivered to a live subscription"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.idle, err = meter.Int64Counter("notify.events.idle",
		metric.WithDescription("Audience members with no open stream"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("notify.events.dropped",
		metric.WithDescription("Events discarded from full subscription buffers"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = meter.Int64Counter("notify.decode.errors",
		metric.WithDescription("Notifications skipped because they could not be decoded")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("notify.listener.reconnects",
		metric.WithDescription("Listener reconnect attempts")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64UpDownCounter("notify.sessions.active",
		metric.WithDescription("Open event streams"), metric.WithUnit("{session}")); err != nil {
		return nil, err
	}
	return m, nil
}

// MustMetrics is NewMetrics that logs and returns nil (a no-op recorder) on error.
func MustMetrics(meter metric.Meter) *Metrics {
	m, err := NewMetrics(meter)
	if err != nil {
		log.Printf("telemetry: metrics disabled: %v", err)
		return nil
	}
	return m
}

// RecordRoute counts one routed event: live deliveries and audience members without a stream.
func (m *Metrics) RecordRoute(ctx context.Context, kind eventdomain.Kind, live, idle int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	if live > 0 {
		m.routed.Add(ctx, int64(live), attrs)
	}
	if idle > 0 {
		m.idle.Add(ctx, int64(idle), attrs)
	}
}

// RecordDrop counts events lost to buffer overflow.
func (m *Metrics) RecordDrop(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(ctx, int64(n))
}

// RecordDecodeError counts one skipped notification.
func (m *Metrics) RecordDecodeError(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordReconnect counts one listener reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// SessionOpened increments the active session gauge for transport.
func (m *Metrics) SessionOpened(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// SessionClosed decrements the active session gauge for transport.
func (m *Metrics) SessionClosed(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}
