// Package listener subscribes to the store's change-notification channels, decodes each payload
// into typed events and hands them to the router. One Listener runs per process.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-notify/internal/event/domain"
)

// ErrStartup wraps the failure to establish the initial LISTEN connection. The service must not
// serve streams without it.
var ErrStartup = errors.New("listener: initial subscription failed")

const (
	defaultStartupAttempts = 5
	defaultInitialBackoff  = 250 * time.Millisecond
	defaultMaxBackoff      = 30 * time.Second
	closeTimeout           = 5 * time.Second
)

// Notification is one raw change notification.
type Notification struct {
	Channel string
	Payload string
}

// Conn is a live subscription to the notification channels.
type Conn interface {
	// WaitForNotification blocks until a notification arrives, ctx is done or the connection fails.
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a Conn listening on channels.
type Dialer interface {
	Dial(ctx context.Context, channels []string) (Conn, error)
}

// Sink receives decoded events; implemented by router.Router.
type Sink interface {
	Route(ctx context.Context, ev *domain.Event, audience domain.Audience) int
}

// Recorder counts listener failures. May be nil.
type Recorder interface {
	RecordDecodeError(ctx context.Context, channel string)
	RecordReconnect(ctx context.Context)
}

// Options tunes the listener. Zero values use defaults.
type Options struct {
	Channels        []string
	StartupAttempts uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Listener owns the notification connection and the decode loop.
type Listener struct {
	dialer   Dialer
	decoder  *Decoder
	sink     Sink
	recorder Recorder
	opts     Options
	tracer   trace.Tracer

	connected atomic.Bool
	done      chan struct{}
}

// New returns a Listener. Call Start to connect.
func New(dialer Dialer, decoder *Decoder, sink Sink, recorder Recorder, opts Options) *Listener {
	if len(opts.Channels) == 0 {
		opts.Channels = DefaultChannels
	}
	if opts.StartupAttempts == 0 {
		opts.StartupAttempts = defaultStartupAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Listener{
		dialer:   dialer,
		decoder:  decoder,
		sink:     sink,
		recorder: recorder,
		opts:     opts,
		tracer:   otel.Tracer("chat-notify/listener"),
		done:     make(chan struct{}),
	}
}

// Start establishes the initial subscription, retrying up to StartupAttempts times, and then runs
// the decode loop in its own goroutine until ctx is cancelled. An error wraps ErrStartup.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		return l.dialer.Dial(ctx, l.opts.Channels)
	},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(l.opts.StartupAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("listener: connect failed, retrying in %s: %v", next, err)
		}),
	)
	if err != nil {
		close(l.done)
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	l.connected.Store(true)
	log.Printf("listener: listening on %v", l.opts.Channels)
	go l.run(ctx, conn)
	return nil
}

// Connected reports whether a live LISTEN connection is held.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Done is closed when the decode loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.InitialBackoff
	b.MaxInterval = l.opts.MaxBackoff
	return b
}

func (l *Listener) run(ctx context.Context, conn Conn) {
	defer close(l.done)
	defer func() {
		l.connected.Store(false)
		if conn != nil {
			closeConn(conn)
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("listener: connection lost: %v", err)
			l.connected.Store(false)
			closeConn(conn)
			conn = nil
			if conn, err = l.reconnect(ctx); err != nil {
				return
			}
			l.connected.Store(true)
			continue
		}
		l.handle(ctx, n)
	}
}

// reconnect retries forever with capped exponential backoff. It only fails when ctx is done.
func (l *Listener) reconnect(ctx context.Context) (Conn, error) {
	return backoff.Retry(ctx, func() (Conn, error) {
		if l.recorder != nil {
			l.recorder.RecordReconnect(ctx)
		}
		return l.dialer.Dial(ctx, l.opts.Channels)
	},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("listener: reconnect failed, retrying in %s: %v", next, err)
		}),
	)
}

func (l *Listener) handle(ctx context.Context, n *Notification) {
	if n == nil {
		return
	}
	ctx, span := l.tracer.Start(ctx, "listener.notification",
		trace.WithAttributes(attribute.String("notify.channel", n.Channel)))
	defer span.End()

	deliveries, err := l.decoder.Decode(ctx, n.Channel, n.Payload)
	if err != nil {
		log.Printf("listener: skipping notification: %v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		if l.recorder != nil {
			l.recorder.RecordDecodeError(ctx, n.Channel)
		}
		return
	}
	for _, d := range deliveries {
		span.AddEvent("route", trace.WithAttributes(
			attribute.String("notify.kind", string(d.Event.Kind())),
			attribute.Int("notify.audience", len(d.Audience)),
		))
		l.sink.Route(ctx, d.Event, d.Audience)
	}
}

func closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		log.Printf("listener: close connection: %v", err)
	}
}
