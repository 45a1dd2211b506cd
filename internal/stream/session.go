// Package stream runs one authenticated event stream: admission, subscription, the delivery loop with
// heartbeats, and the single release of the subscription when the stream ends.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chat-notify/internal/notify/registry"
	"chat-notify/internal/policy/engine"
	"chat-notify/internal/security"
	"chat-notify/internal/telemetry"
	telemetrydomain "chat-notify/internal/telemetry/domain"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatText     = "keep-alive-text"
)

var (
	// ErrAdmissionDenied is returned by Open when the admission policy rejects the stream or cannot
	// be evaluated.
	ErrAdmissionDenied = errors.New("stream: admission denied")
	// ErrInvalidIdentity is returned by Open for an identity without a positive user id.
	ErrInvalidIdentity = errors.New("stream: invalid identity")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateStreaming:
		return "Streaming"
	case StateTerminated:
		return "Terminated"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// FrameWriter puts frames on one client connection. Implementations flush each frame.
type FrameWriter interface {
	WriteEvent(name string, data []byte) error
	WriteHeartbeat(text string) error
}

// Registry is the subset of *registry.Registry a session needs.
type Registry interface {
	Subscribe(userID int64) *registry.Subscription
	Release(userID int64, sub *registry.Subscription) bool
	Subscribers(userID int64) int
}

// Options configures sessions. Zero values fall back to the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatText     string
	// MaxSessionsPerUser is passed to the admission policy; 0 means unlimited.
	MaxSessionsPerUser int
}

// Manager admits and opens sessions against a shared registry.
type Manager struct {
	registry Registry
	policy   engine.Evaluator
	emitter  telemetry.EventEmitter
	metrics  *telemetry.Metrics
	opts     Options
}

// NewManager returns a Manager. policy, emitter and metrics may be nil; a nil policy admits every
// valid identity.
func NewManager(reg Registry, policy engine.Evaluator, emitter telemetry.EventEmitter, metrics *telemetry.Metrics, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatText == "" {
		opts.HeartbeatText = DefaultHeartbeatText
	}
	return &Manager{registry: reg, policy: policy, emitter: emitter, metrics: metrics, opts: opts}
}

// Open admits id and subscribes it to its mailbox. The returned session is Streaming; the caller must
// either Run it or Close it.
func (m *Manager) Open(ctx context.Context, id security.Identity, transport string) (*Session, error) {
	if id.UserID <= 0 {
		return nil, ErrInvalidIdentity
	}
	if err := m.admit(ctx, id, transport); err != nil {
		telemetry.EmitAsync(m.emitter, ctx, &telemetrydomain.Event{
			Type:      telemetrydomain.EventStreamRejected,
			UserID:    id.UserID,
			Transport: transport,
			Detail:    err.Error(),
		})
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		userID:    id.UserID,
		transport: transport,
		manager:   m,
	}
	s.state.Store(int32(StateConnecting))
	s.sub = m.registry.Subscribe(id.UserID)
	s.state.Store(int32(StateStreaming))

	m.metrics.SessionOpened(ctx, transport)
	telemetry.EmitAsync(m.emitter, ctx, &telemetrydomain.Event{
		Type:      telemetrydomain.EventStreamOpened,
		UserID:    id.UserID,
		SessionID: s.id,
		Transport: transport,
	})
	log.Printf("stream: opened session=%s user=%d transport=%s", s.id, id.UserID, transport)
	return s, nil
}

func (m *Manager) admit(ctx context.Context, id security.Identity, transport string) error {
	if m.policy == nil {
		return nil
	}
	allowed, err := m.policy.Allow(ctx, engine.Input{
		UserID:             id.UserID,
		WorkspaceID:        id.WorkspaceID,
		Transport:          transport,
		ActiveSessions:     m.registry.Subscribers(id.UserID),
		MaxSessionsPerUser: m.opts.MaxSessionsPerUser,
	})
	if err != nil {
		log.Printf("stream: admission policy error for user %d: %v", id.UserID, err)
		return fmt.Errorf("%w: %v", ErrAdmissionDenied, err)
	}
	if !allowed {
		return ErrAdmissionDenied
	}
	return nil
}

// Session is one open stream for one user.
type Session struct {
	id        string
	userID    int64
	transport string
	manager   *Manager
	sub       *registry.Subscription

	state       atomic.Int32
	delivered   atomic.Uint64
	releaseOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the subscribed user.
func (s *Session) UserID() int64 { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Delivered returns the number of events written so far.
func (s *Session) Delivered() uint64 { return s.delivered.Load() }

// Run writes events and heartbeats to w until ctx is done, the subscription is closed or a write
// fails. It returns the write error, or nil for the other cases. The subscription is released before
// Run returns.
func (s *Session) Run(ctx context.Context, w FrameWriter) (err error) {
	reason := "context done"
	defer func() {
		if err != nil {
			reason = err.Error()
		}
		s.close(ctx, reason)
	}()

	opts := s.manager.opts
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sub.Done():
			// Deliver what was published before the close.
			if err := s.flush(ctx, w); err != nil {
				return err
			}
			reason = "subscription closed"
			return nil
		case <-s.sub.Ready():
			if err := s.flush(ctx, w); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.WriteHeartbeat(opts.HeartbeatText); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

func (s *Session) flush(ctx context.Context, w FrameWriter) error {
	events, dropped := s.sub.Drain()
	if dropped > 0 {
		s.reportGap(ctx, dropped)
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("stream: session=%s skipping %s event: %v", s.id, ev.Kind(), err)
			continue
		}
		if err := w.WriteEvent(string(ev.Kind()), data); err != nil {
			return fmt.Errorf("write %s: %w", ev.Kind(), err)
		}
		s.delivered.Add(1)
	}
	return nil
}

func (s *Session) reportGap(ctx context.Context, dropped uint64) {
	log.Printf("stream: session=%s user=%d lagging, %d events dropped", s.id, s.userID, dropped)
	telemetry.EmitAsync(s.manager.emitter, ctx, &telemetrydomain.Event{
		Type:      telemetrydomain.EventEventsDropped,
		UserID:    s.userID,
		SessionID: s.id,
		Transport: s.transport,
		Detail:    strconv.FormatUint(dropped, 10),
	})
}

// Close releases the subscription without running the loop. Safe to call more than once and after
// Run.
func (s *Session) Close() {
	s.close(context.Background(), "closed")
}

func (s *Session) close(ctx context.Context, reason string) {
	s.releaseOnce.Do(func() {
		s.state.Store(int32(StateTerminated))
		s.manager.registry.Release(s.userID, s.sub)
		s.manager.metrics.SessionClosed(context.WithoutCancel(ctx), s.transport)
		telemetry.EmitAsync(s.manager.emitter, ctx, &telemetrydomain.Event{
			Type:      telemetrydomain.EventStreamClosed,
			UserID:    s.userID,
			SessionID: s.id,
			Transport: s.transport,
			Detail:    reason,
		})
		log.Printf("stream: closed session=%s user=%d delivered=%d reason=%q", s.id, s.userID, s.delivered.Load(), reason)
	})
}

// Compile-time check that the concrete registry satisfies Registry.
var _ Registry = (*registry.Registry)(nil)
