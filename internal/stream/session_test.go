package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	chatdomain "chat-notify/internal/chat/domain"
	eventdomain "chat-notify/internal/event/domain"
	"chat-notify/internal/notify/registry"
	"chat-notify/internal/policy/engine"
	"chat-notify/internal/security"
	telemetrydomain "chat-notify/internal/telemetry/domain"
)

type frame struct {
	name string
	data string
}

const heartbeatFrame = "<heartbeat>"

// recordingWriter collects frames on a channel. When failWith is set every write fails.
type recordingWriter struct {
	frames   chan frame
	failWith error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{frames: make(chan frame, 256)}
}

func (w *recordingWriter) WriteEvent(name string, data []byte) error {
	if w.failWith != nil {
		return w.failWith
	}
	w.frames <- frame{name: name, data: string(data)}
	return nil
}

func (w *recordingWriter) WriteHeartbeat(text string) error {
	if w.failWith != nil {
		return w.failWith
	}
	w.frames <- frame{name: heartbeatFrame, data: text}
	return nil
}

// nextEvent returns the next non-heartbeat frame.
func (w *recordingWriter) nextEvent(t *testing.T) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-w.frames:
			if f.name != heartbeatFrame {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for an event frame")
		}
	}
}

type fakeEvaluator struct {
	allow bool
	err   error
	got   engine.Input
}

func (f *fakeEvaluator) Allow(_ context.Context, in engine.Input) (bool, error) {
	f.got = in
	return f.allow, f.err
}

// chanEmitter forwards lifecycle events to a channel.
type chanEmitter struct{ events chan *telemetrydomain.Event }

func (e *chanEmitter) Emit(_ context.Context, ev *telemetrydomain.Event) error {
	e.events <- ev
	return nil
}

func (e *chanEmitter) waitFor(t *testing.T, typ telemetrydomain.EventType) *telemetrydomain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event emitted", typ)
			return nil
		}
	}
}

func messageEvent(t *testing.T, id int64) *eventdomain.Event {
	t.Helper()
	ev, err := eventdomain.NewMessageEvent(&chatdomain.Message{ID: id, ChatID: 7, SenderID: 5, Content: "hi"})
	if err != nil {
		t.Fatalf("NewMessageEvent: %v", err)
	}
	return ev
}

func identity(userID int64) security.Identity {
	return security.Identity{UserID: userID, WorkspaceID: 1}
}

// runSession starts s.Run in a goroutine and returns a cancel func and the channel carrying Run's result.
func runSession(s *Session, w FrameWriter) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, w) }()
	return cancel, errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestState_String(t *testing.T) {
	testCases := []struct {
		state State
		want  string
	}{
		{StateConnecting, "Connecting"},
		{StateStreaming, "Streaming"},
		{StateTerminated, "Terminated"},
		{State(9), "State(9)"},
	}
	for _, tc := range testCases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestManager_Open_InvalidIdentity(t *testing.T) {
	m := NewManager(registry.New(registry.Options{}), nil, nil, nil, Options{})
	if _, err := m.Open(context.Background(), security.Identity{}, "sse"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("err = %v, want ErrInvalidIdentity", err)
	}
}

func TestManager_Open_Admission(t *testing.T) {
	testCases := []struct {
		name    string
		policy  *fakeEvaluator
		wantErr bool
	}{
		{"allowed", &fakeEvaluator{allow: true}, false},
		{"denied", &fakeEvaluator{allow: false}, true},
		{"evaluation error fails closed", &fakeEvaluator{allow: true, err: errors.New("boom")}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg := registry.New(registry.Options{})
			m := NewManager(reg, tc.policy, nil, nil, Options{MaxSessionsPerUser: 3})
			s, err := m.Open(context.Background(), identity(5), "sse")
			if tc.wantErr {
				if !errors.Is(err, ErrAdmissionDenied) {
					t.Fatalf("err = %v, want ErrAdmissionDenied", err)
				}
				if got := reg.Subscribers(5); got != 0 {
					t.Errorf("Subscribers = %d, want 0 after denial", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if s.State() != StateStreaming {
				t.Errorf("State = %v, want Streaming", s.State())
			}
			if s.ID() == "" || s.UserID() != 5 {
				t.Errorf("session id=%q user=%d", s.ID(), s.UserID())
			}
			want := engine.Input{UserID: 5, WorkspaceID: 1, Transport: "sse", ActiveSessions: 0, MaxSessionsPerUser: 3}
			if tc.policy.got != want {
				t.Errorf("policy input = %+v, want %+v", tc.policy.got, want)
			}
		})
	}
}

func TestManager_Open_SessionLimitPolicy(t *testing.T) {
	ctx := context.Background()
	policy, err := engine.NewOPAEvaluator(ctx, "")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	reg := registry.New(registry.Options{})
	m := NewManager(reg, policy, nil, nil, Options{MaxSessionsPerUser: 1})

	first, err := m.Open(ctx, identity(5), "sse")
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := m.Open(ctx, identity(5), "ws"); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("second Open err = %v, want ErrAdmissionDenied", err)
	}
	other, err := m.Open(ctx, identity(6), "sse")
	if err != nil {
		t.Fatalf("other user Open: %v", err)
	}
	defer other.Close()

	first.Close()
	again, err := m.Open(ctx, identity(5), "sse")
	if err != nil {
		t.Fatalf("Open after close: %v", err)
	}
	again.Close()
}

func TestSession_DeliversInPublishOrder(t *testing.T) {
	reg := registry.New(registry.Options{})
	m := NewManager(reg, nil, nil, nil, Options{HeartbeatInterval: time.Hour})
	s, err := m.Open(context.Background(), identity(5), "sse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := newRecordingWriter()
	cancel, errc := runSession(s, w)

	for id := int64(1); id <= 5; id++ {
		reg.Publish(5, messageEvent(t, id))
	}
	for id := int64(1); id <= 5; id++ {
		f := w.nextEvent(t)
		if f.name != string(eventdomain.KindNewMessage) {
			t.Fatalf("frame name = %q, want NewMessage", f.name)
		}
		var body struct {
			Event string `json:"event"`
			ID    int64  `json:"id"`
		}
		if err := json.Unmarshal([]byte(f.data), &body); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if body.ID != id || body.Event != "NewMessage" {
			t.Errorf("frame %d = %+v, want id %d", id, body, id)
		}
	}

	cancel()
	if err := waitRun(t, errc); err != nil {
		t.Errorf("Run = %v, want nil on cancel", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("State = %v, want Terminated", s.State())
	}
	if got := s.Delivered(); got != 5 {
		t.Errorf("Delivered = %d, want 5", got)
	}
	if got := reg.Len(); got != 0 {
		t.Errorf("registry Len = %d, want 0 after termination", got)
	}
}

func TestSession_Heartbeat(t *testing.T) {
	m := NewManager(registry.New(registry.Options{}), nil, nil, nil, Options{HeartbeatInterval: 5 * time.Millisecond, HeartbeatText: "ping-text"})
	s, err := m.Open(context.Background(), identity(5), "sse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := newRecordingWriter()
	cancel, errc := runSession(s, w)
	defer func() {
		cancel()
		waitRun(t, errc)
	}()

	select {
	case f := <-w.frames:
		if f.name != heartbeatFrame || f.data != "ping-text" {
			t.Errorf("frame = %+v, want heartbeat ping-text", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestSession_WriteErrorTerminates(t *testing.T) {
	reg := registry.New(registry.Options{})
	m := NewManager(reg, nil, nil, nil, Options{HeartbeatInterval: time.Hour})
	s, err := m.Open(context.Background(), identity(5), "sse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	broken := errors.New("broken pipe")
	w := &recordingWriter{frames: make(chan frame, 1), failWith: broken}
	cancel, errc := runSession(s, w)
	defer cancel()

	reg.Publish(5, messageEvent(t, 1))
	if err := waitRun(t, errc); !errors.Is(err, broken) {
		t.Errorf("Run = %v, want wrapped broken pipe", err)
	}
	if got := reg.Subscribers(5); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}

func TestSession_TwoSessionsSameUser(t *testing.T) {
	reg := registry.New(registry.Options{})
	m := NewManager(reg, nil, nil, nil, Options{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	a, err := m.Open(ctx, identity(5), "sse")
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := m.Open(ctx, identity(5), "ws")
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	wa, wb := newRecordingWriter(), newRecordingWriter()
	cancelA, errA := runSession(a, wa)
	cancelB, errB := runSession(b, wb)

	reg.Publish(5, messageEvent(t, 1))
	wa.nextEvent(t)
	wb.nextEvent(t)

	cancelA()
	waitRun(t, errA)
	if got := reg.Subscribers(5); got != 1 {
		t.Fatalf("Subscribers = %d, want 1 after closing one session", got)
	}
	reg.Publish(5, messageEvent(t, 2))
	if f := wb.nextEvent(t); !strings.Contains(f.data, `"id":2`) {
		t.Errorf("surviving session frame = %s, want message 2", f.data)
	}

	cancelB()
	waitRun(t, errB)
	if got := reg.Len(); got != 0 {
		t.Errorf("registry Len = %d, want 0", got)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	reg := registry.New(registry.Options{})
	m := NewManager(reg, nil, nil, nil, Options{})
	a, _ := m.Open(context.Background(), identity(5), "sse")
	b, _ := m.Open(context.Background(), identity(5), "sse")

	a.Close()
	a.Close()
	if got := reg.Subscribers(5); got != 1 {
		t.Errorf("Subscribers = %d, want 1: double close must not release the other session", got)
	}
	b.Close()
	if got := reg.Len(); got != 0 {
		t.Errorf("registry Len = %d, want 0", got)
	}
}

func TestSession_RegistryShutdownEndsRun(t *testing.T) {
	reg := registry.New(registry.Options{})
	m := NewManager(reg, nil, nil, nil, Options{HeartbeatInterval: time.Hour})
	s, err := m.Open(context.Background(), identity(5), "sse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := newRecordingWriter()
	cancel, errc := runSession(s, w)
	defer cancel()

	reg.Shutdown()
	if err := waitRun(t, errc); err != nil {
		t.Errorf("Run = %v, want nil on shutdown", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("State = %v, want Terminated", s.State())
	}
}

func TestSession_LaggingReportsDropsAndKeepsStreaming(t *testing.T) {
	reg := registry.New(registry.Options{Capacity: 1})
	emitter := &chanEmitter{events: make(chan *telemetrydomain.Event, 16)}
	m := NewManager(reg, nil, emitter, nil, Options{HeartbeatInterval: time.Hour})
	s, err := m.Open(context.Background(), identity(5), "sse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Published before the loop drains: only the newest survives.
	for id := int64(1); id <= 4; id++ {
		reg.Publish(5, messageEvent(t, id))
	}
	w := newRecordingWriter()
	cancel, errc := runSession(s, w)
	defer func() {
		cancel()
		waitRun(t, errc)
	}()

	if f := w.nextEvent(t); !strings.Contains(f.data, `"id":4,`) {
		t.Errorf("first delivered frame = %s, want message 4", f.data)
	}
	dropped := emitter.waitFor(t, telemetrydomain.EventEventsDropped)
	if dropped.Detail != "3" || dropped.UserID != 5 || dropped.SessionID != s.ID() {
		t.Errorf("dropped event = %+v, want Detail 3 for user 5", dropped)
	}
	if got := s.State(); got != StateStreaming {
		t.Errorf("State = %v, want Streaming after a gap", got)
	}

	reg.Publish(5, messageEvent(t, 5))
	if f := w.nextEvent(t); !strings.Contains(f.data, `"id":5,`) {
		t.Errorf("frame after gap = %s, want message 5", f.data)
	}
}
