package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	chatdomain "chat-notify/internal/chat/domain"
	eventdomain "chat-notify/internal/event/domain"
	"chat-notify/internal/notify/registry"
	"chat-notify/internal/policy/engine"
	"chat-notify/internal/security"
	"chat-notify/internal/server/middleware"
	"chat-notify/internal/stream"
)

// withUser injects an identity the way middleware.Auth does.
func withUser(userID int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.WithIdentity(r.Context(), security.Identity{UserID: userID, WorkspaceID: 1})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestHandler(t *testing.T, policy engine.Evaluator, maxSessions int) (*Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{})
	m := stream.NewManager(reg, policy, nil, nil, stream.Options{
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatText:      "keep-alive-text",
		MaxSessionsPerUser: maxSessions,
	})
	return New(m, "*"), reg
}

func waitSubscribers(t *testing.T, reg *registry.Registry, userID int64, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Subscribers(userID) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Subscribers(%d) = %d, want %d", userID, reg.Subscribers(userID), want)
}

func renameEvent(t *testing.T) *eventdomain.Event {
	t.Helper()
	name := "Project X"
	ev, err := eventdomain.NewChatEvent(eventdomain.KindChatNameUpdated, &chatdomain.Chat{
		ID: 42, WorkspaceID: 1, Name: &name, Type: chatdomain.ChatTypeGroup, Members: []int64{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("NewChatEvent: %v", err)
	}
	return ev
}

func TestHandler_Errors(t *testing.T) {
	h, _ := newTestHandler(t, nil, 0)
	denyAll, err := engine.NewOPAEvaluator(context.Background(), "package chatnotify.stream\n\ndefault allow := false\n")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	denied, _ := newTestHandler(t, denyAll, 0)

	testCases := []struct {
		name    string
		handler http.Handler
		method  string
		want    int
	}{
		{"no identity", http.HandlerFunc(h.ServeSSE), http.MethodGet, http.StatusUnauthorized},
		{"wrong method", withUser(5, http.HandlerFunc(h.ServeSSE)), http.MethodPost, http.StatusMethodNotAllowed},
		{"invalid identity", withUser(0, http.HandlerFunc(h.ServeSSE)), http.MethodGet, http.StatusUnauthorized},
		{"sse admission denied", withUser(5, http.HandlerFunc(denied.ServeSSE)), http.MethodGet, http.StatusTooManyRequests},
		{"ws admission denied", withUser(5, http.HandlerFunc(denied.ServeWebSocket)), http.MethodGet, http.StatusTooManyRequests},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tc.handler.ServeHTTP(rr, httptest.NewRequest(tc.method, "/events", nil))
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d", rr.Code, tc.want)
			}
			if !strings.Contains(rr.Body.String(), `"error"`) {
				t.Errorf("body = %q, want JSON error", rr.Body.String())
			}
		})
	}
}

func TestServeSSE_StreamsEventsAndHeartbeats(t *testing.T) {
	h, reg := newTestHandler(t, nil, 0)
	srv := httptest.NewServer(withUser(1, http.HandlerFunc(h.ServeSSE)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	waitSubscribers(t, reg, 1, 1)
	reg.Publish(1, renameEvent(t))

	br := bufio.NewReader(resp.Body)
	var sawHeartbeat bool
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" || !sawHeartbeat {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == ": keep-alive-text":
			sawHeartbeat = true
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: ") && eventLine != "":
			dataLine = line
		}
	}
	if eventLine != "event: ChatNameUpdated" {
		t.Errorf("event line = %q", eventLine)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &body); err != nil {
		t.Fatalf("data json: %v", err)
	}
	if body["event"] != "ChatNameUpdated" || body["name"] != "Project X" || body["id"] != float64(42) {
		t.Errorf("data = %v", body)
	}

	cancel()
	waitSubscribers(t, reg, 1, 0)
	if reg.Len() != 0 {
		t.Errorf("registry Len = %d, want 0 after disconnect", reg.Len())
	}
}

func TestServeWebSocket_StreamsEvents(t *testing.T) {
	h, reg := newTestHandler(t, nil, 0)
	srv := httptest.NewServer(withUser(2, http.HandlerFunc(h.ServeWebSocket)))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v (resp %v)", err, resp)
	}
	pings := make(chan string, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- data:
		default:
		}
		return nil
	})

	waitSubscribers(t, reg, 2, 1)
	reg.Publish(2, renameEvent(t))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if frame.Event != "ChatNameUpdated" || !strings.Contains(string(frame.Data), `"name":"Project X"`) {
		t.Errorf("frame = %s %s", frame.Event, frame.Data)
	}

	// Pings are handled inside the read loop.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	select {
	case text := <-pings:
		if text != "keep-alive-text" {
			t.Errorf("ping payload = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Error("no heartbeat ping")
	}

	_ = conn.Close()
	waitSubscribers(t, reg, 2, 0)
}

func TestCheckOrigin(t *testing.T) {
	testCases := []struct {
		allow  string
		origin string
		want   bool
	}{
		{"*", "https://evil.example", true},
		{"", "https://evil.example", true},
		{"https://app.example", "https://app.example", true},
		{"https://app.example", "", true},
		{"https://app.example", "https://evil.example", false},
	}
	for _, tc := range testCases {
		h := New(nil, tc.allow)
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := h.checkOrigin(r); got != tc.want {
			t.Errorf("checkOrigin(allow=%q, origin=%q) = %v, want %v", tc.allow, tc.origin, got, tc.want)
		}
	}
}

func TestSSEWriter_Framing(t *testing.T) {
	rr := httptest.NewRecorder()
	w := newSSEWriter(rr)
	if err := w.WriteEvent("NewMessage", []byte("{\"a\":1}\n{\"b\":2}")); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteHeartbeat("keep-alive-text"); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	want := "event: NewMessage\ndata: {\"a\":1}\ndata: {\"b\":2}\n\n: keep-alive-text\n\n"
	if got := rr.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !rr.Flushed {
		t.Error("expected flush")
	}
}
