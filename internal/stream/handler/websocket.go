package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxReadBytes = 512
)

// wsFrame is one WebSocket text message.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServeWebSocket streams events over a WebSocket. Admission is decided before the upgrade so a
// rejected client still gets a plain HTTP status.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r, TransportWebSocket)
	if !ok {
		return
	}
	defer s.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Printf("stream: session=%s websocket upgrade: %v", s.ID(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients only send close frames; any read error ends the session.
	conn.SetReadLimit(wsMaxReadBytes)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.Run(ctx, &wsWriter{conn: conn})
	if err != nil {
		log.Printf("stream: session=%s websocket ended: %v", s.ID(), err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
		time.Now().Add(wsWriteWait))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowOrigin == "" || h.allowOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.allowOrigin
}

// wsWriter writes one JSON text message per event and a ping control frame per heartbeat.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteEvent(name string, data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(wsFrame{Event: name, Data: data})
}

func (w *wsWriter) WriteHeartbeat(text string) error {
	return w.conn.WriteControl(websocket.PingMessage, []byte(text), time.Now().Add(wsWriteWait))
}
