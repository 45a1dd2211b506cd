package handler

import (
	"bytes"
	"log"
	"net/http"
)

// ServeSSE streams events as Server-Sent Events until the client goes away or the server shuts down.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r, TransportSSE)
	if !ok {
		return
	}
	defer s.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := newSSEWriter(w)
	if err := sw.flush(); err != nil {
		log.Printf("stream: session=%s sse flush unsupported: %v", s.ID(), err)
		return
	}
	if err := s.Run(r.Context(), sw); err != nil {
		log.Printf("stream: session=%s sse ended: %v", s.ID(), err)
	}
}

// sseWriter frames events per the text/event-stream format and flushes after each frame.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteEvent writes "event: <name>" followed by one data line per line of data.
func (s *sseWriter) WriteEvent(name string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return s.flush()
}

// WriteHeartbeat writes an SSE comment line, which clients ignore.
func (s *sseWriter) WriteHeartbeat(text string) error {
	if _, err := s.w.Write([]byte(": " + text + "\n\n")); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error { return s.rc.Flush() }
