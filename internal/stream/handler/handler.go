// Package handler exposes stream sessions over HTTP: Server-Sent Events on GET /events and WebSocket
// on GET /ws. Both expect the identity placed in the request context by middleware.Auth.
package handler

import (
	"context"
	"errors"
	"net/http"

	"chat-notify/internal/security"
	"chat-notify/internal/server/middleware"
	"chat-notify/internal/stream"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// SessionOpener opens admitted sessions (e.g. *stream.Manager).
type SessionOpener interface {
	Open(ctx context.Context, id security.Identity, transport string) (*stream.Session, error)
}

// Handler serves the streaming endpoints.
type Handler struct {
	sessions    SessionOpener
	allowOrigin string
}

// New returns a Handler. allowOrigin is the CORS origin also used to check WebSocket handshakes;
// "*" or empty accepts any origin.
func New(sessions SessionOpener, allowOrigin string) *Handler {
	return &Handler{sessions: sessions, allowOrigin: allowOrigin}
}

// open resolves the caller and opens a session, writing the HTTP error itself when it fails.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, transport string) (*stream.Session, bool) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return nil, false
	}
	s, err := h.sessions.Open(r.Context(), id, transport)
	switch {
	case err == nil:
		return s, true
	case errors.Is(err, stream.ErrAdmissionDenied):
		middleware.WriteError(w, http.StatusTooManyRequests, "stream not admitted")
	case errors.Is(err, stream.ErrInvalidIdentity):
		middleware.WriteError(w, http.StatusUnauthorized, "invalid identity")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "could not open stream")
	}
	return nil, false
}
