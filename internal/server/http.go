package server

import (
	_ "embed"
	"net/http"

	"chat-notify/internal/server/middleware"
)

//go:embed static/index.html
var indexHTML []byte

// StreamHandler serves the streaming transports.
type StreamHandler interface {
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

// HTTPDeps holds the handlers and settings for NewHTTPHandler.
type HTTPDeps struct {
	Streams StreamHandler
	// Health answers GET /healthz. If nil the route always reports ok.
	Health http.Handler
	Tokens middleware.TokenValidator
	// AllowOrigin is the CORS origin for the streaming routes; empty disables CORS headers.
	AllowOrigin string
}

// NewHTTPHandler returns the HTTP routes:
//
//	GET /events   SSE stream (authenticated)
//	GET /ws       WebSocket stream (authenticated)
//	GET /healthz  readiness report
//	GET /         demo page
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	auth := middleware.Auth(deps.Tokens)
	cors := middleware.CORS(deps.AllowOrigin)

	mux := http.NewServeMux()
	mux.Handle("GET /events", cors(auth(http.HandlerFunc(deps.Streams.ServeSSE))))
	mux.Handle("GET /ws", cors(auth(http.HandlerFunc(deps.Streams.ServeWebSocket))))
	// Preflight never carries credentials, so it bypasses auth.
	mux.Handle("OPTIONS /events", cors(http.NotFoundHandler()))
	mux.Handle("OPTIONS /ws", cors(http.NotFoundHandler()))

	health := deps.Health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	}
	mux.Handle("GET /healthz", health)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(indexHTML)
	})
	return middleware.AccessLog(mux)
}
