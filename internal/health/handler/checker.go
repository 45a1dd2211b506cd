// Package handler reports readiness over gRPC health and GET /healthz. A replica is ready when
// the database answers, the change listener holds its LISTEN connection and the admission policy
// evaluates.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "chatnotify.Notify"

const checkTimeout = 2 * time.Second

// Pinger checks database reachability (e.g. *pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// ListenerStatus reports whether the change listener is connected.
type ListenerStatus interface {
	Connected() bool
}

// PolicyChecker verifies the admission policy evaluates (e.g. OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the /healthz body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Serving reports whether every check passed.
func (r Report) Serving() bool { return r.Status == "ok" }

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	pinger   Pinger
	listener ListenerStatus
	policy   PolicyChecker
}

// NewChecker returns a Checker over the given dependencies; any may be nil.
func NewChecker(pinger Pinger, listener ListenerStatus, policy PolicyChecker) *Checker {
	return &Checker{pinger: pinger, listener: listener, policy: policy}
}

// Check runs all checks with a short timeout each.
func (c *Checker) Check(ctx context.Context) Report {
	rep := Report{Status: "ok", Checks: map[string]string{}}
	fail := func(name, msg string) {
		rep.Status = "unavailable"
		rep.Checks[name] = msg
	}
	if c.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := c.pinger.Ping(pctx); err != nil {
			fail("database", err.Error())
		} else {
			rep.Checks["database"] = "ok"
		}
		cancel()
	}
	if c.listener != nil {
		if c.listener.Connected() {
			rep.Checks["listener"] = "ok"
		} else {
			fail("listener", "not connected")
		}
	}
	if c.policy != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := c.policy.HealthCheck(pctx); err != nil {
			fail("policy", err.Error())
		} else {
			rep.Checks["policy"] = "ok"
		}
		cancel()
	}
	return rep
}

// ServeHTTP answers GET /healthz with the report; 200 when serving, 503 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := c.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if !rep.Serving() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

// Watch runs the checks every interval and mirrors the result into the gRPC health server until
// ctx is done. It updates once immediately.
func (c *Checker) Watch(ctx context.Context, hs *health.Server, interval time.Duration) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		rep := c.Check(ctx)
		if !rep.Serving() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			log.Printf("health: %s %v", status, rep.Checks)
			last = status
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(ServiceName, status)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
