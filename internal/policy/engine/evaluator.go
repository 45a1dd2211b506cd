// Package engine decides whether an authenticated user may open an event stream.
package engine

import "context"

// Input is the admission request evaluated by the policy. Field names are the Rego input keys.
type Input struct {
	UserID      int64  `json:"user_id"`
	WorkspaceID int64  `json:"workspace_id"`
	Transport   string `json:"transport"`
	// ActiveSessions is the number of streams the user already holds.
	ActiveSessions     int `json:"active_sessions"`
	MaxSessionsPerUser int `json:"max_sessions_per_user"`
}

// Evaluator evaluates stream admission using OPA or other engines.
type Evaluator interface {
	// Allow reports whether the stream may open. An error means the decision could not be made
	// and callers must treat it as a denial.
	Allow(ctx context.Context, in Input) (bool, error)
}
