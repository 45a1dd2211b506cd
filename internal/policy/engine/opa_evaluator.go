package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	policyPackage = "chatnotify.stream"
	allowQuery    = "data." + policyPackage + ".allow"
)

// DefaultPolicy admits any authenticated user while they are under the per-user session limit.
// A limit of zero means unlimited.
const DefaultPolicy = `package chatnotify.stream

default allow := false

allow if {
	input.user_id > 0
	within_session_limit
}

within_session_limit if input.max_sessions_per_user == 0

within_session_limit if input.active_sessions < input.max_sessions_per_user
`

// ErrNoDecision is returned when the policy yields no boolean for the allow rule.
var ErrNoDecision = errors.New("policy returned no decision")

// OPAEvaluator evaluates stream admission with a compiled Rego policy. Safe for concurrent use.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles source, which must define data.chatnotify.stream.allow. An empty
// source selects DefaultPolicy.
func NewOPAEvaluator(ctx context.Context, source string) (*OPAEvaluator, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultPolicy
	}
	q, err := rego.New(
		rego.Query(allowQuery),
		rego.Module("stream.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile stream policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// LoadOPAEvaluator reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadOPAEvaluator(ctx context.Context, path string) (*OPAEvaluator, error) {
	if strings.TrimSpace(path) == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// Allow evaluates the allow rule for in. Evaluation failures fail closed.
func (e *OPAEvaluator) Allow(ctx context.Context, in Input) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"user_id":               in.UserID,
		"workspace_id":          in.WorkspaceID,
		"transport":             in.Transport,
		"active_sessions":       in.ActiveSessions,
		"max_sessions_per_user": in.MaxSessionsPerUser,
	}))
	if err != nil {
		return false, fmt.Errorf("eval stream policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, ErrNoDecision
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, ErrNoDecision
	}
	return allowed, nil
}

// HealthCheck verifies that the compiled policy evaluates to a decision for a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.Allow(ctx, Input{UserID: 1}); err != nil {
		return err
	}
	return nil
}
