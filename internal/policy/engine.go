// Package policy gates control commands with an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/xiaot623/gogo/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allow  bool
	Reason string
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.control_policy.decision"),
		rego.Module("control_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine running DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate runs the policy against input.
// The policy's decision must be an object {"allow": bool, "reason": string}.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (*Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default, so an empty result set means it was replaced.
		return &Decision{Allow: true}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	d := &Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Reason, _ = obj["reason"].(string)
	return d, nil
}

// CheckStop validates a stop command.
func (e *Engine) CheckStop(ctx context.Context, cmd *domain.StopCommand) (*Decision, error) {
	return e.Evaluate(ctx, map[string]any{
		"command":    string(domain.CommandTypeStop),
		"session_id": cmd.SessionID,
		"run_id":     cmd.RunID,
		"scope":      cmd.Scope,
		"reason":     cmd.Reason,
	})
}

// CheckEditResend validates an edit-and-resend command against its target,
// which is nil when the message does not exist.
func (e *Engine) CheckEditResend(ctx context.Context, cmd *domain.EditResendCommand, target *domain.Message) (*Decision, error) {
	input := map[string]any{
		"command":     string(domain.CommandTypeEditResend),
		"session_id":  cmd.SessionID,
		"new_content": cmd.NewContent,
	}
	if target != nil {
		input["target"] = map[string]any{
			"message_id": target.MessageID,
			"session_id": target.SessionID,
			"role":       target.Role,
			"status":     string(target.Status),
		}
	}
	return e.Evaluate(ctx, input)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package control_policy

default decision = {"allow": true, "reason": ""}

allowed_scopes = {"", "run"}

decision = {"allow": false, "reason": reason} {
	input.command == "control.stop"
	reason := stop_denial
}

decision = {"allow": false, "reason": reason} {
	input.command == "control.edit_resend"
	reason := edit_denial
}

stop_denial = "unsupported_scope" {
	not allowed_scopes[input.scope]
}

edit_denial = "target_not_found" {
	not input.target
} else = "target_not_in_session" {
	input.target.session_id != input.session_id
} else = "target_not_user_message" {
	input.target.role != "user"
} else = "target_already_superseded" {
	input.target.status == "superseded"
} else = "empty_content" {
	trim_space(input.new_content) == ""
}
`
