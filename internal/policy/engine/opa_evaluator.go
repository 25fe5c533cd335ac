package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.quelyos.token_admin.allow"

// DefaultPolicy allows a user to revoke their own tokens, a company admin to revoke those of
// non-super-admin users in the same company, and a super admin anything. Purge is super admin only.
const DefaultPolicy = `package quelyos.token_admin

default allow := false

allow if {
	input.action == "revoke_family"
	input.actor.user_id == input.target.user_id
}

allow if {
	input.action == "revoke_family"
	input.actor.role == "admin"
	input.actor.company_id == input.target.company_id
	input.target.role != "super_admin"
}

allow if {
	input.actor.role == "super_admin"
}
`

// OPAEvaluator evaluates token administration requests with OPA Rego. The policy is compiled once.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultPolicy when empty). The policy must define data.quelyos.token_admin.allow.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("token_admin.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// Allow evaluates req against the compiled policy.
func (e *OPAEvaluator) Allow(ctx context.Context, req Request) (bool, error) {
	if req.Action == "" {
		return false, errors.New("policy: action is required")
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(req)))
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, errors.New("policy: query returned no result")
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy: allow is %T, want bool", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

// HealthCheck verifies that the compiled policy evaluates. Does not touch the database.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Allow(ctx, Request{
		Action: ActionRevokeFamily,
		Actor:  Principal{UserID: 1, Role: "user"},
		Target: Principal{UserID: 1},
	})
	return err
}

func buildInput(req Request) map[string]interface{} {
	principal := func(p Principal) map[string]interface{} {
		return map[string]interface{}{
			"user_id":    p.UserID,
			"role":       p.Role,
			"company_id": p.CompanyID,
		}
	}
	return map[string]interface{}{
		"action": req.Action,
		"actor":  principal(req.Actor),
		"target": principal(req.Target),
	}
}
