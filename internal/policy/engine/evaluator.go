package engine

import "context"

// Actions subject to authorization.
const (
	ActionRevokeFamily = "revoke_family"
	ActionPurge        = "purge"
)

// Principal is a user as seen by the policy: the caller or the user acted upon.
type Principal struct {
	UserID    int64
	Role      string
	CompanyID int64
}

// Request asks whether Actor may perform Action on Target. Target is zero for actions without a user target.
type Request struct {
	Action string
	Actor  Principal
	Target Principal
}

// Evaluator decides token administration requests.
type Evaluator interface {
	// Allow reports whether the request is permitted. An error means no decision could be made; callers deny.
	Allow(ctx context.Context, req Request) (bool, error)
}
