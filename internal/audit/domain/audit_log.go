package domain

import "time"

// Actions recorded by the auth service.
const (
	ActionLoginSuccess = "login_success"
	ActionLoginFailure = "login_failure"
	ActionLogout       = "logout"
	ActionRefreshReuse = "refresh_reuse"
	ActionFamilyRevoke = "family_revoke"
	ActionTokenPurge   = "token_purge"
)

// Resources the actions apply to.
const (
	ResourceSession      = "session"
	ResourceRefreshToken = "refresh_token"
)

// AuditLog represents an audit event. UserID 0 means no authenticated user (stored as NULL).
type AuditLog struct {
	ID        string
	CompanyID int64
	UserID    int64
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
