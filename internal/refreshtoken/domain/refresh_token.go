package domain

import "time"

// RefreshToken is one issued refresh token. Records form a singly-linked rotation chain
// through ReplacedBy; a record is mutated exactly once, when it is superseded or revoked.
type RefreshToken struct {
	Token      string
	UserID     int64
	IssuedAt   time.Time
	ExpiresAt  time.Time
	IsUsed     bool
	RevokedAt  *time.Time // nil when not revoked
	ReplacedBy string     // token that superseded this one; empty unless rotated
	IPAddress  string
	UserAgent  string

	// Owner is set by lookups that join the owning user; nil otherwise.
	Owner *Owner
}

// Owner is the minimal projection of the user that owns a refresh token.
type Owner struct {
	ID        int64
	Email     string
	Role      string
	CompanyID int64
	// Disabled is set when the user account is no longer active; its tokens cannot be rotated.
	Disabled bool
}

// Expired reports whether the token has lapsed at now. A token is expired from ExpiresAt onward.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Consumed reports whether the token was already exchanged or revoked.
func (t *RefreshToken) Consumed() bool {
	return t.IsUsed || t.RevokedAt != nil
}

// ValidForRotation reports whether the token may be exchanged for a new pair at now.
func (t *RefreshToken) ValidForRotation(now time.Time) bool {
	return !t.Expired(now) && !t.Consumed()
}
