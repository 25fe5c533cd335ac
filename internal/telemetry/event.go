// Package telemetry defines security events raised by the token subsystem and the sinks they flow to.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventRefreshRotated  = "refresh_rotated"
	EventRefreshReuse    = "refresh_reuse_detected"
	EventRefreshRejected = "refresh_rejected"
	EventFamilyRevoked   = "family_revoked"
	EventTokensPurged    = "tokens_purged"
	EventLoginSucceeded  = "login_succeeded"
	EventLoginFailed     = "login_failed"
	EventLogout          = "logout"
	EventPolicyDenied    = "policy_denied"
)

// Severities. SeverityWarn marks events an operator should look at (token theft, denied admin calls).
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

// SourceAuth is the Source of every event raised by this service.
const SourceAuth = "quelyos-auth"

// SecurityEvent is one security-relevant occurrence. It never carries a raw token, only its fingerprint.
type SecurityEvent struct {
	ID               string          `json:"id"`
	EventType        string          `json:"eventType"`
	UserID           int64           `json:"userId,omitempty"`
	CompanyID        int64           `json:"companyId,omitempty"`
	Source           string          `json:"source"`
	Severity         string          `json:"severity"`
	TokenFingerprint string          `json:"tokenFingerprint,omitempty"`
	IPAddress        string          `json:"ipAddress,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// NewSecurityEvent returns an event with a fresh ID, SourceAuth and the given time. Empty severity means info.
func NewSecurityEvent(eventType, severity string, at time.Time) *SecurityEvent {
	if severity == "" {
		severity = SeverityInfo
	}
	return &SecurityEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Source:    SourceAuth,
		Severity:  severity,
		CreatedAt: at.UTC(),
	}
}

// WithMetadata marshals v into Metadata. Marshal failures leave Metadata unset.
func (e *SecurityEvent) WithMetadata(v any) *SecurityEvent {
	if e == nil || v == nil {
		return e
	}
	if b, err := json.Marshal(v); err == nil {
		e.Metadata = b
	}
	return e
}
