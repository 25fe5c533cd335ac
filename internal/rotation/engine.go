// Package rotation implements refresh token rotation with reuse detection, family revocation
// and the retention purge. It holds no token state of its own; the repository's conditional
// update is the only serialization point between concurrent rotations of one token.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"quelyos-auth/internal/refreshtoken/domain"
	"quelyos-auth/internal/refreshtoken/repository"
	"quelyos-auth/internal/security"
	"quelyos-auth/internal/telemetry"
)

const (
	// DefaultRefreshTTL is the refresh token lifetime when Deps.RefreshTTL is zero.
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultRetentionDays is how long revoked tokens are kept for forensics before purge.
	DefaultRetentionDays = 30
)

// AccessIssuer mints short-lived access tokens. *security.TokenProvider satisfies it.
type AccessIssuer interface {
	IssueAccess(sub security.Subject) (token string, expiresAt time.Time, err error)
}

// Deps are the collaborators of an Engine. Store and Issuer are required.
type Deps struct {
	Store  repository.Repository
	Issuer AccessIssuer
	// Emitter receives security events asynchronously. Optional.
	Emitter telemetry.EventEmitter
	// Metrics counts rotation outcomes and revoked tokens. Optional.
	Metrics *telemetry.Metrics
	// RefreshTTL defaults to DefaultRefreshTTL.
	RefreshTTL time.Duration
	// GenerateToken defaults to security.GenerateRefreshToken.
	GenerateToken func() (string, error)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine issues, rotates and revokes refresh tokens.
type Engine struct {
	store      repository.Repository
	issuer     AccessIssuer
	emitter    telemetry.EventEmitter
	metrics    *telemetry.Metrics
	refreshTTL time.Duration
	generate   func() (string, error)
	now        func() time.Time
}

// NewEngine returns an Engine over deps.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("rotation: store is required")
	}
	if deps.Issuer == nil {
		return nil, errors.New("rotation: access issuer is required")
	}
	e := &Engine{
		store:      deps.Store,
		issuer:     deps.Issuer,
		emitter:    deps.Emitter,
		metrics:    deps.Metrics,
		refreshTTL: deps.RefreshTTL,
		generate:   deps.GenerateToken,
		now:        deps.Now,
	}
	if e.refreshTTL <= 0 {
		e.refreshTTL = DefaultRefreshTTL
	}
	if e.generate == nil {
		e.generate = security.GenerateRefreshToken
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RotateRequest is one refresh attempt. UserID is the identity the client asserts.
type RotateRequest struct {
	RefreshToken string
	UserID       int64
	IPAddress    string
	UserAgent    string
}

// IssueRequest asks for the first token of a session for an authenticated owner.
type IssueRequest struct {
	Owner     domain.Owner
	IPAddress string
	UserAgent string
}

// RotateResult is a fresh refresh/access token pair and the owner they were minted for.
type RotateResult struct {
	NewRefreshToken string
	AccessToken     string
	AccessExpiresAt time.Time
	User            domain.Owner
}

// Issue creates a new live refresh token for req.Owner plus an access token. Used at login.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*RotateResult, error) {
	if req.Owner.ID <= 0 {
		return nil, errors.New("rotation: issue requires an owner")
	}
	now := e.now()
	token, err := e.generate()
	if err != nil {
		return nil, fmt.Errorf("rotation: generate token: %w", err)
	}
	access, accessExp, err := e.issuer.IssueAccess(subjectOf(req.Owner))
	if err != nil {
		return nil, fmt.Errorf("rotation: issue access token: %w", err)
	}
	rec := &domain.RefreshToken{
		Token:     token,
		UserID:    req.Owner.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.refreshTTL),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("rotation: store token: %w", err)
	}
	return &RotateResult{
		NewRefreshToken: token,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		User:            req.Owner,
	}, nil
}

// Rotate exchanges a live refresh token for a new pair. The presented token is consumed and
// chained to its successor in one conditional write.
//
// Refusals are *Error values. Presenting a consumed or revoked token revokes every token of
// its owner before ErrTokenReuseDetected is returned; if that revocation fails, the store
// error is returned instead so the failure is never hidden behind a refusal.
func (e *Engine) Rotate(ctx context.Context, req RotateRequest) (*RotateResult, error) {
	if req.RefreshToken == "" {
		return nil, e.refuse(ctx, req, nil, ErrInvalidToken)
	}
	now := e.now()

	rec, err := e.store.GetByToken(ctx, req.RefreshToken)
	if err != nil {
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("rotation: lookup token: %w", err)
	}
	if rec == nil {
		return nil, e.refuse(ctx, req, nil, ErrInvalidToken)
	}
	// A disabled account keeps its rows but can no longer extend its session.
	if rec.Owner != nil && rec.Owner.Disabled {
		return nil, e.refuse(ctx, req, rec, ErrInvalidToken)
	}
	// Expiry is checked before reuse: a lapsed token is never a theft signal.
	if rec.Expired(now) {
		return nil, e.refuse(ctx, req, rec, ErrTokenExpired)
	}
	if rec.Consumed() {
		return nil, e.reuseDetected(ctx, req, rec, now)
	}
	if rec.UserID != req.UserID {
		return nil, e.refuse(ctx, req, rec, ErrUserMismatch)
	}

	owner := ownerOf(rec)
	newToken, err := e.generate()
	if err != nil {
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("rotation: generate token: %w", err)
	}
	access, accessExp, err := e.issuer.IssueAccess(subjectOf(owner))
	if err != nil {
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("rotation: issue access token: %w", err)
	}
	next := &domain.RefreshToken{
		Token:     newToken,
		UserID:    rec.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.refreshTTL),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if err := e.store.Consume(ctx, rec.Token, next, now); err != nil {
		if errors.Is(err, repository.ErrTokenConsumed) {
			return nil, e.lostRace(ctx, req, now)
		}
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("rotation: consume token: %w", err)
	}

	e.metrics.RecordRotation(ctx, telemetry.OutcomeSuccess)
	ev := e.event(telemetry.EventRefreshRotated, telemetry.SeverityInfo, owner, req, now)
	telemetry.EmitAsync(ctx, e.emitter, ev)
	return &RotateResult{
		NewRefreshToken: newToken,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		User:            owner,
	}, nil
}

// lostRace classifies a conditional update that matched no row: another request consumed,
// revoked or purged the token between our read and our write.
func (e *Engine) lostRace(ctx context.Context, req RotateRequest, now time.Time) error {
	rec, err := e.store.GetByToken(ctx, req.RefreshToken)
	if err != nil {
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		return fmt.Errorf("rotation: reread token: %w", err)
	}
	switch {
	case rec == nil:
		return e.refuse(ctx, req, nil, ErrInvalidToken)
	case rec.Expired(now):
		return e.refuse(ctx, req, rec, ErrTokenExpired)
	default:
		return e.reuseDetected(ctx, req, rec, now)
	}
}

func (e *Engine) reuseDetected(ctx context.Context, req RotateRequest, rec *domain.RefreshToken, now time.Time) error {
	owner := ownerOf(rec)
	n, err := e.revokeFamily(ctx, owner, now, req)
	if err != nil {
		e.metrics.RecordRotation(ctx, telemetry.OutcomeError)
		log.Printf("rotation: SECURITY reuse detected for user %d but family revocation failed: %v", owner.ID, err)
		return fmt.Errorf("rotation: revoke family of user %d: %w", owner.ID, err)
	}
	e.metrics.RecordRotation(ctx, telemetry.OutcomeReuse)
	log.Printf("rotation: SECURITY reuse detected user=%d company=%d token=%s ip=%s revoked=%d",
		owner.ID, owner.CompanyID, security.TokenFingerprint(req.RefreshToken), req.IPAddress, n)
	ev := e.event(telemetry.EventRefreshReuse, telemetry.SeverityWarn, owner, req, now).
		WithMetadata(map[string]any{"revokedCount": n, "assertedUserId": req.UserID})
	telemetry.EmitAsync(ctx, e.emitter, ev)
	return &Error{Kind: KindTokenReuseDetected, Owner: &owner, Revoked: n}
}

func (e *Engine) refuse(ctx context.Context, req RotateRequest, rec *domain.RefreshToken, refusal *Error) error {
	e.metrics.RecordRotation(ctx, outcomeOf(refusal.Kind))
	var owner domain.Owner
	if rec != nil {
		owner = ownerOf(rec)
	}
	ev := e.event(telemetry.EventRefreshRejected, telemetry.SeverityInfo, owner, req, e.now()).
		WithMetadata(map[string]any{"reason": refusal.Kind.String(), "assertedUserId": req.UserID})
	if refusal.Kind == KindUserMismatch {
		ev.Severity = telemetry.SeverityWarn
	}
	telemetry.EmitAsync(ctx, e.emitter, ev)
	return refusal
}

// RevokeFamily revokes every live refresh token of userID and returns how many were revoked.
// A second call with no new tokens in between returns 0.
func (e *Engine) RevokeFamily(ctx context.Context, userID int64) (int64, error) {
	return e.revokeFamily(ctx, domain.Owner{ID: userID}, e.now(), RotateRequest{})
}

func (e *Engine) revokeFamily(ctx context.Context, owner domain.Owner, now time.Time, req RotateRequest) (int64, error) {
	n, err := e.store.RevokeAllByUser(ctx, owner.ID, now)
	if err != nil {
		return 0, fmt.Errorf("rotation: revoke all tokens of user %d: %w", owner.ID, err)
	}
	e.metrics.RecordRevoked(ctx, n)
	log.Printf("rotation: family revoked user=%d count=%d", owner.ID, n)
	ev := e.event(telemetry.EventFamilyRevoked, telemetry.SeverityWarn, owner, req, now).
		WithMetadata(map[string]int64{"revokedCount": n})
	telemetry.EmitAsync(ctx, e.emitter, ev)
	return n, nil
}

// Revoke revokes a single token and returns its owner. An already-revoked token still
// returns its owner; an unknown one returns nil and is not an error.
func (e *Engine) Revoke(ctx context.Context, token string) (*domain.Owner, error) {
	if token == "" {
		return nil, nil
	}
	rec, err := e.store.GetByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("rotation: lookup token: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	found, err := e.store.Revoke(ctx, token, e.now())
	if err != nil {
		return nil, fmt.Errorf("rotation: revoke token: %w", err)
	}
	if !found {
		return nil, nil
	}
	owner := ownerOf(rec)
	return &owner, nil
}

// ActiveTokens returns the user's tokens that could still be rotated, newest first.
func (e *Engine) ActiveTokens(ctx context.Context, userID int64) ([]*domain.RefreshToken, error) {
	all, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rotation: list tokens: %w", err)
	}
	now := e.now()
	active := make([]*domain.RefreshToken, 0, len(all))
	for _, t := range all {
		if t.ValidForRotation(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

// PurgeOldTokens deletes tokens that expired before now, and revoked tokens whose revocation is
// older than retentionDays. Live tokens are never deleted. retentionDays must not be negative.
func (e *Engine) PurgeOldTokens(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("rotation: retention days must not be negative, got %d", retentionDays)
	}
	now := e.now()
	cutoff := now.AddDate(0, 0, -retentionDays)
	n, err := e.store.DeleteStale(ctx, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("rotation: purge: %w", err)
	}
	if n > 0 {
		log.Printf("rotation: purged %d refresh tokens (retention %d days)", n, retentionDays)
	}
	return n, nil
}

func (e *Engine) event(eventType, severity string, owner domain.Owner, req RotateRequest, now time.Time) *telemetry.SecurityEvent {
	ev := telemetry.NewSecurityEvent(eventType, severity, now)
	ev.UserID = owner.ID
	ev.CompanyID = owner.CompanyID
	ev.TokenFingerprint = security.TokenFingerprint(req.RefreshToken)
	ev.IPAddress = req.IPAddress
	return ev
}

func ownerOf(rec *domain.RefreshToken) domain.Owner {
	if rec.Owner != nil {
		o := *rec.Owner
		o.ID = rec.UserID
		return o
	}
	return domain.Owner{ID: rec.UserID}
}

func subjectOf(o domain.Owner) security.Subject {
	return security.Subject{UserID: o.ID, Role: o.Role, CompanyID: o.CompanyID}
}

func outcomeOf(k Kind) string {
	switch k {
	case KindInvalidToken:
		return telemetry.OutcomeInvalid
	case KindTokenExpired:
		return telemetry.OutcomeExpired
	case KindTokenReuseDetected:
		return telemetry.OutcomeReuse
	case KindUserMismatch:
		return telemetry.OutcomeMismatch
	default:
		return telemetry.OutcomeError
	}
}
