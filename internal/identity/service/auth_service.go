package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"quelyos-auth/internal/audit"
	auditdomain "quelyos-auth/internal/audit/domain"
	policyengine "quelyos-auth/internal/policy/engine"
	rtdomain "quelyos-auth/internal/refreshtoken/domain"
	"quelyos-auth/internal/rotation"
	"quelyos-auth/internal/security"
	"quelyos-auth/internal/telemetry"
	userdomain "quelyos-auth/internal/user/domain"
)

// Sentinel errors for auth service; the HTTP handler maps them to status codes.
// Rotation refusals are returned as *rotation.Error.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrForbidden              = errors.New("forbidden")
	ErrUserNotFound           = errors.New("user not found")
	ErrInvalidRetention       = errors.New("retention days must not be negative")
)

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

// TokenEngine is the refresh token engine used by the auth service. *rotation.Engine satisfies it.
type TokenEngine interface {
	Issue(ctx context.Context, req rotation.IssueRequest) (*rotation.RotateResult, error)
	Rotate(ctx context.Context, req rotation.RotateRequest) (*rotation.RotateResult, error)
	Revoke(ctx context.Context, token string) (*rtdomain.Owner, error)
	RevokeFamily(ctx context.Context, userID int64) (int64, error)
	PurgeOldTokens(ctx context.Context, retentionDays int) (int64, error)
	ActiveTokens(ctx context.Context, userID int64) ([]*rtdomain.RefreshToken, error)
}

// Options are the optional collaborators of AuthService.
type Options struct {
	Audit   audit.AuditLogger
	Emitter telemetry.EventEmitter
	// RetentionDays is used by PurgeTokens when the caller gives none. Defaults to rotation.DefaultRetentionDays.
	RetentionDays int
}

// AuthService implements password login, refresh rotation, logout and token administration.
type AuthService struct {
	users         UserRepo
	tokens        TokenEngine
	hasher        *security.Hasher
	policy        policyengine.Evaluator
	audit         audit.AuditLogger
	emitter       telemetry.EventEmitter
	retentionDays int
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(users UserRepo, tokens TokenEngine, hasher *security.Hasher, policy policyengine.Evaluator, opts Options) *AuthService {
	retention := opts.RetentionDays
	if retention <= 0 {
		retention = rotation.DefaultRetentionDays
	}
	return &AuthService{
		users:         users,
		tokens:        tokens,
		hasher:        hasher,
		policy:        policy,
		audit:         opts.Audit,
		emitter:       opts.Emitter,
		retentionDays: retention,
	}
}

// Register creates an active user with the given email, password, role and company.
// Used by the seed command; there is no public sign-up.
func (s *AuthService) Register(ctx context.Context, email, password, role string, companyID int64) (*userdomain.User, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user := &userdomain.User{
		Email:        email,
		PasswordHash: hashed,
		Role:         role,
		CompanyID:    companyID,
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates with email and password and issues the first refresh token of a new session.
// Unknown emails, disabled users and wrong passwords all return ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password, ip, userAgent string) (*rotation.RotateResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.hasher.CompareDummy([]byte(password))
		s.loginFailed(ctx, 0, 0, ip, "unknown_email")
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		s.loginFailed(ctx, user.CompanyID, user.ID, ip, "bad_password")
		return nil, ErrInvalidCredentials
	}
	if !user.Active() {
		s.loginFailed(ctx, user.CompanyID, user.ID, ip, "disabled")
		return nil, ErrInvalidCredentials
	}

	res, err := s.tokens.Issue(ctx, rotation.IssueRequest{
		Owner:     ownerOf(user),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, user.CompanyID, user.ID, auditdomain.ActionLoginSuccess, auditdomain.ResourceSession, nil)
	ev := telemetry.NewSecurityEvent(telemetry.EventLoginSucceeded, telemetry.SeverityInfo, time.Now())
	ev.UserID, ev.CompanyID, ev.IPAddress = user.ID, user.CompanyID, ip
	ev.TokenFingerprint = security.TokenFingerprint(res.NewRefreshToken)
	telemetry.EmitAsync(ctx, s.emitter, ev)
	return res, nil
}

func (s *AuthService) loginFailed(ctx context.Context, companyID, userID int64, ip, reason string) {
	s.logAudit(ctx, companyID, userID, auditdomain.ActionLoginFailure, auditdomain.ResourceSession,
		map[string]any{"reason": reason})
	ev := telemetry.NewSecurityEvent(telemetry.EventLoginFailed, telemetry.SeverityInfo, time.Now()).
		WithMetadata(map[string]string{"reason": reason})
	ev.UserID, ev.CompanyID, ev.IPAddress = userID, companyID, ip
	telemetry.EmitAsync(ctx, s.emitter, ev)
}

// Refresh rotates refreshToken for userID. Refusals are *rotation.Error.
// On reuse the audit rows are written against the token's real owner; userID is only recorded as asserted.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, userID int64, ip, userAgent string) (*rotation.RotateResult, error) {
	res, err := s.tokens.Rotate(ctx, rotation.RotateRequest{
		RefreshToken: refreshToken,
		UserID:       userID,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
	if owner, revoked, ok := rotation.ReuseOwner(err); ok {
		fingerprint := security.TokenFingerprint(refreshToken)
		s.logAudit(ctx, owner.CompanyID, owner.ID, auditdomain.ActionRefreshReuse, auditdomain.ResourceRefreshToken,
			map[string]any{"tokenFingerprint": fingerprint, "assertedUserId": userID})
		s.logAudit(ctx, owner.CompanyID, owner.ID, auditdomain.ActionFamilyRevoke, auditdomain.ResourceRefreshToken,
			map[string]any{"reason": auditdomain.ActionRefreshReuse, "tokenFingerprint": fingerprint, "revokedCount": revoked})
	}
	return res, err
}

// Logout revokes one refresh token. It reports whether the token was known; unknown tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) (bool, error) {
	owner, err := s.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		return false, err
	}
	if owner == nil {
		return false, nil
	}
	s.logAudit(ctx, owner.CompanyID, owner.ID, auditdomain.ActionLogout, auditdomain.ResourceSession,
		map[string]any{"tokenFingerprint": security.TokenFingerprint(refreshToken)})
	ev := telemetry.NewSecurityEvent(telemetry.EventLogout, telemetry.SeverityInfo, time.Now())
	ev.UserID, ev.CompanyID = owner.ID, owner.CompanyID
	ev.TokenFingerprint = security.TokenFingerprint(refreshToken)
	telemetry.EmitAsync(ctx, s.emitter, ev)
	return true, nil
}

// RevokeFamily revokes every live token of targetUserID on behalf of actor. targetUserID 0 means the actor.
// Returns ErrUserNotFound for an unknown target and ErrForbidden when the policy denies.
func (s *AuthService) RevokeFamily(ctx context.Context, actor security.Subject, targetUserID int64) (int64, error) {
	if targetUserID == 0 {
		targetUserID = actor.UserID
	}
	target, err := s.users.GetByID(ctx, targetUserID)
	if err != nil {
		return 0, err
	}
	if target == nil {
		return 0, ErrUserNotFound
	}
	if err := s.authorize(ctx, policyengine.Request{
		Action: policyengine.ActionRevokeFamily,
		Actor:  principalOf(actor),
		Target: policyengine.Principal{UserID: target.ID, Role: target.Role, CompanyID: target.CompanyID},
	}); err != nil {
		return 0, err
	}
	n, err := s.tokens.RevokeFamily(ctx, target.ID)
	if err != nil {
		return 0, err
	}
	s.logAudit(ctx, target.CompanyID, target.ID, auditdomain.ActionFamilyRevoke, auditdomain.ResourceRefreshToken,
		map[string]any{"actorUserId": actor.UserID, "revokedCount": n})
	return n, nil
}

// PurgeTokens runs the retention purge on behalf of actor. nil retentionDays uses the configured default.
func (s *AuthService) PurgeTokens(ctx context.Context, actor security.Subject, retentionDays *int) (int64, error) {
	days := s.retentionDays
	if retentionDays != nil {
		days = *retentionDays
	}
	if days < 0 {
		return 0, ErrInvalidRetention
	}
	if err := s.authorize(ctx, policyengine.Request{
		Action: policyengine.ActionPurge,
		Actor:  principalOf(actor),
	}); err != nil {
		return 0, err
	}
	n, err := s.tokens.PurgeOldTokens(ctx, days)
	if err != nil {
		return 0, err
	}
	s.logAudit(ctx, actor.CompanyID, actor.UserID, auditdomain.ActionTokenPurge, auditdomain.ResourceRefreshToken,
		map[string]any{"retentionDays": days, "deletedCount": n})
	ev := telemetry.NewSecurityEvent(telemetry.EventTokensPurged, telemetry.SeverityInfo, time.Now()).
		WithMetadata(map[string]any{"retentionDays": days, "deletedCount": n})
	ev.UserID, ev.CompanyID = actor.UserID, actor.CompanyID
	telemetry.EmitAsync(ctx, s.emitter, ev)
	return n, nil
}

// Session describes one live refresh token without exposing it.
type Session struct {
	TokenFingerprint string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IPAddress        string
	UserAgent        string
}

// Sessions lists the actor's live refresh tokens, newest first.
func (s *AuthService) Sessions(ctx context.Context, actor security.Subject) ([]Session, error) {
	tokens, err := s.tokens.ActiveTokens(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, Session{
			TokenFingerprint: security.TokenFingerprint(t.Token),
			IssuedAt:         t.IssuedAt,
			ExpiresAt:        t.ExpiresAt,
			IPAddress:        t.IPAddress,
			UserAgent:        t.UserAgent,
		})
	}
	return out, nil
}

func (s *AuthService) authorize(ctx context.Context, req policyengine.Request) error {
	if s.policy == nil {
		return ErrForbidden
	}
	ok, err := s.policy.Allow(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		ev := telemetry.NewSecurityEvent(telemetry.EventPolicyDenied, telemetry.SeverityWarn, time.Now()).
			WithMetadata(map[string]any{"action": req.Action, "targetUserId": req.Target.UserID})
		ev.UserID, ev.CompanyID = req.Actor.UserID, req.Actor.CompanyID
		telemetry.EmitAsync(ctx, s.emitter, ev)
		return ErrForbidden
	}
	return nil
}

func (s *AuthService) logAudit(ctx context.Context, companyID, userID int64, action, resource string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, companyID, userID, action, resource, metadata)
}

func ownerOf(u *userdomain.User) rtdomain.Owner {
	return rtdomain.Owner{ID: u.ID, Email: u.Email, Role: u.Role, CompanyID: u.CompanyID}
}

func principalOf(sub security.Subject) policyengine.Principal {
	return policyengine.Principal{UserID: sub.UserID, Role: sub.Role, CompanyID: sub.CompanyID}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	if !emailPattern.MatchString(email) {
		return errors.New("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	switch {
	case !hasUpper:
		return errors.New("password must contain at least one uppercase letter")
	case !hasLower:
		return errors.New("password must contain at least one lowercase letter")
	case !hasNumber:
		return errors.New("password must contain at least one number")
	case !hasSymbol:
		return errors.New("password must contain at least one symbol")
	}
	return nil
}
