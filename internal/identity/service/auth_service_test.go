package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	policyengine "quelyos-auth/internal/policy/engine"
	rtdomain "quelyos-auth/internal/refreshtoken/domain"
	"quelyos-auth/internal/rotation"
	"quelyos-auth/internal/security"
	"quelyos-auth/internal/telemetry"
	userdomain "quelyos-auth/internal/user/domain"
)

type memUserRepo struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*userdomain.User
	byEmail map[string]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[int64]*userdomain.User{}, byEmail: map[string]*userdomain.User{}}
}

func (r *memUserRepo) GetByID(ctx context.Context, id int64) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEmail[email], nil
}

func (r *memUserRepo) Create(ctx context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	u.ID = r.nextID
	r.byID[u.ID] = u
	r.byEmail[u.Email] = u
	return nil
}

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	issued      []rotation.IssueRequest
	rotateErr   error
	revokeOwner *rtdomain.Owner
	familyCalls []int64
	purgeDays   []int
	active      []*rtdomain.RefreshToken
}

func (e *fakeEngine) Issue(ctx context.Context, req rotation.IssueRequest) (*rotation.RotateResult, error) {
	e.issued = append(e.issued, req)
	return &rotation.RotateResult{NewRefreshToken: "rt-new", AccessToken: "at-new", User: req.Owner}, nil
}

func (e *fakeEngine) Rotate(ctx context.Context, req rotation.RotateRequest) (*rotation.RotateResult, error) {
	if e.rotateErr != nil {
		return nil, e.rotateErr
	}
	return &rotation.RotateResult{NewRefreshToken: "rt-next", AccessToken: "at-next"}, nil
}

func (e *fakeEngine) Revoke(ctx context.Context, token string) (*rtdomain.Owner, error) {
	return e.revokeOwner, nil
}

func (e *fakeEngine) RevokeFamily(ctx context.Context, userID int64) (int64, error) {
	e.familyCalls = append(e.familyCalls, userID)
	return 2, nil
}

func (e *fakeEngine) PurgeOldTokens(ctx context.Context, retentionDays int) (int64, error) {
	e.purgeDays = append(e.purgeDays, retentionDays)
	return 5, nil
}

func (e *fakeEngine) ActiveTokens(ctx context.Context, userID int64) ([]*rtdomain.RefreshToken, error) {
	return e.active, nil
}

// rolePolicy allows revoke_family for self or same-company admins and purge for super admins.
type rolePolicy struct {
	err error
}

func (p rolePolicy) Allow(ctx context.Context, req policyengine.Request) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	switch req.Action {
	case policyengine.ActionRevokeFamily:
		return req.Actor.UserID == req.Target.UserID ||
			(req.Actor.Role == userdomain.RoleAdmin && req.Actor.CompanyID == req.Target.CompanyID), nil
	case policyengine.ActionPurge:
		return req.Actor.Role == userdomain.RoleSuperAdmin, nil
	}
	return false, nil
}

type auditEntry struct {
	companyID, userID int64
	action            string
	metadata          map[string]any
}

type memAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *memAudit) LogEvent(ctx context.Context, companyID, userID int64, action, resource string, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{companyID: companyID, userID: userID, action: action, metadata: metadata})
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.action)
	}
	return out
}

type chanEmitter chan *telemetry.SecurityEvent

func (c chanEmitter) Emit(ctx context.Context, ev *telemetry.SecurityEvent) error {
	c <- ev
	return nil
}

type testEnv struct {
	svc    *AuthService
	users  *memUserRepo
	engine *fakeEngine
	audit  *memAudit
	events chanEmitter
}

func newTestAuthService(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		users:  newMemUserRepo(),
		engine: &fakeEngine{},
		audit:  &memAudit{},
		events: make(chanEmitter, 16),
	}
	env.svc = NewAuthService(env.users, env.engine, security.NewHasher(4), rolePolicy{}, Options{
		Audit:   env.audit,
		Emitter: env.events,
	})
	return env
}

func (env *testEnv) register(t *testing.T, email, role string, companyID int64) *userdomain.User {
	t.Helper()
	u, err := env.svc.Register(context.Background(), email, "Password123!abc", role, companyID)
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return u
}

func (env *testEnv) waitEvent(t *testing.T, want string) *telemetry.SecurityEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-env.events:
			if ev.EventType == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
			return nil
		}
	}
}

func TestAuthService_Register(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()

	u, err := env.svc.Register(ctx, " User@Example.com ", "Password123!abc", "", 7)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("expected user id")
	}
	if u.Email != "user@example.com" {
		t.Errorf("email = %q, want normalized", u.Email)
	}
	if u.Role != userdomain.RoleUser || !u.Active() {
		t.Errorf("role=%q status=%q, want user/active", u.Role, u.Status)
	}
	if u.PasswordHash == "Password123!abc" {
		t.Error("password stored in plaintext")
	}

	_, err = env.svc.Register(ctx, "user@example.com", "Other123!abcd", "", 7)
	if err != ErrEmailAlreadyRegistered {
		t.Errorf("duplicate email: want ErrEmailAlreadyRegistered, got %v", err)
	}
}

func TestAuthService_RegisterValidation(t *testing.T) {
	env := newTestAuthService(t)
	testCases := []struct {
		name, email, password string
	}{
		{"invalid email", "bad-email", "Password123!abc"},
		{"short password", "a@b.co", "Short1!abc"},
		{"no uppercase", "a@b.co", "password123!abc"},
		{"no lowercase", "a@b.co", "PASSWORD123!ABC"},
		{"no number", "a@b.co", "Password!!!!!abc"},
		{"no symbol", "a@b.co", "Password1234abc"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.svc.Register(context.Background(), tc.email, tc.password, "", 1); err == nil {
				t.Errorf("Register(%q, %q): expected error", tc.email, tc.password)
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	env := newTestAuthService(t)
	u := env.register(t, "alice@example.com", userdomain.RoleAdmin, 7)

	res, err := env.svc.Login(context.Background(), "ALICE@example.com", "Password123!abc", "10.0.0.1", "curl/8")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.NewRefreshToken != "rt-new" || res.AccessToken != "at-new" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(env.engine.issued) != 1 {
		t.Fatalf("Issue calls = %d, want 1", len(env.engine.issued))
	}
	req := env.engine.issued[0]
	want := rtdomain.Owner{ID: u.ID, Email: u.Email, Role: userdomain.RoleAdmin, CompanyID: 7}
	if req.Owner != want {
		t.Errorf("owner = %+v, want %+v", req.Owner, want)
	}
	if req.IPAddress != "10.0.0.1" || req.UserAgent != "curl/8" {
		t.Errorf("client = %q %q", req.IPAddress, req.UserAgent)
	}
	if got := env.audit.actions(); len(got) != 1 || got[0] != "login_success" {
		t.Errorf("audit = %v, want [login_success]", got)
	}
	ev := env.waitEvent(t, telemetry.EventLoginSucceeded)
	if ev.UserID != u.ID || ev.TokenFingerprint != security.TokenFingerprint("rt-new") {
		t.Errorf("event = %+v", ev)
	}
}

func TestAuthService_LoginInvalidCredentials(t *testing.T) {
	env := newTestAuthService(t)
	env.register(t, "alice@example.com", "", 7)
	disabled := env.register(t, "bob@example.com", "", 7)
	disabled.Status = userdomain.UserStatusDisabled

	testCases := []struct {
		name, email, password string
	}{
		{"unknown email", "nobody@example.com", "Password123!abc"},
		{"wrong password", "alice@example.com", "Wrong123!abcd"},
		{"disabled user", "bob@example.com", "Password123!abc"},
		{"empty password", "alice@example.com", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Login(context.Background(), tc.email, tc.password, "", "")
			if err != ErrInvalidCredentials {
				t.Errorf("Login: want ErrInvalidCredentials, got %v", err)
			}
		})
	}
	if len(env.engine.issued) != 0 {
		t.Errorf("Issue called %d times on failed logins", len(env.engine.issued))
	}
	failures := 0
	for _, a := range env.audit.actions() {
		if a == "login_failure" {
			failures++
		}
	}
	if failures != 3 {
		t.Errorf("login_failure audits = %d, want 3", failures)
	}
}

func TestAuthService_Refresh(t *testing.T) {
	env := newTestAuthService(t)
	res, err := env.svc.Refresh(context.Background(), "rt-old", 42, "", "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.NewRefreshToken != "rt-next" {
		t.Errorf("NewRefreshToken = %q", res.NewRefreshToken)
	}
	if len(env.audit.actions()) != 0 {
		t.Errorf("successful refresh should not audit, got %v", env.audit.actions())
	}
}

func TestAuthService_RefreshReuseIsAuditedAgainstOwner(t *testing.T) {
	env := newTestAuthService(t)
	env.engine.rotateErr = &rotation.Error{
		Kind:    rotation.KindTokenReuseDetected,
		Owner:   &rtdomain.Owner{ID: 7, CompanyID: 3},
		Revoked: 2,
	}

	_, err := env.svc.Refresh(context.Background(), "rt-stolen", 999, "", "")
	if !errors.Is(err, rotation.ErrTokenReuseDetected) {
		t.Fatalf("Refresh: want reuse refusal, got %v", err)
	}
	env.audit.mu.Lock()
	defer env.audit.mu.Unlock()
	if len(env.audit.entries) != 2 {
		t.Fatalf("audit = %+v, want refresh_reuse and family_revoke", env.audit.entries)
	}
	reuse, family := env.audit.entries[0], env.audit.entries[1]
	if reuse.action != "refresh_reuse" || family.action != "family_revoke" {
		t.Fatalf("actions = %q, %q", reuse.action, family.action)
	}
	for _, e := range env.audit.entries {
		if e.userID != 7 || e.companyID != 3 {
			t.Errorf("%s row blames user=%d company=%d, want owner 7/3", e.action, e.userID, e.companyID)
		}
		if e.metadata["tokenFingerprint"] != security.TokenFingerprint("rt-stolen") {
			t.Errorf("%s row fingerprint = %v", e.action, e.metadata["tokenFingerprint"])
		}
	}
	if reuse.metadata["assertedUserId"] != int64(999) {
		t.Errorf("assertedUserId = %v, want 999", reuse.metadata["assertedUserId"])
	}
	if family.metadata["revokedCount"] != int64(2) {
		t.Errorf("revokedCount = %v, want 2", family.metadata["revokedCount"])
	}
}

func TestAuthService_RefreshOtherRefusalsNotAudited(t *testing.T) {
	for _, refusal := range []error{rotation.ErrInvalidToken, rotation.ErrTokenExpired, rotation.ErrUserMismatch} {
		env := newTestAuthService(t)
		env.engine.rotateErr = refusal
		if _, err := env.svc.Refresh(context.Background(), "rt", 1, "", ""); !errors.Is(err, refusal) {
			t.Errorf("Refresh: want %v, got %v", refusal, err)
		}
		if len(env.audit.actions()) != 0 {
			t.Errorf("%v: unexpected audit %v", refusal, env.audit.actions())
		}
	}
}

func TestAuthService_Logout(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()

	found, err := env.svc.Logout(ctx, "rt-unknown")
	if err != nil || found {
		t.Fatalf("Logout unknown = %v, %v; want false, nil", found, err)
	}
	if len(env.audit.actions()) != 0 {
		t.Errorf("unknown token should not audit")
	}

	env.engine.revokeOwner = &rtdomain.Owner{ID: 42, CompanyID: 7}
	found, err = env.svc.Logout(ctx, "rt-live")
	if err != nil || !found {
		t.Fatalf("Logout = %v, %v; want true, nil", found, err)
	}
	env.audit.mu.Lock()
	entries := append([]auditEntry(nil), env.audit.entries...)
	env.audit.mu.Unlock()
	if len(entries) != 1 || entries[0].action != "logout" {
		t.Fatalf("audit = %+v, want one logout", entries)
	}
	if entries[0].userID != 42 || entries[0].companyID != 7 {
		t.Errorf("logout row user=%d company=%d, want 42/7", entries[0].userID, entries[0].companyID)
	}
	if ev := env.waitEvent(t, telemetry.EventLogout); ev.UserID != 42 {
		t.Errorf("logout event user = %d, want 42", ev.UserID)
	}
}

func TestAuthService_RevokeFamily(t *testing.T) {
	env := newTestAuthService(t)
	admin := env.register(t, "admin@example.com", userdomain.RoleAdmin, 7)
	member := env.register(t, "member@example.com", userdomain.RoleUser, 7)
	outsider := env.register(t, "outsider@example.com", userdomain.RoleUser, 9)

	subject := func(u *userdomain.User) security.Subject {
		return security.Subject{UserID: u.ID, Role: u.Role, CompanyID: u.CompanyID}
	}
	testCases := []struct {
		name    string
		actor   security.Subject
		target  int64
		wantErr error
		wantFor int64
	}{
		{"self via zero", subject(member), 0, nil, member.ID},
		{"self explicit", subject(outsider), outsider.ID, nil, outsider.ID},
		{"admin same company", subject(admin), member.ID, nil, member.ID},
		{"admin other company", subject(admin), outsider.ID, ErrForbidden, 0},
		{"user on other user", subject(member), admin.ID, ErrForbidden, 0},
		{"unknown target", subject(admin), 999, ErrUserNotFound, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env.engine.familyCalls = nil
			n, err := env.svc.RevokeFamily(context.Background(), tc.actor, tc.target)
			if tc.wantErr != nil {
				if err != tc.wantErr {
					t.Fatalf("RevokeFamily: want %v, got %v", tc.wantErr, err)
				}
				if len(env.engine.familyCalls) != 0 {
					t.Errorf("engine called on refusal")
				}
				return
			}
			if err != nil {
				t.Fatalf("RevokeFamily: %v", err)
			}
			if n != 2 {
				t.Errorf("revoked = %d, want 2", n)
			}
			if len(env.engine.familyCalls) != 1 || env.engine.familyCalls[0] != tc.wantFor {
				t.Errorf("familyCalls = %v, want [%d]", env.engine.familyCalls, tc.wantFor)
			}
		})
	}
}

func TestAuthService_RevokeFamilyDeniedEmitsEvent(t *testing.T) {
	env := newTestAuthService(t)
	member := env.register(t, "member@example.com", userdomain.RoleUser, 7)
	other := env.register(t, "other@example.com", userdomain.RoleUser, 7)

	actor := security.Subject{UserID: member.ID, Role: member.Role, CompanyID: 7}
	if _, err := env.svc.RevokeFamily(context.Background(), actor, other.ID); err != ErrForbidden {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	ev := env.waitEvent(t, telemetry.EventPolicyDenied)
	if ev.UserID != member.ID || ev.Severity != telemetry.SeverityWarn {
		t.Errorf("event = %+v", ev)
	}
}

func TestAuthService_RevokeFamilyPolicyError(t *testing.T) {
	env := newTestAuthService(t)
	u := env.register(t, "member@example.com", "", 7)
	boom := errors.New("opa down")
	env.svc.policy = rolePolicy{err: boom}

	_, err := env.svc.RevokeFamily(context.Background(), security.Subject{UserID: u.ID}, 0)
	if !errors.Is(err, boom) {
		t.Errorf("want policy error, got %v", err)
	}
}

func TestAuthService_PurgeTokens(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	root := security.Subject{UserID: 1, Role: userdomain.RoleSuperAdmin}
	admin := security.Subject{UserID: 2, Role: userdomain.RoleAdmin, CompanyID: 7}

	if _, err := env.svc.PurgeTokens(ctx, admin, nil); err != ErrForbidden {
		t.Fatalf("admin purge: want ErrForbidden, got %v", err)
	}
	n, err := env.svc.PurgeTokens(ctx, root, nil)
	if err != nil {
		t.Fatalf("PurgeTokens: %v", err)
	}
	if n != 5 {
		t.Errorf("deleted = %d, want 5", n)
	}
	zero := 0
	if _, err := env.svc.PurgeTokens(ctx, root, &zero); err != nil {
		t.Fatalf("PurgeTokens(0): %v", err)
	}
	negative := -1
	if _, err := env.svc.PurgeTokens(ctx, root, &negative); err != ErrInvalidRetention {
		t.Errorf("negative retention: want ErrInvalidRetention, got %v", err)
	}
	if got := env.engine.purgeDays; len(got) != 2 || got[0] != rotation.DefaultRetentionDays || got[1] != 0 {
		t.Errorf("purgeDays = %v, want [%d 0]", got, rotation.DefaultRetentionDays)
	}
}

func TestAuthService_Sessions(t *testing.T) {
	env := newTestAuthService(t)
	now := time.Now()
	env.engine.active = []*rtdomain.RefreshToken{
		{Token: "rt-a", UserID: 42, IssuedAt: now, ExpiresAt: now.Add(time.Hour), IPAddress: "10.0.0.1"},
	}
	sessions, err := env.svc.Sessions(context.Background(), security.Subject{UserID: 42})
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len = %d, want 1", len(sessions))
	}
	if sessions[0].TokenFingerprint != security.TokenFingerprint("rt-a") || sessions[0].IPAddress != "10.0.0.1" {
		t.Errorf("session = %+v", sessions[0])
	}
}
