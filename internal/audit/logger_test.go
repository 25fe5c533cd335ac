package audit

import (
	"context"
	"errors"
	"testing"

	"quelyos-auth/internal/audit/domain"
)

// mockAuditRepo implements the audit repository interface for tests.
type mockAuditRepo struct {
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	return nil, nil
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByCompany(ctx context.Context, companyID int64, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo, func(context.Context) string { return "192.168.1.1" })

	logger.LogEvent(context.Background(), 7, 42, domain.ActionFamilyRevoke, domain.ResourceRefreshToken,
		map[string]any{"revokedCount": 3})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.CompanyID != 7 || entry.UserID != 42 {
		t.Errorf("company/user = %d/%d, want 7/42", entry.CompanyID, entry.UserID)
	}
	if entry.Action != domain.ActionFamilyRevoke || entry.Resource != domain.ResourceRefreshToken {
		t.Errorf("action/resource = %q/%q", entry.Action, entry.Resource)
	}
	if entry.IP != "192.168.1.1" {
		t.Errorf("ip = %q, want %q", entry.IP, "192.168.1.1")
	}
	if entry.Metadata != `{"revokedCount":3}` {
		t.Errorf("metadata = %q", entry.Metadata)
	}
	if entry.ID == "" {
		t.Error("entry ID should be set")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("entry CreatedAt should be set")
	}
}

func TestLogger_LogEvent_DefaultIPFromContext(t *testing.T) {
	testCases := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"ip in context", WithClientIP(context.Background(), "10.0.0.1"), "10.0.0.1"},
		{"no ip", context.Background(), "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &mockAuditRepo{}
			NewLogger(repo, nil).LogEvent(tc.ctx, 0, 0, domain.ActionLoginFailure, domain.ResourceSession, nil)
			if len(repo.entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(repo.entries))
			}
			if repo.entries[0].IP != tc.want {
				t.Errorf("ip = %q, want %q", repo.entries[0].IP, tc.want)
			}
			if repo.entries[0].Metadata != "" {
				t.Errorf("metadata = %q, want empty", repo.entries[0].Metadata)
			}
		})
	}
}

func TestLogger_LogEvent_RepositoryError(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("database error")}
	// Should not panic or return error - best-effort logging
	NewLogger(repo, nil).LogEvent(context.Background(), 1, 1, domain.ActionLogout, domain.ResourceSession, nil)
}

func TestLogger_LogEvent_NilRepoAndLogger(t *testing.T) {
	NewLogger(nil, nil).LogEvent(context.Background(), 1, 1, domain.ActionLogout, domain.ResourceSession, nil)
	var l *Logger
	l.LogEvent(context.Background(), 1, 1, domain.ActionLogout, domain.ResourceSession, nil)
}
