package domain

import "testing"

func TestUser_Validate(t *testing.T) {
	u := &User{Email: "a@example.com", PasswordHash: "hash"}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if u.Status != UserStatusActive {
		t.Errorf("Status = %q, want active default", u.Status)
	}
	if u.Role != RoleUser {
		t.Errorf("Role = %q, want user default", u.Role)
	}
	if !u.Active() {
		t.Error("defaulted user should be active")
	}

	for _, bad := range []*User{{PasswordHash: "hash"}, {Email: "a@example.com"}} {
		if err := bad.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", bad)
		}
	}
}
