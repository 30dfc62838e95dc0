package profile

import "testing"

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"ambulance", RoleAmbulance, false},
		{" Police ", RolePolice, false},
		{"HOSPITAL", RoleHospital, false},
		{"admin", RoleAdmin, false},
		{"physician", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRole(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseRole(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRole_IsService(t *testing.T) {
	for _, r := range ServiceRoles {
		if !r.IsService() {
			t.Errorf("%s should be a service role", r)
		}
	}
	if RoleAdmin.IsService() {
		t.Error("admin is not a service role")
	}
}

func TestRole_TitleAndDashboardPath(t *testing.T) {
	if got := RoleHospital.Title(); got != "Hospital" {
		t.Errorf("Title() = %q", got)
	}
	if got := RolePolice.DashboardPath(); got != "/police/dashboard" {
		t.Errorf("DashboardPath() = %q", got)
	}
}

func TestUserProfile_VerificationStates(t *testing.T) {
	pending := &UserProfile{Role: RoleAmbulance, Verified: boolPtr(false)}
	if pending.IsVerified() || !pending.IsPending() {
		t.Error("unverified service account should be pending")
	}

	verified := &UserProfile{Role: RoleAmbulance, Verified: boolPtr(true)}
	if !verified.IsVerified() || verified.IsPending() {
		t.Error("verified account should not be pending")
	}

	rejected := &UserProfile{Role: RolePolice, Rejected: true}
	if rejected.IsVerified() || rejected.IsPending() {
		t.Error("rejected account is neither verified nor pending")
	}

	admin := &UserProfile{Role: RoleAdmin, Verified: boolPtr(false)}
	if admin.IsPending() {
		t.Error("admins never appear in the pending list")
	}
}

func TestUserProfile_Name(t *testing.T) {
	p := &UserProfile{Email: "a@example.com"}
	if p.Name() != "a@example.com" {
		t.Errorf("Name() = %q, want email fallback", p.Name())
	}
	p.DisplayName = strPtr("Dana")
	if p.Name() != "Dana" {
		t.Errorf("Name() = %q", p.Name())
	}
}
