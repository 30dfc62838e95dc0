package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/auth"
)

const testSigningKey = "session-test-signing-key-0123456789"

type testEnv struct {
	svc     *Service
	repo    *profile.MemoryRepository
	issuer  *auth.Issuer
	revoker *auth.MemoryRevoker
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	repo := profile.NewMemoryRepository()
	issuer := auth.NewIssuer(testSigningKey, "dispatch-test", time.Hour)
	revoker := auth.NewMemoryRevoker(time.Hour)
	t.Cleanup(func() { revoker.Close() })
	return &testEnv{
		svc:     NewService(repo, issuer, revoker, policy, zerolog.Nop()),
		repo:    repo,
		issuer:  issuer,
		revoker: revoker,
	}
}

func (e *testEnv) addUser(t *testing.T, email, password string, role profile.Role, isVerified *bool, rejected bool) *profile.UserProfile {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	p := &profile.UserProfile{Email: email, PasswordHash: hash, Role: role, Verified: isVerified, Rejected: rejected}
	if err := e.repo.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestService_SignIn(t *testing.T) {
	env := newTestEnv(t, Policy{AdminVerificationExempt: true})
	p := env.addUser(t, "medic@example.com", "secret1", profile.RoleAmbulance, verified(true), false)

	login, err := env.svc.SignIn(context.Background(), "Medic@Example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, err := env.issuer.Parse(login.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != p.ID.String() || claims.Role != "ambulance" || claims.ID == "" {
		t.Errorf("unexpected claims %+v", claims)
	}

	stored, _ := env.repo.GetByID(context.Background(), p.ID)
	if stored.LastLogin == nil {
		t.Error("last login not recorded")
	}
}

func TestService_SignIn_Failures(t *testing.T) {
	env := newTestEnv(t, Policy{AdminVerificationExempt: true})
	env.addUser(t, "pending@example.com", "secret1", profile.RoleHospital, verified(false), false)
	env.addUser(t, "rejected@example.com", "secret1", profile.RolePolice, nil, true)
	env.addUser(t, "ok@example.com", "secret1", profile.RolePolice, verified(true), false)

	tests := []struct {
		email, password string
		want            error
	}{
		{"nobody@example.com", "secret1", ErrInvalidCredentials},
		{"ok@example.com", "wrong-pass", ErrInvalidCredentials},
		{"pending@example.com", "secret1", ErrPendingApproval},
		{"rejected@example.com", "secret1", ErrAccountRejected},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			_, err := env.svc.SignIn(context.Background(), tt.email, tt.password)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if ErrPendingApproval.Error() != "Your account is pending approval. Please wait for an administrator to verify your account." {
		t.Errorf("pending message = %q", ErrPendingApproval.Error())
	}
}

func TestService_SignIn_AdminUnderBothPolicies(t *testing.T) {
	exempt := newTestEnv(t, Policy{AdminVerificationExempt: true})
	exempt.addUser(t, "root@example.com", "secret1", profile.RoleAdmin, nil, false)
	if _, err := exempt.svc.SignIn(context.Background(), "root@example.com", "secret1"); err != nil {
		t.Errorf("exempt admin should sign in: %v", err)
	}

	strict := newTestEnv(t, Policy{AdminVerificationExempt: false})
	strict.addUser(t, "root@example.com", "secret1", profile.RoleAdmin, verified(false), false)
	if _, err := strict.svc.SignIn(context.Background(), "root@example.com", "secret1"); !errors.Is(err, ErrPendingApproval) {
		t.Errorf("gated admin should be pending, got %v", err)
	}
}

func TestService_SignOutRevokesToken(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.addUser(t, "cop@example.com", "secret1", profile.RolePolice, verified(true), false)
	login, _ := env.svc.SignIn(context.Background(), "cop@example.com", "secret1")

	if err := env.svc.SignOut(context.Background(), login.Claims); err != nil {
		t.Fatal(err)
	}
	revoked, _ := env.revoker.IsRevoked(context.Background(), login.Claims)
	if !revoked {
		t.Error("token should be revoked after sign-out")
	}
}

func TestService_ForceSignOut(t *testing.T) {
	env := newTestEnv(t, Policy{})
	p := env.addUser(t, "cop@example.com", "secret1", profile.RolePolice, verified(true), false)
	login, _ := env.svc.SignIn(context.Background(), "cop@example.com", "secret1")

	env.svc.now = func() time.Time { return time.Now().Add(time.Second) }
	if err := env.svc.ForceSignOut(context.Background(), p.ID.String()); err != nil {
		t.Fatal(err)
	}
	revoked, _ := env.revoker.IsRevoked(context.Background(), login.Claims)
	if !revoked {
		t.Error("every earlier token should be revoked")
	}
}

func TestService_Resolve(t *testing.T) {
	env := newTestEnv(t, Policy{AdminVerificationExempt: true})
	ok := env.addUser(t, "ok@example.com", "secret1", profile.RoleHospital, verified(true), false)
	pending := env.addUser(t, "pending@example.com", "secret1", profile.RoleHospital, verified(false), false)

	_, claims, _ := env.issuer.Issue(ok.ID.String(), "hospital")
	s := env.svc.Resolve(context.Background(), claims)
	if s.State != StateAuthorized || s.DashboardPath() != "/hospital/dashboard" {
		t.Errorf("unexpected snapshot %+v", s)
	}

	_, claims, _ = env.issuer.Issue(pending.ID.String(), "hospital")
	s = env.svc.Resolve(context.Background(), claims)
	if s.State != StateUnauthenticated || s.Notice == nil {
		t.Errorf("pending user should be unauthenticated with a notice, got %+v", s)
	}

	_, claims, _ = env.issuer.Issue("not-a-uuid", "hospital")
	s = env.svc.Resolve(context.Background(), claims)
	if s.State != StateError || s.Error != "Failed to load user profile" {
		t.Errorf("expected error state, got %+v", s)
	}
}

func TestService_SignIn_WrongPasswordThenRight(t *testing.T) {
	env := newTestEnv(t, Policy{AdminVerificationExempt: true})
	p := env.addUser(t, "crew@example.com", "secret1", profile.RoleAmbulance, verified(true), false)

	if _, err := env.svc.SignIn(context.Background(), "crew@example.com", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	stored, _ := env.repo.GetByID(context.Background(), p.ID)
	if stored.LastLogin != nil {
		t.Error("a failed sign-in must not record a login")
	}

	login, err := env.svc.SignIn(context.Background(), "crew@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if login.Token == "" || login.Profile.ID != p.ID {
		t.Errorf("unexpected login %+v", login)
	}
}

func TestService_SignInRightAfterForceSignOut(t *testing.T) {
	env := newTestEnv(t, Policy{})
	p := env.addUser(t, "medic2@example.com", "secret1", profile.RoleAmbulance, verified(true), false)

	if err := env.svc.ForceSignOut(context.Background(), p.ID.String()); err != nil {
		t.Fatal(err)
	}
	login, err := env.svc.SignIn(context.Background(), "medic2@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, err := env.issuer.Parse(login.Token)
	if err != nil {
		t.Fatal(err)
	}
	if revoked, _ := env.revoker.IsRevoked(context.Background(), claims); revoked {
		t.Error("a token issued after the forced sign-out must stay valid")
	}
}
