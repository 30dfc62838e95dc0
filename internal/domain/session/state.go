package session

import (
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

// State is the phase of a session's lifecycle.
type State string

const (
	StateUnauthenticated    State = "unauthenticated"
	StateResolving          State = "resolving"
	StateRejectedUnverified State = "rejected_unverified"
	StateAuthorized         State = "authorized"
	StateError              State = "error"
)

const LoginPath = "/login"

const (
	msgProfileLoadFailed = "Failed to load user profile"
	msgPendingSignIn     = "Your account is pending approval. Please wait for an administrator to verify your account."
)

// AuthUser is the raw identity carried by an auth event, before any profile
// lookup.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Snapshot is the observable session at one point in time.
type Snapshot struct {
	State       State                `json:"state"`
	Loading     bool                 `json:"loading"`
	CurrentUser *AuthUser            `json:"current_user"`
	Profile     *profile.UserProfile `json:"profile"`
	Role        profile.Role         `json:"role,omitempty"`
	Error       string               `json:"error,omitempty"`
	Notice      *notification.Notice `json:"notice,omitempty"`
}

func (s Snapshot) IsAuthenticated() bool {
	return s.CurrentUser != nil && s.Profile != nil
}

// DashboardPath is the landing route for an authorized session.
func (s Snapshot) DashboardPath() string {
	if s.State != StateAuthorized {
		return ""
	}
	return s.Role.DashboardPath()
}

// Verdict is what a role-bound dashboard should do: wait, render or redirect.
type Verdict int

const (
	Wait Verdict = iota
	Render
	Redirect
)

func (v Verdict) String() string {
	switch v {
	case Wait:
		return "wait"
	case Render:
		return "render"
	default:
		return "redirect"
	}
}

// Decision is what a dashboard bound to one role does with a snapshot.
type Decision struct {
	Verdict Verdict
	To      string
}

// Guard never redirects while loading.
func (s Snapshot) Guard(expected profile.Role) Decision {
	if s.Loading {
		return Decision{Verdict: Wait}
	}
	if s.IsAuthenticated() && s.Role == expected {
		return Decision{Verdict: Render}
	}
	return Decision{Verdict: Redirect, To: LoginPath}
}

// Policy holds the configurable session rules.
type Policy struct {
	AdminVerificationExempt bool
}

// GateResult is the outcome of Gate for one profile.
type GateResult int

const (
	Allow GateResult = iota
	PendingApproval
	Rejected
)

// Gate decides whether a profile may hold a session.
func Gate(p *profile.UserProfile, policy Policy) GateResult {
	if p.Role == profile.RoleAdmin && policy.AdminVerificationExempt {
		return Allow
	}
	if p.IsVerified() {
		return Allow
	}
	if p.Rejected {
		return Rejected
	}
	return PendingApproval
}

func pendingNotice(role profile.Role) *notification.Notice {
	return &notification.Notice{
		Kind:        notification.KindAuth,
		Title:       role.Title() + " account pending approval",
		Description: "Your " + string(role) + " account is waiting for administrator verification.",
		Destructive: true,
	}
}

func rejectedNotice(role profile.Role) *notification.Notice {
	return &notification.Notice{
		Kind:        notification.KindAuth,
		Title:       role.Title() + " account not approved",
		Description: "Your " + string(role) + " account registration was rejected by an administrator.",
		Destructive: true,
	}
}

func profileErrorNotice() *notification.Notice {
	return &notification.Notice{
		Kind:        notification.KindProfile,
		Title:       "Error",
		Description: msgProfileLoadFailed,
		Destructive: true,
	}
}
