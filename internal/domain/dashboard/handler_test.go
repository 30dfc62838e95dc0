package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/domain/session"
	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

type fakeSessions struct {
	mu        sync.Mutex
	profiles  map[uuid.UUID]*profile.UserProfile
	forced    []string
	signedOut int
}

func newFakeSessions(profiles ...*profile.UserProfile) *fakeSessions {
	f := &fakeSessions{profiles: make(map[uuid.UUID]*profile.UserProfile)}
	for _, p := range profiles {
		f.profiles[p.ID] = p
	}
	return f
}

func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (*profile.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (f *fakeSessions) ForceSignOut(_ context.Context, userID string) error {
	f.mu.Lock()
	f.forced = append(f.forced, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) SignOut(context.Context, *auth.Claims) error {
	f.mu.Lock()
	f.signedOut++
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Policy() session.Policy {
	return session.Policy{AdminVerificationExempt: true}
}

func (f *fakeSessions) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forced)
}

func (m *countingMetrics) mountedCount(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[role]
}

func (m *countingMetrics) unmountedCount(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmounted[role]
}

type bindingEnv struct {
	fleet    *fleetEnv
	feed     *fakeFeed
	sink     *recordingSink
	metrics  *countingMetrics
	sessions *fakeSessions
	closed   chan struct{}
	binding  *binding
}

func startBinding(t *testing.T, dashboard profile.Role, p *profile.UserProfile) *bindingEnv {
	t.Helper()
	return startBindingWith(t, dashboard, p, newFakeSessions(p))
}

func startBindingWith(t *testing.T, dashboard profile.Role, p *profile.UserProfile, sessions *fakeSessions) *bindingEnv {
	t.Helper()
	env := &bindingEnv{
		fleet:    newFleetEnv(),
		feed:     newFakeFeed(),
		sink:     &recordingSink{},
		metrics:  newCountingMetrics(),
		sessions: sessions,
		closed:   make(chan struct{}),
	}
	h := NewHandler(nil, nil, nil, nil, env.sessions, Deps{
		Fleet:   env.fleet.svc,
		Feed:    env.feed,
		Metrics: env.metrics,
		Logger:  zerolog.Nop(),
	}, zerolog.Nop())

	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: p.ID.String()}, Role: string(p.Role)}
	var once sync.Once
	env.binding = h.start(dashboard, claims, env.sink, func() { once.Do(func() { close(env.closed) }) })
	t.Cleanup(env.binding.close)
	return env
}

func (e *bindingEnv) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *bindingEnv) redirects() []map[string]string {
	var out []map[string]string
	for _, p := range e.sink.of(EventRedirect) {
		out = append(out, p.(map[string]string))
	}
	return out
}

func verifiedProfile(role profile.Role, org string) *profile.UserProfile {
	yes := true
	p := &profile.UserProfile{ID: uuid.New(), Email: string(role) + "@example.com", Role: role, Verified: &yes}
	if org != "" {
		p.Organization = &org
	}
	return p
}

func TestBinding_MountsDashboardWhenAuthorized(t *testing.T) {
	p := verifiedProfile(profile.RoleHospital, "City General")
	env := startBinding(t, profile.RoleHospital, p)

	waitUntil(t, "hospital dashboard mount", func() bool { return env.feed.subscribers() == 1 })

	target := env.fleet.put(t, ambulance("AMB-1", fleet.StatusOnDuty, "City General"))
	env.feed.push([]fleet.Ambulance{target})
	views := env.sink.of(EventView)
	if len(views) != 1 || len(views[0].(HospitalView).Incoming) != 1 {
		t.Fatalf("expected a hospital view with one incoming record, got %v", views)
	}

	env.binding.onMessage([]byte(`{"action":"prepare","id":"` + target.ID.String() + `"}`))
	if !env.fleet.get(t, target.ID).Prepared() {
		t.Error("expected the action routed to the dashboard")
	}

	var states []session.State
	for _, s := range env.sink.of(EventSession) {
		states = append(states, s.(sessionView).State)
	}
	if states[len(states)-1] != session.StateAuthorized {
		t.Errorf("expected the session to end authorized, got %v", states)
	}
	if env.isClosed() {
		t.Error("expected the socket to stay open")
	}
}

func TestBinding_RoleMismatchRedirects(t *testing.T) {
	env := startBinding(t, profile.RoleHospital, verifiedProfile(profile.RolePolice, ""))

	waitUntil(t, "socket close", env.isClosed)
	r := env.redirects()
	if len(r) != 1 || r[0]["to"] != session.LoginPath {
		t.Errorf("expected one redirect to login, got %v", r)
	}
	if env.metrics.mountedCount("hospital") != 0 || env.metrics.mountedCount("police") != 0 {
		t.Error("expected no dashboard mounted")
	}
}

func TestBinding_PendingProfileIsSignedOut(t *testing.T) {
	no := false
	p := &profile.UserProfile{ID: uuid.New(), Email: "driver@example.com", Role: profile.RoleAmbulance, Verified: &no}
	env := startBinding(t, profile.RoleAmbulance, p)

	waitUntil(t, "socket close", env.isClosed)
	if env.sessions.forcedCount() != 1 {
		t.Errorf("expected one forced sign-out, got %d", env.sessions.forcedCount())
	}

	var notice *notification.Notice
	for _, s := range env.sink.of(EventSession) {
		if n := s.(sessionView).Notice; n != nil {
			notice = n
		}
	}
	if notice == nil || notice.Title != "Ambulance account pending approval" {
		t.Errorf("expected the pending notice, got %+v", notice)
	}
}

func TestBinding_ProfileLoadFailureRedirects(t *testing.T) {
	env := startBindingWith(t, profile.RolePolice, verifiedProfile(profile.RolePolice, ""), newFakeSessions())

	waitUntil(t, "socket close", env.isClosed)
	views := env.sink.of(EventSession)
	last := views[len(views)-1].(sessionView)
	if last.State != session.StateError || last.Error != "Failed to load user profile" {
		t.Errorf("expected the error state, got %+v", last.Snapshot)
	}
	if len(env.redirects()) != 1 {
		t.Error("expected a redirect to login")
	}
}

func TestBinding_SignOutTearsDown(t *testing.T) {
	env := startBinding(t, profile.RolePolice, verifiedProfile(profile.RolePolice, ""))
	waitUntil(t, "police dashboard mount", func() bool { return env.feed.subscribers() == 1 })

	env.binding.onMessage([]byte(`{"action":"sign_out"}`))

	waitUntil(t, "socket close", env.isClosed)
	if env.metrics.unmountedCount("police") != 1 {
		t.Error("expected the dashboard torn down")
	}
	if env.feed.subscribers() != 0 {
		t.Error("expected the feed subscription released")
	}
	env.sessions.mu.Lock()
	signedOut := env.sessions.signedOut
	env.sessions.mu.Unlock()
	if signedOut != 1 {
		t.Errorf("expected the token revoked once, got %d", signedOut)
	}
}

func TestBinding_CloseStopsEverything(t *testing.T) {
	env := startBinding(t, profile.RolePolice, verifiedProfile(profile.RolePolice, ""))
	waitUntil(t, "police dashboard mount", func() bool { return env.feed.subscribers() == 1 })

	env.binding.close()
	before := env.sink.count()
	env.feed.push([]fleet.Ambulance{ambulance("AMB-1", fleet.StatusOnDuty, "")})

	if env.sink.count() != before {
		t.Error("expected nothing emitted after close")
	}
	if env.metrics.unmountedCount("police") != 1 {
		t.Error("expected the dashboard unmounted")
	}
}

func TestBinding_InvalidMessage(t *testing.T) {
	env := startBinding(t, profile.RolePolice, verifiedProfile(profile.RolePolice, ""))
	env.binding.onMessage([]byte(`{nope`))
	if env.sink.lastNotice(t).Title != "Invalid message" {
		t.Error("expected an invalid message notice")
	}
}

func TestHandler_ServeRejectsBeforeUpgrade(t *testing.T) {
	issuer := auth.NewIssuer("0123456789abcdef0123456789abcdef", "test", time.Hour)
	h := NewHandler(nil, nil, issuer, nil, newFakeSessions(), Deps{}, zerolog.Nop())
	e := echo.New()

	tests := []struct {
		name  string
		role  string
		token string
		want  int
	}{
		{"unknown dashboard", "dispatcher", "", http.StatusNotFound},
		{"missing token", "police", "", http.StatusUnauthorized},
		{"bad token", "police", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws/dashboard/" + tt.role
			if tt.token != "" {
				target += "?token=" + tt.token
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("role")
			c.SetParamValues(tt.role)

			err := h.Serve(c)
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected *echo.HTTPError, got %T", err)
			}
			if he.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, he.Code)
			}
		})
	}
}
