package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

// patchCounter wraps a repository and counts writes.
type patchCounter struct {
	Repository
	mu      sync.Mutex
	patches []Patch
}

func (p *patchCounter) Patch(ctx context.Context, id uuid.UUID, patch Patch) error {
	p.mu.Lock()
	p.patches = append(p.patches, patch)
	p.mu.Unlock()
	return p.Repository.Patch(ctx, id, patch)
}

func (p *patchCounter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patches)
}

type signalCounter struct {
	mu sync.Mutex
	n  int
}

func (s *signalCounter) Changes(context.Context) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (s *signalCounter) Signal(context.Context) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

type fakeDirectory struct {
	users []*profile.UserProfile
}

func (f *fakeDirectory) Get(_ context.Context, id uuid.UUID) (*profile.UserProfile, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, profile.ErrNotFound
}

func (f *fakeDirectory) ListByOrganization(_ context.Context, role profile.Role, org string) ([]*profile.UserProfile, error) {
	var out []*profile.UserProfile
	for _, u := range f.users {
		if u.Role == role && u.Org() == org {
			out = append(out, u)
		}
	}
	return out, nil
}

type serviceEnv struct {
	svc      *Service
	repo     *MemoryRepository
	writes   *patchCounter
	signals  *signalCounter
	notifier *notification.MockNotifier
	driverID uuid.UUID
	hospital *profile.UserProfile
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	repo := NewMemoryRepository()
	writes := &patchCounter{Repository: repo}
	signals := &signalCounter{}
	notifier := &notification.MockNotifier{}
	org := "General Hospital"
	hospital := &profile.UserProfile{ID: uuid.New(), Role: profile.RoleHospital, Organization: &org}
	dir := &fakeDirectory{users: []*profile.UserProfile{hospital}}
	return &serviceEnv{
		svc:      NewService(writes, signals, notifier, dir, zerolog.Nop()),
		repo:     repo,
		writes:   writes,
		signals:  signals,
		notifier: notifier,
		driverID: uuid.New(),
		hospital: hospital,
	}
}

func (e *serviceEnv) provision(t *testing.T) *Ambulance {
	t.Helper()
	a, err := e.svc.Provision(context.Background(), "AMB-"+uuid.NewString()[:4], &e.driverID)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestService_Provision(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	if a.Status != StatusAvailable {
		t.Errorf("status = %s", a.Status)
	}
	if _, err := env.svc.Provision(context.Background(), a.VehicleID, nil); !errors.Is(err, ErrVehicleTaken) {
		t.Errorf("expected ErrVehicleTaken, got %v", err)
	}
	if _, err := env.svc.Provision(context.Background(), "  ", nil); err == nil {
		t.Error("expected vehicle_id validation error")
	}
}

func TestService_GetForDriver(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)

	got, err := env.svc.GetForDriver(context.Background(), env.driverID)
	if err != nil || got.ID != a.ID {
		t.Fatalf("GetForDriver = %v, %v", got, err)
	}

	_, err = env.svc.GetForDriver(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if err.Error() != "You are not assigned to any ambulance. Please contact your administrator." {
		t.Errorf("message = %q", err.Error())
	}
}

func TestService_UpdateLocation(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()

	if err := env.svc.UpdateLocation(ctx, a.ID, Location{Lat: 12.9, Lng: 77.6}); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.UpdateLocation(ctx, a.ID, Location{Lat: 13.0, Lng: 77.7}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.repo.GetByID(ctx, a.ID)
	if got.CurrentLocation.Lat != 13.0 || got.Timestamp == nil {
		t.Errorf("last write should win: %+v", got.CurrentLocation)
	}
	if err := env.svc.UpdateLocation(ctx, a.ID, Location{Lat: 200}); err == nil {
		t.Error("expected validation error")
	}
}

func TestService_SetStatus_Unguarded(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)

	got, err := env.svc.SetStatus(context.Background(), a.ID, StatusReturning)
	if err != nil {
		t.Fatalf("unguarded transition rejected: %v", err)
	}
	if got.Status != StatusReturning {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := env.svc.SetStatus(context.Background(), a.ID, "parked"); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestService_SetStatus_Strict(t *testing.T) {
	env := newServiceEnv(t)
	env.svc.SetStrictTransitions(true)
	a := env.provision(t)
	ctx := context.Background()

	if _, err := env.svc.SetStatus(ctx, a.ID, StatusReturning); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if _, err := env.svc.SetStatus(ctx, a.ID, StatusMaintenance); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}

	before := env.writes.count()
	if _, err := env.svc.SetStatus(ctx, a.ID, StatusMaintenance); err != nil {
		t.Fatalf("same status should be a no-op: %v", err)
	}
	if env.writes.count() != before {
		t.Error("same status must not write")
	}
}

func TestService_AcceptEmergency(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)

	before := env.writes.count()
	dest := Destination{Lat: 40.1, Lng: -73.9, Name: "General Hospital"}
	got, err := env.svc.AcceptEmergency(context.Background(), a.ID, dest, &PatientInfo{Severity: SeverityHigh, Notes: "chest pain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.writes.count()-before != 1 {
		t.Errorf("accept must write in a single update, got %d", env.writes.count()-before)
	}
	last := env.writes.patches[len(env.writes.patches)-1]
	if last.Status == nil || last.Destination == nil {
		t.Error("status and destination must be in the same patch")
	}
	if got.Status != StatusOnDuty || got.DestinationName() != "General Hospital" {
		t.Errorf("unexpected record %+v", got)
	}

	calls := env.notifier.Calls()
	if len(calls) != 1 || calls[0].UserID != env.hospital.ID.String() || calls[0].TemplateID != notification.TplIncomingPatient {
		t.Fatalf("expected incoming-patient notice to the hospital, got %+v", calls)
	}
	if calls[0].Data["severity"] != "high" {
		t.Errorf("severity = %q", calls[0].Data["severity"])
	}
}

func TestService_AcceptEmergency_Validation(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()

	if _, err := env.svc.AcceptEmergency(ctx, a.ID, Destination{Lat: 1, Lng: 1}, nil); err == nil {
		t.Error("expected destination name error")
	}
	if _, err := env.svc.AcceptEmergency(ctx, a.ID, Destination{Name: "X"}, &PatientInfo{Severity: "urgent"}); err == nil {
		t.Error("expected severity error")
	}
}

func TestService_PrepareIsIdempotent(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()
	env.svc.AcceptEmergency(ctx, a.ID, Destination{Name: "General Hospital"}, nil)

	before := env.writes.count()
	first, err := env.svc.Prepare(ctx, a.ID, "General Hospital")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.svc.Prepare(ctx, a.ID, "General Hospital")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Prepared() || !second.Prepared() {
		t.Error("record should be prepared")
	}
	if env.writes.count()-before != 1 {
		t.Errorf("second prepare must not write, got %d writes", env.writes.count()-before)
	}

	var driverNotices int
	for _, c := range env.notifier.Calls() {
		if c.TemplateID == notification.TplHospitalPrepared {
			driverNotices++
			if c.UserID != env.driverID.String() {
				t.Errorf("prepared notice sent to %s", c.UserID)
			}
		}
	}
	if driverNotices != 1 {
		t.Errorf("driver notified %d times", driverNotices)
	}
}

func TestService_PrepareOnlyByDestinationHospital(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()

	if _, err := env.svc.Prepare(ctx, a.ID, "General Hospital"); !errors.Is(err, ErrNotOnDuty) {
		t.Errorf("available record: expected ErrNotOnDuty, got %v", err)
	}

	if _, err := env.svc.AcceptEmergency(ctx, a.ID, Destination{Name: "St. Mary"}, nil); err != nil {
		t.Fatal(err)
	}
	before := env.writes.count()
	if _, err := env.svc.Prepare(ctx, a.ID, "General Hospital"); !errors.Is(err, ErrNotDestination) {
		t.Errorf("foreign hospital: expected ErrNotDestination, got %v", err)
	}
	if _, err := env.svc.Prepare(ctx, a.ID, ""); !errors.Is(err, ErrNotDestination) {
		t.Errorf("no organization: expected ErrNotDestination, got %v", err)
	}
	if _, err := env.svc.PrepareAs(ctx, a.ID, env.hospital.ID); !errors.Is(err, ErrNotDestination) {
		t.Errorf("foreign hospital account: expected ErrNotDestination, got %v", err)
	}
	if _, err := env.svc.PrepareAs(ctx, a.ID, uuid.New()); !errors.Is(err, ErrNotDestination) {
		t.Errorf("unknown account: expected ErrNotDestination, got %v", err)
	}
	if env.writes.count() != before {
		t.Error("refused prepares must not write")
	}

	stored, _ := env.repo.GetByID(ctx, a.ID)
	if stored.Prepared() {
		t.Error("record must stay unprepared")
	}
}

func TestService_ClearRoute(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()

	if _, err := env.svc.ClearRoute(ctx, a.ID); !errors.Is(err, ErrNotOnDuty) {
		t.Fatalf("expected ErrNotOnDuty for available record, got %v", err)
	}

	env.svc.SetStatus(ctx, a.ID, StatusOnDuty)
	before := env.writes.count()
	if _, err := env.svc.ClearRoute(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	got, err := env.svc.ClearRoute(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cleared() {
		t.Error("route should be cleared")
	}
	if env.writes.count()-before != 1 {
		t.Error("second clear must not write")
	}
}

func TestService_WritesSignalTheFeed(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	env.svc.UpdateLocation(context.Background(), a.ID, Location{Lat: 1, Lng: 1})

	env.signals.mu.Lock()
	defer env.signals.mu.Unlock()
	if env.signals.n != 2 {
		t.Errorf("signals = %d, want 2", env.signals.n)
	}
}

func TestService_FailedWriteLeavesRecord(t *testing.T) {
	env := newServiceEnv(t)
	a := env.provision(t)
	ctx := context.Background()
	env.svc.SetStatus(ctx, a.ID, StatusOnDuty)

	env.repo.FailWrites(errors.New("write failed"))
	if _, err := env.svc.ClearRoute(ctx, a.ID); err == nil {
		t.Fatal("expected write error")
	}
	env.repo.FailWrites(nil)

	got, _ := env.repo.GetByID(ctx, a.ID)
	if got.Cleared() {
		t.Error("failed write must not change the record")
	}
}

type publishedEvent struct {
	eventType  string
	resourceID string
	payload    interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (r *eventRecorder) Publish(_ context.Context, eventType, resourceID string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{eventType, resourceID, payload})
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

func TestService_PublishesDispatchEvents(t *testing.T) {
	env := newServiceEnv(t)
	events := &eventRecorder{}
	env.svc.SetEventPublisher(events)
	a := env.provision(t)
	ctx := context.Background()

	patient := &PatientInfo{Severity: SeverityCritical}
	if _, err := env.svc.AcceptEmergency(ctx, a.ID, Destination{Name: "General Hospital", Lat: 12.97, Lng: 77.59}, patient); err != nil {
		t.Fatal(err)
	}
	env.svc.Prepare(ctx, a.ID, "General Hospital")
	env.svc.Prepare(ctx, a.ID, "General Hospital")
	env.svc.ClearRoute(ctx, a.ID)
	env.svc.ClearRoute(ctx, a.ID)

	want := []string{EventEmergencyAccepted, EventHospitalPrepared, EventRouteCleared}
	got := events.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	first := events.events[0]
	if first.resourceID != a.ID.String() {
		t.Errorf("resource id = %s", first.resourceID)
	}
	ev, ok := first.payload.(dispatchEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", first.payload)
	}
	if ev.Severity != SeverityCritical || ev.Destination == nil || ev.Destination.Name != "General Hospital" {
		t.Errorf("unexpected payload %+v", ev)
	}
}
