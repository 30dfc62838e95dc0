package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Ambulance
	now     func() time.Time
	failErr error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Ambulance), now: time.Now}
}

func cloneAmbulance(a *Ambulance) Ambulance {
	c := *a
	if a.DriverID != nil {
		id := *a.DriverID
		c.DriverID = &id
	}
	if a.CurrentLocation != nil {
		loc := *a.CurrentLocation
		c.CurrentLocation = &loc
	}
	if a.Destination != nil {
		d := *a.Destination
		c.Destination = &d
	}
	if a.PatientInfo != nil {
		pi := *a.PatientInfo
		c.PatientInfo = &pi
	}
	if a.ETA != nil {
		eta := *a.ETA
		c.ETA = &eta
	}
	if a.HospitalPrepared != nil {
		v := *a.HospitalPrepared
		c.HospitalPrepared = &v
	}
	if a.RouteCleared != nil {
		v := *a.RouteCleared
		c.RouteCleared = &v
	}
	if a.Timestamp != nil {
		t := *a.Timestamp
		c.Timestamp = &t
	}
	return c
}

func (m *MemoryRepository) Create(_ context.Context, a *Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.VehicleID == a.VehicleID {
			return ErrVehicleTaken
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusAvailable
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	c := cloneAmbulance(a)
	m.records[a.ID] = &c
	return nil
}

// Put stores a record as-is, bypassing Create's defaults.
func (m *MemoryRepository) Put(a Ambulance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneAmbulance(&a)
	m.records[a.ID] = &c
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneAmbulance(a)
	return &c, nil
}

func (m *MemoryRepository) sorted() []Ambulance {
	out := make([]Ambulance, 0, len(m.records))
	for _, a := range m.records {
		out = append(out, cloneAmbulance(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (m *MemoryRepository) FindByDriver(_ context.Context, driverID uuid.UUID) (*Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match *Ambulance
	for _, a := range m.records {
		if a.DriverID != nil && *a.DriverID == driverID {
			if match == nil || a.CreatedAt.Before(match.CreatedAt) {
				match = a
			}
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	c := cloneAmbulance(match)
	return &c, nil
}

func (m *MemoryRepository) ListActive(_ context.Context) ([]Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ambulance
	for _, a := range m.sorted() {
		if a.Status.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]Ambulance, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepository) Patch(_ context.Context, id uuid.UUID, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	a, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if p.Empty() {
		return nil
	}
	p.Apply(a, m.now())
	return nil
}

// FailWrites makes every later Patch return err; nil restores writes.
func (m *MemoryRepository) FailWrites(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}
