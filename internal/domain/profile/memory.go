package profile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[uuid.UUID]*UserProfile
	seq   int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[uuid.UUID]*UserProfile)}
}

func clone(p *UserProfile) *UserProfile {
	c := *p
	if p.Verified != nil {
		v := *p.Verified
		c.Verified = &v
	}
	return &c
}

func (m *MemoryRepository) Create(_ context.Context, p *UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, p.Email) {
			return ErrEmailTaken
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	// keep insertion order observable through CreatedAt
	m.seq++
	p.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	p.UpdatedAt = p.CreatedAt
	m.users[p.ID] = clone(p)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryRepository) GetByEmail(_ context.Context, email string) (*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.users {
		if strings.EqualFold(p.Email, strings.TrimSpace(email)) {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) filter(keep func(*UserProfile) bool) []*UserProfile {
	var out []*UserProfile
	for _, p := range m.users {
		if keep(p) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryRepository) ListPending(_ context.Context) ([]*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(p *UserProfile) bool { return p.IsPending() }), nil
}

func (m *MemoryRepository) ListByRole(_ context.Context, role Role, limit, offset int) ([]*UserProfile, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filter(func(p *UserProfile) bool { return p.Role == role })
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

func (m *MemoryRepository) ListByOrganization(_ context.Context, role Role, organization string) ([]*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(p *UserProfile) bool { return p.Role == role && p.Org() == organization }), nil
}

func (m *MemoryRepository) CountByRole(_ context.Context) (map[Role]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Role]int)
	for _, p := range m.users {
		counts[p.Role]++
	}
	return counts, nil
}

func (m *MemoryRepository) update(id uuid.UUID, fn func(p *UserProfile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

func (m *MemoryRepository) SetVerified(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(p *UserProfile) { p.Verified = boolPtr(true) })
}

func (m *MemoryRepository) SetRejected(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(p *UserProfile) {
		p.Verified = nil
		p.Rejected = true
	})
}

func (m *MemoryRepository) TouchLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.update(id, func(p *UserProfile) { p.LastLogin = &at })
}

func (m *MemoryRepository) SetDeviceToken(_ context.Context, id uuid.UUID, token *string) error {
	return m.update(id, func(p *UserProfile) { p.DeviceToken = token })
}

func (m *MemoryRepository) DeviceTokens(_ context.Context, userIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, raw := range userIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if p, ok := m.users[id]; ok && p.DeviceToken != nil {
			out[raw] = *p.DeviceToken
		}
	}
	return out, nil
}

func (m *MemoryRepository) RoleDeviceTokens(_ context.Context, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []string
	for _, p := range m.users {
		if string(p.Role) == role && p.DeviceToken != nil && p.IsVerified() {
			tokens = append(tokens, *p.DeviceToken)
		}
	}
	return tokens, nil
}
