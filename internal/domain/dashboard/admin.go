package dashboard

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

const (
	ActionVerify = "verify"
	ActionReject = "reject"
)

// adminListLimit caps each per-role list loaded at mount.
const adminListLimit = 500

type AdminSummary struct {
	ActiveAmbulances int `json:"active_ambulances"`
	Ambulances       int `json:"ambulances"`
	Hospitals        int `json:"hospitals"`
	Police           int `json:"police"`
	Pending          int `json:"pending"`
}

type AdminView struct {
	Pending []*profile.UserProfile                  `json:"pending"`
	Users   map[profile.Role][]*profile.UserProfile `json:"users"`
	Summary AdminSummary                            `json:"summary"`
}

// AdminDashboard lists pending registrations next to the verified accounts
// of each service role. Verify moves a profile from the pending list to its
// role list in one update.
type AdminDashboard struct {
	lifecycle

	profiles ProfileService
	feed     FleetFeed

	pending []*profile.UserProfile
	users   map[profile.Role][]*profile.UserProfile
	active  int
}

type AdminConfig struct {
	Profiles ProfileService
	Feed     FleetFeed
	Sink     Sink
	Metrics  Metrics
	Logger   zerolog.Logger
}

func NewAdminDashboard(cfg AdminConfig) *AdminDashboard {
	users := make(map[profile.Role][]*profile.UserProfile, len(profile.ServiceRoles))
	for _, r := range profile.ServiceRoles {
		users[r] = []*profile.UserProfile{}
	}
	return &AdminDashboard{
		lifecycle: newLifecycle(profile.RoleAdmin, cfg.Sink, cfg.Metrics, cfg.Logger),
		profiles:  cfg.Profiles,
		feed:      cfg.Feed,
		pending:   []*profile.UserProfile{},
		users:     users,
	}
}

func (d *AdminDashboard) Mount(ctx context.Context) error {
	if !d.start() {
		return nil
	}

	pending, err := d.profiles.ListPending(ctx)
	if err != nil {
		d.onLive(func() { d.notice(notification.Failure("Could not load pending registrations.")) })
		return fmt.Errorf("list pending: %w", err)
	}
	users := make(map[profile.Role][]*profile.UserProfile, len(profile.ServiceRoles))
	for _, r := range profile.ServiceRoles {
		list, _, err := d.profiles.ListByRole(ctx, r, adminListLimit, 0)
		if err != nil {
			d.onLive(func() { d.notice(notification.Failure(fmt.Sprintf("Could not load %s accounts.", r))) })
			return fmt.Errorf("list %s: %w", r, err)
		}
		verified := []*profile.UserProfile{}
		for _, p := range list {
			if p.IsVerified() {
				verified = append(verified, p)
			}
		}
		users[r] = verified
	}

	live := d.onLive(func() {
		d.pending = pending
		d.users = users
		d.emitView()
	})
	if live && d.feed != nil {
		d.own(d.feed.Subscribe(d.onFleet))
	}
	return nil
}

func (d *AdminDashboard) onFleet(set []fleet.Ambulance) {
	d.onLive(func() {
		if d.active == len(set) {
			return
		}
		d.active = len(set)
		d.emitView()
	})
}

func (d *AdminDashboard) View() AdminView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view()
}

func (d *AdminDashboard) view() AdminView {
	v := AdminView{
		Pending: append([]*profile.UserProfile{}, d.pending...),
		Users:   make(map[profile.Role][]*profile.UserProfile, len(d.users)),
	}
	for r, list := range d.users {
		v.Users[r] = append([]*profile.UserProfile{}, list...)
	}
	v.Summary = AdminSummary{
		ActiveAmbulances: d.active,
		Ambulances:       len(d.users[profile.RoleAmbulance]),
		Hospitals:        len(d.users[profile.RoleHospital]),
		Police:           len(d.users[profile.RolePolice]),
		Pending:          len(d.pending),
	}
	return v
}

func (d *AdminDashboard) emitView() {
	d.emit(EventView, d.view())
}

func (d *AdminDashboard) Handle(ctx context.Context, a Action) error {
	if a.Name != ActionVerify && a.Name != ActionReject {
		return d.unknownAction(a)
	}
	id, err := parseID(a.ID)
	if err != nil {
		d.onLive(func() { d.notice(notification.Failure("Unknown user.")) })
		return fmt.Errorf("invalid user id: %w", err)
	}

	var updated *profile.UserProfile
	if a.Name == ActionVerify {
		return d.mutate(ctx, a.Name, func(ctx context.Context) (err error) {
			updated, err = d.profiles.Verify(ctx, id)
			return err
		}, func() {
			d.takePending(id)
			d.putUser(updated)
			d.emitView()
			d.notice(notification.Notice{
				Kind:        notification.KindMutation,
				Title:       "User verified",
				Description: fmt.Sprintf("%s has been approved and can now log in.", updated.Name()),
			})
		}, "Could not verify this user. Please try again.")
	}

	return d.mutate(ctx, a.Name, func(ctx context.Context) (err error) {
		updated, err = d.profiles.Reject(ctx, id)
		return err
	}, func() {
		d.takePending(id)
		d.emitView()
		d.notice(notification.Notice{
			Kind:        notification.KindMutation,
			Title:       "User rejected",
			Description: fmt.Sprintf("%s's registration has been rejected.", updated.Name()),
		})
	}, "Could not reject this user. Please try again.")
}

// takePending and putUser run under the guard.
func (d *AdminDashboard) takePending(id uuid.UUID) {
	out := d.pending[:0:0]
	for _, p := range d.pending {
		if p.ID != id {
			out = append(out, p)
		}
	}
	d.pending = out
}

func (d *AdminDashboard) putUser(p *profile.UserProfile) {
	if !p.Role.IsService() {
		return
	}
	list := d.users[p.Role]
	for _, u := range list {
		if u.ID == p.ID {
			return
		}
	}
	d.users[p.Role] = append(list, p)
}
