package dashboard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

const ActionClearRoute = "clear_route"

type PoliceView struct {
	Active []fleet.Ambulance `json:"active"`
	OnDuty int               `json:"on_duty"`
}

// PoliceDashboard shows the whole active set and clears routes for
// ambulances on duty.
type PoliceDashboard struct {
	lifecycle

	ambulances FleetService
	feed       FleetFeed

	active []fleet.Ambulance
}

type PoliceConfig struct {
	Fleet   FleetService
	Feed    FleetFeed
	Sink    Sink
	Metrics Metrics
	Logger  zerolog.Logger
}

func NewPoliceDashboard(cfg PoliceConfig) *PoliceDashboard {
	return &PoliceDashboard{
		lifecycle:  newLifecycle(profile.RolePolice, cfg.Sink, cfg.Metrics, cfg.Logger),
		ambulances: cfg.Fleet,
		feed:       cfg.Feed,
		active:     []fleet.Ambulance{},
	}
}

func (d *PoliceDashboard) Mount(ctx context.Context) error {
	if !d.start() {
		return nil
	}
	d.own(d.feed.Subscribe(d.onFleet))
	return nil
}

func (d *PoliceDashboard) onFleet(set []fleet.Ambulance) {
	d.onLive(func() {
		d.active = append([]fleet.Ambulance{}, set...)
		d.emitView()
	})
}

func (d *PoliceDashboard) View() PoliceView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view()
}

func (d *PoliceDashboard) view() PoliceView {
	v := PoliceView{Active: append([]fleet.Ambulance{}, d.active...)}
	for _, a := range d.active {
		if a.Status == fleet.StatusOnDuty {
			v.OnDuty++
		}
	}
	return v
}

func (d *PoliceDashboard) emitView() {
	d.emit(EventView, d.view())
}

func (d *PoliceDashboard) Handle(ctx context.Context, a Action) error {
	if a.Name != ActionClearRoute {
		return d.unknownAction(a)
	}
	id, err := parseID(a.ID)
	if err != nil {
		d.onLive(func() { d.notice(notification.Failure("Unknown ambulance.")) })
		return fmt.Errorf("invalid ambulance id: %w", err)
	}

	var cleared bool
	d.onLive(func() {
		if rec, ok := findByID(d.active, id); ok {
			cleared = rec.Cleared()
		}
	})
	if cleared {
		d.noop(a.Name)
		return nil
	}

	return d.mutate(ctx, a.Name, func(ctx context.Context) error {
		_, err := d.ambulances.ClearRoute(ctx, id)
		return err
	}, func() {
		if rec, ok := findByID(d.active, id); ok {
			yes := true
			rec.RouteCleared = &yes
			replaceByID(d.active, rec)
		}
		d.emitView()
		d.notice(notification.Notice{
			Kind:        notification.KindMutation,
			Title:       "Route cleared",
			Description: "Notifications sent to traffic control points.",
		})
	}, "Could not process your request. Please try again.")
}
