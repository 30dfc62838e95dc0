package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
	"github.com/lifeline/dispatch/internal/platform/routing"
)

// Ambulance dashboard actions.
const (
	ActionSetStatus       = "set_status"
	ActionAcceptEmergency = "accept_emergency"
	ActionPlanRoute       = "plan_route"
)

type AmbulanceView struct {
	Assigned  bool             `json:"assigned"`
	Ambulance *fleet.Ambulance `json:"ambulance,omitempty"`
	Watching  bool             `json:"watching_position"`
}

type statusAction struct {
	Status fleet.Status `json:"status"`
}

type acceptAction struct {
	Destination *fleet.Destination `json:"destination"`
	PatientInfo *fleet.PatientInfo `json:"patient_info"`
}

// AmbulanceDashboard tracks the driver's own record, streams device fixes
// into it and plans routes to the destination.
type AmbulanceDashboard struct {
	lifecycle

	ambulances FleetService
	feed       FleetFeed
	routes     routing.Provider
	positions  PositionSource
	driverID   uuid.UUID
	interval   time.Duration
	now        func() time.Time

	// guarded by lifecycle.mu
	ctx       context.Context
	record    *fleet.Ambulance
	watching  bool
	lastWrite time.Time
	pending   *Fix
	timer     *time.Timer
}

type AmbulanceConfig struct {
	Fleet     FleetService
	Feed      FleetFeed
	Routes    routing.Provider
	Positions PositionSource
	DriverID  uuid.UUID
	// MinInterval throttles location writes; zero writes every fix.
	MinInterval time.Duration
	Sink        Sink
	Metrics     Metrics
	Logger      zerolog.Logger
}

func NewAmbulanceDashboard(cfg AmbulanceConfig) *AmbulanceDashboard {
	return &AmbulanceDashboard{
		lifecycle:  newLifecycle(profile.RoleAmbulance, cfg.Sink, cfg.Metrics, cfg.Logger),
		ambulances: cfg.Fleet,
		feed:       cfg.Feed,
		routes:     cfg.Routes,
		positions:  cfg.Positions,
		driverID:   cfg.DriverID,
		interval:   cfg.MinInterval,
		now:        time.Now,
	}
}

func (d *AmbulanceDashboard) Mount(ctx context.Context) error {
	if !d.start() {
		return nil
	}
	a, err := d.ambulances.GetForDriver(ctx, d.driverID)
	if errors.Is(err, fleet.ErrNotAssigned) {
		d.onLive(func() {
			d.notice(notification.Notice{
				Kind:        notification.KindInfo,
				Title:       "No ambulance found",
				Description: fleet.ErrNotAssigned.Error(),
				Destructive: true,
			})
			d.emitView()
		})
		return nil
	}
	if err != nil {
		d.onLive(func() {
			d.notice(notification.Failure("Could not load your ambulance. Please try again."))
		})
		return fmt.Errorf("load ambulance: %w", err)
	}

	rec := fleet.Normalize(*a)
	live := d.onLive(func() {
		d.ctx = ctx
		d.record = &rec
		d.watching = d.positions != nil
		if d.watching {
			d.emit(EventWatch, DefaultWatchOptions)
		}
		d.emitView()
	})
	if !live {
		return nil
	}

	if d.feed != nil {
		d.own(d.feed.Subscribe(d.onFleet))
	}
	if d.positions != nil {
		d.own(d.positions.Watch(d.onFix, d.onPositionError))
	}
	d.own(d.stopTimer)
	return nil
}

// View returns the current view.
func (d *AmbulanceDashboard) View() AmbulanceView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view()
}

func (d *AmbulanceDashboard) view() AmbulanceView {
	v := AmbulanceView{Assigned: d.record != nil, Watching: d.watching}
	if d.record != nil {
		rec := *d.record
		v.Ambulance = &rec
	}
	return v
}

func (d *AmbulanceDashboard) emitView() {
	d.emit(EventView, d.view())
}

// onFleet refreshes the own record from the live feed. A record that left
// the active set keeps its last known state.
func (d *AmbulanceDashboard) onFleet(set []fleet.Ambulance) {
	d.onLive(func() {
		if d.record == nil {
			return
		}
		a, ok := findByID(set, d.record.ID)
		if !ok {
			return
		}
		d.record = &a
		d.emitView()
	})
}

func (d *AmbulanceDashboard) onFix(f Fix) {
	var (
		ctx   context.Context
		id    uuid.UUID
		write bool
	)
	d.onLive(func() {
		if d.record == nil {
			return
		}
		ctx, id = d.ctx, d.record.ID
		now := d.now()
		if d.interval <= 0 || d.lastWrite.IsZero() || now.Sub(d.lastWrite) >= d.interval {
			d.lastWrite = now
			d.pending = nil
			write = true
			return
		}
		// Throttled: keep the newest fix and flush it when the interval ends.
		fix := f
		d.pending = &fix
		if d.timer == nil {
			d.timer = time.AfterFunc(d.interval-now.Sub(d.lastWrite), d.flush)
		}
	})
	if write {
		d.writeFix(ctx, id, f)
	}
}

func (d *AmbulanceDashboard) flush() {
	var (
		ctx context.Context
		id  uuid.UUID
		fix *Fix
	)
	d.onLive(func() {
		d.timer = nil
		if d.pending == nil || d.record == nil {
			return
		}
		fix, d.pending = d.pending, nil
		ctx, id = d.ctx, d.record.ID
		d.lastWrite = d.now()
	})
	if fix != nil {
		d.writeFix(ctx, id, *fix)
	}
}

func (d *AmbulanceDashboard) stopTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

func (d *AmbulanceDashboard) writeFix(ctx context.Context, id uuid.UUID, f Fix) {
	loc := fleet.Location{Lat: f.Lat, Lng: f.Lng}
	err := d.ambulances.UpdateLocation(ctx, id, loc)
	d.onLive(func() {
		if err != nil {
			d.logger.Warn().Err(err).Str("ambulance_id", id.String()).Msg("location write failed")
			return
		}
		if d.record == nil || d.record.ID != id {
			return
		}
		at := f.Timestamp
		d.record.CurrentLocation = &loc
		d.record.Timestamp = &at
		d.emitView()
	})
}

func (d *AmbulanceDashboard) onPositionError(e PositionError) {
	d.onLive(func() {
		d.watching = false
		d.notice(positionNotice(e))
		d.emitView()
	})
	d.logger.Warn().Int("code", int(e.Code)).Str("message", e.Message).Msg("position watch ended")
}

func positionNotice(e PositionError) notification.Notice {
	n := notification.Notice{Kind: notification.KindGeolocation, Title: "Location error", Destructive: true}
	switch e.Code {
	case PositionTimeout:
		n.Description = "Location request timed out. Please try again."
	case PositionUnavailable:
		n.Description = "Location information is unavailable."
	default:
		n.Description = "Could not access your location. Please check your device settings."
	}
	return n
}

func (d *AmbulanceDashboard) Handle(ctx context.Context, a Action) error {
	var (
		id       uuid.UUID
		assigned bool
	)
	d.onLive(func() {
		if d.record != nil {
			id, assigned = d.record.ID, true
			return
		}
		d.notice(notification.Failure(fleet.ErrNotAssigned.Error()))
	})
	if !assigned {
		return fleet.ErrNotAssigned
	}

	switch a.Name {
	case ActionSetStatus:
		var req statusAction
		if err := a.Decode(&req); err != nil {
			return err
		}
		var updated *fleet.Ambulance
		return d.mutate(ctx, a.Name, func(ctx context.Context) (err error) {
			updated, err = d.ambulances.SetStatus(ctx, id, req.Status)
			return err
		}, func() {
			d.commit(updated)
			d.notice(notification.Notice{
				Kind:        notification.KindMutation,
				Title:       "Status updated",
				Description: fmt.Sprintf("Ambulance status is now %s.", strings.ReplaceAll(string(updated.Status), "_", " ")),
			})
		}, "Could not update ambulance status. Please try again.")

	case ActionAcceptEmergency:
		var req acceptAction
		if err := a.Decode(&req); err != nil {
			return err
		}
		if req.Destination == nil {
			d.onLive(func() { d.notice(notification.Failure("A destination is required to accept an emergency.")) })
			return fmt.Errorf("destination is required")
		}
		var updated *fleet.Ambulance
		err := d.mutate(ctx, a.Name, func(ctx context.Context) (err error) {
			updated, err = d.ambulances.AcceptEmergency(ctx, id, *req.Destination, req.PatientInfo)
			return err
		}, func() {
			d.commit(updated)
			d.notice(notification.Notice{
				Kind:        notification.KindMutation,
				Title:       "Emergency accepted",
				Description: "Navigation route has been updated.",
			})
		}, "Could not accept the emergency. Please try again.")
		if err != nil || d.routes == nil {
			return err
		}
		var located bool
		d.onLive(func() { located = d.record != nil && d.record.CurrentLocation != nil })
		if !located {
			return nil
		}
		return d.planRoute(ctx)

	case ActionPlanRoute:
		return d.planRoute(ctx)
	}
	return d.unknownAction(a)
}

// commit must run under the guard.
func (d *AmbulanceDashboard) commit(a *fleet.Ambulance) {
	rec := fleet.Normalize(*a)
	if d.record != nil && rec.CurrentLocation == nil {
		rec.CurrentLocation = d.record.CurrentLocation
	}
	d.record = &rec
	d.emitView()
}

// planRoute asks the directions provider for alternatives from the current
// location to the destination and emits the fastest.
func (d *AmbulanceDashboard) planRoute(ctx context.Context) error {
	var origin, dest *routing.Point
	d.onLive(func() {
		if d.record == nil {
			return
		}
		if l := d.record.CurrentLocation; l != nil {
			origin = &routing.Point{Lat: l.Lat, Lng: l.Lng}
		}
		if t := d.record.Destination; t != nil {
			dest = &routing.Point{Lat: t.Lat, Lng: t.Lng}
		}
	})
	if d.routes == nil || origin == nil || dest == nil {
		d.onLive(func() {
			d.notice(notification.Failure("A route needs both a current location and a destination."))
		})
		d.metrics.ActionCompleted(ActionPlanRoute, OutcomeFailed)
		return fmt.Errorf("route unavailable")
	}

	var plan *routing.Plan
	return d.mutate(ctx, ActionPlanRoute, func(ctx context.Context) (err error) {
		plan, err = routing.PlanRoute(ctx, d.routes, *origin, *dest)
		return err
	}, func() {
		d.emit(EventRoute, plan)
	}, "Could not calculate a route. Please try again.")
}
