package dashboard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

const ActionPrepare = "prepare"

// Partition splits the active set for a hospital. Incoming are on_duty
// records whose destination name equals organization exactly; nearby are
// the remaining active records. Records outside the active statuses are in
// neither.
func Partition(set []fleet.Ambulance, organization string) (incoming, nearby []fleet.Ambulance) {
	incoming = []fleet.Ambulance{}
	nearby = []fleet.Ambulance{}
	for _, a := range set {
		if !a.Status.Active() {
			continue
		}
		if organization != "" && a.Status == fleet.StatusOnDuty && a.DestinationName() == organization {
			incoming = append(incoming, a)
			continue
		}
		nearby = append(nearby, a)
	}
	return incoming, nearby
}

type HospitalView struct {
	Organization string            `json:"organization"`
	Incoming     []fleet.Ambulance `json:"incoming"`
	Nearby       []fleet.Ambulance `json:"nearby"`
	Critical     int               `json:"critical"`
}

type HospitalDashboard struct {
	lifecycle

	ambulances   FleetService
	feed         FleetFeed
	organization string

	incoming []fleet.Ambulance
	nearby   []fleet.Ambulance
}

type HospitalConfig struct {
	Fleet        FleetService
	Feed         FleetFeed
	Organization string
	Sink         Sink
	Metrics      Metrics
	Logger       zerolog.Logger
}

func NewHospitalDashboard(cfg HospitalConfig) *HospitalDashboard {
	return &HospitalDashboard{
		lifecycle:    newLifecycle(profile.RoleHospital, cfg.Sink, cfg.Metrics, cfg.Logger),
		ambulances:   cfg.Fleet,
		feed:         cfg.Feed,
		organization: cfg.Organization,
		incoming:     []fleet.Ambulance{},
		nearby:       []fleet.Ambulance{},
	}
}

func (d *HospitalDashboard) Mount(ctx context.Context) error {
	if !d.start() {
		return nil
	}
	d.own(d.feed.Subscribe(d.onFleet))
	return nil
}

func (d *HospitalDashboard) onFleet(set []fleet.Ambulance) {
	d.onLive(func() {
		d.incoming, d.nearby = Partition(set, d.organization)
		d.emitView()
	})
}

func (d *HospitalDashboard) View() HospitalView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view()
}

func (d *HospitalDashboard) view() HospitalView {
	v := HospitalView{
		Organization: d.organization,
		Incoming:     append([]fleet.Ambulance{}, d.incoming...),
		Nearby:       append([]fleet.Ambulance{}, d.nearby...),
	}
	for _, a := range d.incoming {
		if a.PatientInfo != nil && a.PatientInfo.Severity == fleet.SeverityCritical {
			v.Critical++
		}
	}
	return v
}

func (d *HospitalDashboard) emitView() {
	d.emit(EventView, d.view())
}

func (d *HospitalDashboard) Handle(ctx context.Context, a Action) error {
	if a.Name != ActionPrepare {
		return d.unknownAction(a)
	}
	id, err := parseID(a.ID)
	if err != nil {
		d.onLive(func() { d.notice(notification.Failure("Unknown ambulance.")) })
		return fmt.Errorf("invalid ambulance id: %w", err)
	}

	var incoming, prepared bool
	d.onLive(func() {
		if rec, ok := findByID(d.incoming, id); ok {
			incoming, prepared = true, rec.Prepared()
		}
	})
	if !incoming {
		d.onLive(func() {
			d.notice(notification.Failure("This ambulance is not headed to your hospital."))
		})
		return fmt.Errorf("ambulance %s is not incoming", id)
	}
	if prepared {
		d.noop(a.Name)
		return nil
	}

	return d.mutate(ctx, a.Name, func(ctx context.Context) error {
		_, err := d.ambulances.Prepare(ctx, id, d.organization)
		return err
	}, func() {
		if rec, ok := findByID(d.incoming, id); ok {
			yes := true
			rec.HospitalPrepared = &yes
			replaceByID(d.incoming, rec)
		}
		d.emitView()
		d.notice(notification.Notice{
			Kind:        notification.KindMutation,
			Title:       "Preparation started",
			Description: "Medical team has been notified of incoming patient.",
		})
	}, "Could not notify medical team. Please try again.")
}
