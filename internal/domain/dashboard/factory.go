package dashboard

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/routing"
)

// Deps are the shared services behind every dashboard.
type Deps struct {
	Fleet               FleetService
	Feed                FleetFeed
	Profiles            ProfileService
	Routes              routing.Provider
	LocationMinInterval time.Duration
	Metrics             Metrics
	Logger              zerolog.Logger
}

// New builds the dashboard for p's role. positions is used by the ambulance
// dashboard only.
func (d Deps) New(p *profile.UserProfile, sink Sink, positions PositionSource) (Controller, error) {
	switch p.Role {
	case profile.RoleAmbulance:
		return NewAmbulanceDashboard(AmbulanceConfig{
			Fleet:       d.Fleet,
			Feed:        d.Feed,
			Routes:      d.Routes,
			Positions:   positions,
			DriverID:    p.ID,
			MinInterval: d.LocationMinInterval,
			Sink:        sink,
			Metrics:     d.Metrics,
			Logger:      d.Logger,
		}), nil
	case profile.RoleHospital:
		return NewHospitalDashboard(HospitalConfig{
			Fleet:        d.Fleet,
			Feed:         d.Feed,
			Organization: p.Org(),
			Sink:         sink,
			Metrics:      d.Metrics,
			Logger:       d.Logger,
		}), nil
	case profile.RolePolice:
		return NewPoliceDashboard(PoliceConfig{
			Fleet:   d.Fleet,
			Feed:    d.Feed,
			Sink:    sink,
			Metrics: d.Metrics,
			Logger:  d.Logger,
		}), nil
	case profile.RoleAdmin:
		return NewAdminDashboard(AdminConfig{
			Profiles: d.Profiles,
			Feed:     d.Feed,
			Sink:     sink,
			Metrics:  d.Metrics,
			Logger:   d.Logger,
		}), nil
	}
	return nil, fmt.Errorf("no dashboard for role %q", p.Role)
}
