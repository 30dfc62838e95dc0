package dashboard

import (
	"context"

	"github.com/google/uuid"

	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
)

// FleetService is the part of *fleet.Service the dashboards use.
type FleetService interface {
	GetForDriver(ctx context.Context, driverID uuid.UUID) (*fleet.Ambulance, error)
	UpdateLocation(ctx context.Context, id uuid.UUID, loc fleet.Location) error
	SetStatus(ctx context.Context, id uuid.UUID, status fleet.Status) (*fleet.Ambulance, error)
	AcceptEmergency(ctx context.Context, id uuid.UUID, dest fleet.Destination, patient *fleet.PatientInfo) (*fleet.Ambulance, error)
	Prepare(ctx context.Context, id uuid.UUID, organization string) (*fleet.Ambulance, error)
	ClearRoute(ctx context.Context, id uuid.UUID) (*fleet.Ambulance, error)
}

// FleetFeed is satisfied by *fleet.Feed.
type FleetFeed interface {
	Subscribe(fn func([]fleet.Ambulance)) (dispose func())
}

// ProfileService is the part of *profile.Service the admin dashboard uses.
type ProfileService interface {
	ListPending(ctx context.Context) ([]*profile.UserProfile, error)
	ListByRole(ctx context.Context, role profile.Role, limit, offset int) ([]*profile.UserProfile, int, error)
	Verify(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error)
	Reject(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error)
}

func parseID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

// findByID returns a copy of the record with id, if present.
func findByID(set []fleet.Ambulance, id uuid.UUID) (fleet.Ambulance, bool) {
	for _, a := range set {
		if a.ID == id {
			return a, true
		}
	}
	return fleet.Ambulance{}, false
}

// replaceByID swaps in a's new version and reports whether it was present.
func replaceByID(set []fleet.Ambulance, a fleet.Ambulance) bool {
	for i := range set {
		if set[i].ID == a.ID {
			set[i] = a
			return true
		}
	}
	return false
}
