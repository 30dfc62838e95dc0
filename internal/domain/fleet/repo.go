package fleet

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("ambulance not found")
	ErrVehicleTaken      = errors.New("vehicle id already provisioned")
	ErrNotAssigned       = errors.New("You are not assigned to any ambulance. Please contact your administrator.")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotOnDuty         = errors.New("ambulance is not on duty")
	ErrNotDriver         = errors.New("ambulance is assigned to another driver")
	ErrNotDestination    = errors.New("ambulance is not headed to this hospital")
)

type Repository interface {
	Create(ctx context.Context, a *Ambulance) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ambulance, error)
	// FindByDriver returns the first record assigned to the driver.
	FindByDriver(ctx context.Context, driverID uuid.UUID) (*Ambulance, error)
	ListActive(ctx context.Context) ([]Ambulance, error)
	List(ctx context.Context, limit, offset int) ([]Ambulance, int, error)
	// Patch writes only the non-nil fields of p.
	Patch(ctx context.Context, id uuid.UUID, p Patch) error
}
