package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

// HospitalDirectory finds the hospital accounts behind a destination name.
type HospitalDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error)
	ListByOrganization(ctx context.Context, role profile.Role, organization string) ([]*profile.UserProfile, error)
}

// EventPublisher forwards dispatch events to external systems.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, payload interface{}) error
}

// Outbound event types.
const (
	EventEmergencyAccepted = "ambulance.emergency_accepted"
	EventHospitalPrepared  = "ambulance.hospital_prepared"
	EventRouteCleared      = "ambulance.route_cleared"
)

type Service struct {
	repo      Repository
	source    ChangeSource
	notifier  notification.Notifier
	hospitals HospitalDirectory
	events    EventPublisher
	strict    bool
	logger    zerolog.Logger
}

func NewService(repo Repository, source ChangeSource, notifier notification.Notifier, hospitals HospitalDirectory, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		source:    source,
		notifier:  notifier,
		hospitals: hospitals,
		logger:    logger.With().Str("component", "fleet").Logger(),
	}
}

func (s *Service) SetEventPublisher(p EventPublisher) {
	s.events = p
}

// SetStrictTransitions enables the status transition table.
func (s *Service) SetStrictTransitions(strict bool) {
	s.strict = strict
}

func (s *Service) Provision(ctx context.Context, vehicleID string, driverID *uuid.UUID) (*Ambulance, error) {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return nil, fmt.Errorf("vehicle_id is required")
	}
	a := &Ambulance{VehicleID: vehicleID, DriverID: driverID, Status: StatusAvailable}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("ambulance_id", a.ID.String()).Str("vehicle_id", vehicleID).Msg("ambulance provisioned")
	s.signal(ctx)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	return s.repo.GetByID(ctx, id)
}

// GetForDriver resolves the record a driver is assigned to.
func (s *Service) GetForDriver(ctx context.Context, driverID uuid.UUID) (*Ambulance, error) {
	a, err := s.repo.FindByDriver(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAssigned
	}
	return a, err
}

// ListActive returns the normalized active set, as the feed would deliver it.
func (s *Service) ListActive(ctx context.Context) ([]Ambulance, error) {
	items, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Ambulance, len(items))
	for i, a := range items {
		out[i] = Normalize(a)
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Ambulance, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// EnsureDriver fails unless the record is assigned to driverID.
func EnsureDriver(a *Ambulance, driverID uuid.UUID) error {
	if a.DriverID == nil || *a.DriverID != driverID {
		return ErrNotDriver
	}
	return nil
}

// UpdateLocation overwrites the current location; last write wins.
func (s *Service) UpdateLocation(ctx context.Context, id uuid.UUID, loc Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if err := s.repo.Patch(ctx, id, Patch{Location: &loc}); err != nil {
		return err
	}
	s.signal(ctx)
	return nil
}

func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Ambulance, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.strict && !CanTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, status)
	}
	if a.Status == status {
		return a, nil
	}
	if err := s.repo.Patch(ctx, id, Patch{Status: &status}); err != nil {
		return nil, err
	}
	s.logger.Info().Str("ambulance_id", id.String()).Str("from", string(a.Status)).Str("to", string(status)).Msg("status changed")
	s.signal(ctx)
	return s.repo.GetByID(ctx, id)
}

// AcceptEmergency writes destination, patient and on_duty status in one
// update and clears the previous job's prepared and cleared flags.
func (s *Service) AcceptEmergency(ctx context.Context, id uuid.UUID, dest Destination, patient *PatientInfo) (*Ambulance, error) {
	dest.Name = strings.TrimSpace(dest.Name)
	if dest.Name == "" {
		return nil, fmt.Errorf("destination name is required")
	}
	if err := (Location{Lat: dest.Lat, Lng: dest.Lng}).Validate(); err != nil {
		return nil, err
	}
	if patient != nil && patient.Severity != "" && !patient.Severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", patient.Severity)
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.strict && !CanTransition(a.Status, StatusOnDuty) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, StatusOnDuty)
	}

	onDuty := StatusOnDuty
	no := false
	patch := Patch{
		Status:           &onDuty,
		Destination:      &dest,
		PatientInfo:      patient,
		HospitalPrepared: &no,
		RouteCleared:     &no,
	}
	if err := s.repo.Patch(ctx, id, patch); err != nil {
		return nil, err
	}
	s.signal(ctx)

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("ambulance_id", id.String()).Str("destination", dest.Name).Msg("emergency accepted")
	s.notifyHospitals(ctx, updated)
	s.publish(ctx, EventEmergencyAccepted, updated)
	return updated, nil
}

// Prepare marks the destination hospital ready. Only the hospital named
// organization may prepare an on_duty record headed to it. A prepared record
// is returned unchanged.
func (s *Service) Prepare(ctx context.Context, id uuid.UUID, organization string) (*Ambulance, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusOnDuty {
		return nil, ErrNotOnDuty
	}
	if organization == "" || a.DestinationName() != organization {
		return nil, ErrNotDestination
	}
	if a.Prepared() {
		return a, nil
	}
	yes := true
	if err := s.repo.Patch(ctx, id, Patch{HospitalPrepared: &yes}); err != nil {
		return nil, err
	}
	s.signal(ctx)
	a.HospitalPrepared = &yes

	s.notifyDriver(ctx, a, notification.TplHospitalPrepared, map[string]string{"hospital": a.DestinationName()})
	s.publish(ctx, EventHospitalPrepared, a)
	return a, nil
}

// PrepareAs resolves the hospital account's organization and prepares on
// its behalf.
func (s *Service) PrepareAs(ctx context.Context, id, hospitalUserID uuid.UUID) (*Ambulance, error) {
	if s.hospitals == nil {
		return nil, ErrNotDestination
	}
	u, err := s.hospitals.Get(ctx, hospitalUserID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, ErrNotDestination
	}
	if err != nil {
		return nil, fmt.Errorf("lookup hospital account: %w", err)
	}
	if u.Role != profile.RoleHospital {
		return nil, ErrNotDestination
	}
	return s.Prepare(ctx, id, u.Org())
}

// ClearRoute applies to on_duty records only. A cleared record is returned
// unchanged.
func (s *Service) ClearRoute(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusOnDuty {
		return nil, ErrNotOnDuty
	}
	if a.Cleared() {
		return a, nil
	}
	yes := true
	if err := s.repo.Patch(ctx, id, Patch{RouteCleared: &yes}); err != nil {
		return nil, err
	}
	s.signal(ctx)
	a.RouteCleared = &yes

	s.notifyDriver(ctx, a, notification.TplRouteCleared, map[string]string{"vehicle_id": a.VehicleID})
	s.publish(ctx, EventRouteCleared, a)
	return a, nil
}

func (s *Service) signal(ctx context.Context) {
	if s.source == nil {
		return
	}
	if err := s.source.Signal(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("fleet change signal failed")
	}
}

func (s *Service) notifyHospitals(ctx context.Context, a *Ambulance) {
	if s.notifier == nil || s.hospitals == nil {
		return
	}
	users, err := s.hospitals.ListByOrganization(ctx, profile.RoleHospital, a.DestinationName())
	if err != nil {
		s.logger.Warn().Err(err).Msg("hospital lookup failed")
		return
	}
	severity := string(DefaultSeverity)
	if a.PatientInfo != nil && a.PatientInfo.Severity != "" {
		severity = string(a.PatientInfo.Severity)
	}
	for _, u := range users {
		err := s.notifier.NotifyUser(ctx, u.ID.String(), notification.TplIncomingPatient, map[string]string{
			"vehicle_id": a.VehicleID,
			"severity":   severity,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("incoming patient notice failed")
		}
	}
}

func (s *Service) notifyDriver(ctx context.Context, a *Ambulance, templateID string, data map[string]string) {
	if s.notifier == nil || a.DriverID == nil {
		return
	}
	if err := s.notifier.NotifyUser(ctx, a.DriverID.String(), templateID, data); err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", a.ID.String()).Msg("driver notice failed")
	}
}

type dispatchEvent struct {
	VehicleID   string       `json:"vehicle_id"`
	Status      Status       `json:"status"`
	Destination *Destination `json:"destination,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	Severity    Severity     `json:"severity,omitempty"`
}

func (s *Service) publish(ctx context.Context, eventType string, a *Ambulance) {
	if s.events == nil {
		return
	}
	ev := dispatchEvent{
		VehicleID:   a.VehicleID,
		Status:      a.Status,
		Destination: a.Destination,
		Location:    a.CurrentLocation,
	}
	if a.PatientInfo != nil {
		ev.Severity = a.PatientInfo.Severity
	}
	if err := s.events.Publish(ctx, eventType, a.ID.String(), ev); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}
