package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is an ambulance's operational state.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusOnDuty      Status = "on_duty"
	StatusReturning   Status = "returning"
	StatusMaintenance Status = "maintenance"
)

// ActiveStatuses is the fixed filter of the live fleet feed.
var ActiveStatuses = []Status{StatusOnDuty, StatusAvailable}

// ParseStatus validates a wire value against the known statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAvailable, StatusOnDuty, StatusReturning, StatusMaintenance:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

func (s Status) Active() bool {
	return s == StatusOnDuty || s == StatusAvailable
}

// transitions is enforced only when strict transitions are enabled.
var transitions = map[Status][]Status{
	StatusAvailable:   {StatusOnDuty, StatusMaintenance},
	StatusOnDuty:      {StatusReturning, StatusAvailable},
	StatusReturning:   {StatusAvailable, StatusMaintenance},
	StatusMaintenance: {StatusAvailable},
}

// CanTransition reports whether from -> to is in the transition table.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude out of range: %v", l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("longitude out of range: %v", l.Lng)
	}
	return nil
}

type Destination struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name"`
}

type PatientInfo struct {
	Severity  Severity `json:"severity"`
	Notes     string   `json:"notes"`
	Age       string   `json:"age,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Condition string   `json:"condition,omitempty"`
}

type Ambulance struct {
	ID               uuid.UUID    `json:"id"`
	VehicleID        string       `json:"vehicle_id"`
	DriverID         *uuid.UUID   `json:"driver_id,omitempty"`
	Status           Status       `json:"status"`
	CurrentLocation  *Location    `json:"current_location,omitempty"`
	Destination      *Destination `json:"destination,omitempty"`
	PatientInfo      *PatientInfo `json:"patient_info,omitempty"`
	ETA              *string      `json:"eta,omitempty"`
	HospitalPrepared *bool        `json:"hospital_prepared,omitempty"`
	RouteCleared     *bool        `json:"route_cleared,omitempty"`
	Timestamp        *time.Time   `json:"timestamp,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

const (
	DefaultETA      = "12 minutes"
	UnknownPatient  = "Unknown"
	DefaultSeverity = SeverityMedium
)

// Normalize fills the display fallbacks so consumers never branch on missing
// fields. Normalizing a normalized record returns an equal record.
func Normalize(a Ambulance) Ambulance {
	if a.ETA == nil || *a.ETA == "" {
		eta := DefaultETA
		a.ETA = &eta
	}
	if a.HospitalPrepared == nil {
		f := false
		a.HospitalPrepared = &f
	}
	if a.RouteCleared == nil {
		f := false
		a.RouteCleared = &f
	}

	var p PatientInfo
	if a.PatientInfo != nil {
		p = *a.PatientInfo
	} else {
		p = PatientInfo{Severity: DefaultSeverity}
	}
	if p.Severity == "" {
		p.Severity = DefaultSeverity
	}
	if p.Age == "" {
		p.Age = UnknownPatient
	}
	if p.Gender == "" {
		p.Gender = UnknownPatient
	}
	if p.Condition == "" {
		p.Condition = UnknownPatient
	}
	a.PatientInfo = &p
	return a
}

func (a *Ambulance) Prepared() bool { return a.HospitalPrepared != nil && *a.HospitalPrepared }

func (a *Ambulance) Cleared() bool { return a.RouteCleared != nil && *a.RouteCleared }

// DestinationName is empty when no destination is set.
func (a *Ambulance) DestinationName() string {
	if a.Destination == nil {
		return ""
	}
	return a.Destination.Name
}

// Patch is a field-level update; nil fields are left untouched.
type Patch struct {
	Status           *Status
	Location         *Location
	Destination      *Destination
	PatientInfo      *PatientInfo
	HospitalPrepared *bool
	RouteCleared     *bool
	DriverID         *uuid.UUID
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Location == nil && p.Destination == nil && p.PatientInfo == nil &&
		p.HospitalPrepared == nil && p.RouteCleared == nil && p.DriverID == nil
}

// Apply writes the non-nil fields of p onto a. Location writes also stamp
// the record timestamp.
func (p Patch) Apply(a *Ambulance, now time.Time) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Location != nil {
		loc := *p.Location
		a.CurrentLocation = &loc
		a.Timestamp = &now
	}
	if p.Destination != nil {
		d := *p.Destination
		a.Destination = &d
	}
	if p.PatientInfo != nil {
		pi := *p.PatientInfo
		a.PatientInfo = &pi
	}
	if p.HospitalPrepared != nil {
		v := *p.HospitalPrepared
		a.HospitalPrepared = &v
	}
	if p.RouteCleared != nil {
		v := *p.RouteCleared
		a.RouteCleared = &v
	}
	if p.DriverID != nil {
		id := *p.DriverID
		a.DriverID = &id
	}
	a.UpdatedAt = now
}
