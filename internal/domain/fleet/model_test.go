package fleet

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalize_Defaults(t *testing.T) {
	a := Normalize(Ambulance{ID: uuid.New(), VehicleID: "AMB-1", Status: StatusOnDuty})

	if *a.ETA != "12 minutes" {
		t.Errorf("eta = %q", *a.ETA)
	}
	if a.Prepared() || a.Cleared() {
		t.Error("flags should default to false")
	}
	if a.HospitalPrepared == nil || a.RouteCleared == nil {
		t.Error("flags should be present after normalization")
	}
	want := PatientInfo{Severity: SeverityMedium, Notes: "", Age: "Unknown", Gender: "Unknown", Condition: "Unknown"}
	if *a.PatientInfo != want {
		t.Errorf("patient = %+v, want %+v", *a.PatientInfo, want)
	}
}

func TestNormalize_KeepsPresentValues(t *testing.T) {
	eta := "4 minutes"
	yes := true
	in := Ambulance{
		ETA:              &eta,
		HospitalPrepared: &yes,
		PatientInfo:      &PatientInfo{Severity: SeverityCritical, Notes: "unconscious", Age: "54"},
	}
	a := Normalize(in)
	if *a.ETA != "4 minutes" || !a.Prepared() {
		t.Errorf("present values overwritten: %+v", a)
	}
	if a.PatientInfo.Severity != SeverityCritical || a.PatientInfo.Age != "54" || a.PatientInfo.Gender != "Unknown" {
		t.Errorf("patient = %+v", a.PatientInfo)
	}
	if in.PatientInfo.Gender != "" {
		t.Error("Normalize must not mutate its input")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	eta := "7 minutes"
	inputs := []Ambulance{
		{},
		{ETA: &eta},
		{PatientInfo: &PatientInfo{Notes: "fall"}},
		{Status: StatusAvailable, CurrentLocation: &Location{Lat: 1, Lng: 2}},
	}
	for i, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("case %d: normalize not idempotent:\n%+v\n%+v", i, once, twice)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAvailable, StatusOnDuty, true},
		{StatusAvailable, StatusMaintenance, true},
		{StatusAvailable, StatusReturning, false},
		{StatusOnDuty, StatusReturning, true},
		{StatusOnDuty, StatusAvailable, true},
		{StatusOnDuty, StatusMaintenance, false},
		{StatusReturning, StatusAvailable, true},
		{StatusReturning, StatusMaintenance, true},
		{StatusReturning, StatusOnDuty, false},
		{StatusMaintenance, StatusAvailable, true},
		{StatusMaintenance, StatusOnDuty, false},
		{StatusOnDuty, StatusOnDuty, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("on_duty"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseStatus("off"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestPatch_ApplyTouchesOnlyGivenFields(t *testing.T) {
	yes := true
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Ambulance{Status: StatusOnDuty, HospitalPrepared: &yes, Destination: &Destination{Name: "General"}}

	Patch{Location: &Location{Lat: 10, Lng: 20}}.Apply(&a, now)

	if a.CurrentLocation == nil || a.CurrentLocation.Lat != 10 {
		t.Error("location not applied")
	}
	if a.Timestamp == nil || !a.Timestamp.Equal(now) {
		t.Error("location write must stamp the timestamp")
	}
	if a.Status != StatusOnDuty || !a.Prepared() || a.DestinationName() != "General" {
		t.Errorf("untouched fields changed: %+v", a)
	}
	if !(Patch{}).Empty() {
		t.Error("zero patch should be empty")
	}
}

func TestLocation_Validate(t *testing.T) {
	if err := (Location{Lat: 40.7, Lng: -74}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Location{Lat: 91}).Validate(); err == nil {
		t.Error("expected latitude error")
	}
	if err := (Location{Lng: -181}).Validate(); err == nil {
		t.Error("expected longitude error")
	}
}
