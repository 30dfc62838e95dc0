package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAmbulance Role = "ambulance"
	RolePolice    Role = "police"
	RoleHospital  Role = "hospital"
	RoleAdmin     Role = "admin"
)

// ServiceRoles are the roles that need administrator verification.
var ServiceRoles = []Role{RoleAmbulance, RoleHospital, RolePolice}

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAmbulance, RolePolice, RoleHospital, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// IsService reports whether r is one of ambulance, hospital or police.
func (r Role) IsService() bool {
	return r == RoleAmbulance || r == RoleHospital || r == RolePolice
}

// Title is the capitalised role name used in notices.
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// DashboardPath is where an authorized session of this role lands.
func (r Role) DashboardPath() string {
	return "/" + string(r) + "/dashboard"
}

type DocumentKind string

const (
	DocIDCard       DocumentKind = "id_card"
	DocSelfie       DocumentKind = "selfie"
	DocVehiclePhoto DocumentKind = "vehicle_photo"
)

var DocumentKinds = []DocumentKind{DocIDCard, DocSelfie, DocVehiclePhoto}

type Documents struct {
	IDCardURL       *string `json:"id_card_url,omitempty"`
	SelfieURL       *string `json:"selfie_url,omitempty"`
	VehiclePhotoURL *string `json:"vehicle_photo_url,omitempty"`
}

func (d *Documents) set(kind DocumentKind, url string) {
	switch kind {
	case DocIDCard:
		d.IDCardURL = &url
	case DocSelfie:
		d.SelfieURL = &url
	case DocVehiclePhoto:
		d.VehiclePhotoURL = &url
	}
}

// UserProfile is one account. Verified is tri-state: nil after rejection or
// for legacy admin rows, true once approved.
type UserProfile struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Verified     *bool      `json:"verified"`
	Rejected     bool       `json:"rejected"`
	DisplayName  *string    `json:"display_name,omitempty"`
	PhoneNumber  *string    `json:"phone_number,omitempty"`
	Organization *string    `json:"organization,omitempty"`
	Documents    Documents  `json:"documents"`
	DeviceToken  *string    `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

func (p *UserProfile) IsVerified() bool {
	return p.Verified != nil && *p.Verified
}

// IsPending reports a service account still waiting for review.
func (p *UserProfile) IsPending() bool {
	return p.Role.IsService() && p.Verified != nil && !*p.Verified && !p.Rejected
}

// Name returns the display name, falling back to the email address.
func (p *UserProfile) Name() string {
	if p.DisplayName != nil && *p.DisplayName != "" {
		return *p.DisplayName
	}
	return p.Email
}

func (p *UserProfile) Org() string {
	if p.Organization == nil {
		return ""
	}
	return *p.Organization
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
