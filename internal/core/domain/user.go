package domain

import (
	"errors"
	"time"
)

// LicenseTier is the commercial tier attached to a user account.
type LicenseTier string

const (
	LicenseDemo         LicenseTier = "Demo"
	LicenseEducation    LicenseTier = "Education"
	LicenseCommunity    LicenseTier = "Community"
	LicenseProfessional LicenseTier = "Professional"
)

// Valid reports whether t is one of the known tiers.
func (t LicenseTier) Valid() bool {
	switch t {
	case LicenseDemo, LicenseEducation, LicenseCommunity, LicenseProfessional:
		return true
	}
	return false
}

// Role is the privilege level of a user account.
type Role string

const (
	RoleReadOnly             Role = "ReadOnly"
	RoleNormal               Role = "Normal"
	RoleAdministrator        Role = "Administrator"
	RoleMissionOperator      Role = "MissionOperator"
	RoleMissionAdministrator Role = "MissionAdministrator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleReadOnly, RoleNormal, RoleAdministrator, RoleMissionOperator, RoleMissionAdministrator:
		return true
	}
	return false
}

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadyLoggedIn    = errors.New("user already logged in")
	ErrNotLoggedIn        = errors.New("user not logged in")
)

// User models a registered account.
type User struct {
	ID             string      `json:"id"`
	Username       string      `json:"username"`
	Email          string      `json:"email"`
	PasswordDigest string      `json:"-"`
	License        LicenseTier `json:"license"`
	Role           Role        `json:"role"`
	CreatedAt      time.Time   `json:"created_at"`
	LoggedIn       bool        `json:"logged_in"`
}
