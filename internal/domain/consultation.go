// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

const MaxIdentityLen = 64

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
	ErrUnknownRole     = errors.New("unknown role")
)

type (
	ConsultationID string
	Identity       string
)

type Role string

const (
	RoleDoctor   Role = "doctor"
	RolePatient  Role = "patient"
	RoleObserver Role = "observer"
)

// ParseRole rejects anything outside the closed role set.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleDoctor, RolePatient, RoleObserver:
		return r, nil
	}
	return "", ErrUnknownRole
}

// Required reports whether the role counts toward the Waiting -> Active
// transition. Observers never do.
func (r Role) Required() bool {
	return r == RoleDoctor || r == RolePatient
}

// State is the consultation lifecycle state.
type State string

const (
	StateScheduled State = "scheduled"
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Terminal reports whether the state accepts no further lifecycle events.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Consultation is the scheduled encounter meta. Live lifecycle state is owned
// elsewhere; this struct never changes after scheduling.
type Consultation struct {
	ID               ConsultationID
	Roles            []Role
	Capacity         int
	ScheduledStart   time.Time
	RecordingEnabled bool
	CreatedAt        time.Time
}

// AllowsRole reports whether the role is among the expected participant roles.
func (c *Consultation) AllowsRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequiredRoles returns the roles that must be present for the consultation
// to be considered active.
func (c *Consultation) RequiredRoles() []Role {
	out := make([]Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		if r.Required() {
			out = append(out, r)
		}
	}
	return out
}
