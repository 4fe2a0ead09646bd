package domain

import "time"

// Participant is one authenticated actor attached to a consultation.
// No transport or lifecycle logic here; the connection handle lives in core.
type Participant struct {
	Identity   Identity
	Role       Role
	JoinedAt   time.Time
	Reconnects int
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(identity Identity, role Role, at time.Time) (*Participant, error) {
	if identity == "" {
		return nil, ErrIdentityEmpty
	}
	if len(identity) > MaxIdentityLen {
		return nil, ErrIdentityTooLong
	}
	return &Participant{Identity: identity, Role: role, JoinedAt: at}, nil
}
