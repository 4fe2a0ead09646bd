package domain

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of signaling message kinds.
type Kind string

const (
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice-candidate"
	KindChat           Kind = "chat"
	KindPresenceUpdate Kind = "presence-update"
	KindControl        Kind = "control"
)

// Envelope is one unit of relay traffic. Payload is opaque to the relay;
// routing only looks at Kind and Recipient.
type Envelope struct {
	Kind      Kind            `json:"kind" validate:"required,oneof=offer answer ice-candidate chat presence-update control"`
	Sender    Identity        `json:"sender"`
	Recipient Identity        `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

// Targeted reports whether the envelope names an explicit recipient.
func (e *Envelope) Targeted() bool { return e.Recipient != "" }

// ControlAction values the server itself reacts to. Anything else inside a
// control payload is relayed untouched.
const (
	ControlEndConsultation = "end-consultation"
	ControlInvalidMessage  = "invalid-message"
)

// ControlPayload is the server-understood shape of a control envelope payload.
type ControlPayload struct {
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// PresenceEvent values used in server-originated presence-update envelopes.
const (
	PresenceJoined   = "joined"
	PresenceLeft     = "left"
	PresenceReplaced = "replaced"
)

type PresencePayload struct {
	Event    string   `json:"event"`
	Identity Identity `json:"identity"`
	Role     Role     `json:"role"`
	State    State    `json:"state,omitempty"`
}

// NewPresenceUpdate builds a server-originated presence envelope.
func NewPresenceUpdate(p PresencePayload, at time.Time) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{Kind: KindPresenceUpdate, Payload: raw, SentAt: at}
}

// NewInvalidMessage builds the control envelope returned to a sender whose
// input could not be parsed or validated.
func NewInvalidMessage(reason string, at time.Time) Envelope {
	raw, _ := json.Marshal(ControlPayload{Action: ControlInvalidMessage, Error: reason})
	return Envelope{Kind: KindControl, Payload: raw, SentAt: at}
}
