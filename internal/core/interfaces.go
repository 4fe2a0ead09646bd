package core

import (
	"context"
	"errors"
	"time"

	"github.com/curago/telemed/internal/domain"
)

// Frame is a raw wire payload (a JSON-encoded envelope).
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")

	ErrRoomFull       = errors.New("room full")
	ErrRoleNotAllowed = errors.New("role not allowed in consultation")
	ErrNotFound       = errors.New("consultation not found")
	ErrNotEligible    = errors.New("consultation not eligible")
	ErrUnauthorized   = errors.New("unauthorized")
)

// CloseReason is the code a client receives when its connection is rejected
// or terminated by the server.
type CloseReason string

const (
	CloseUnauthorized   CloseReason = "UNAUTHORIZED"
	CloseNotFound       CloseReason = "CONSULTATION_NOT_FOUND"
	CloseNotEligible    CloseReason = "CONSULTATION_NOT_ELIGIBLE"
	CloseRoomFull       CloseReason = "ROOM_FULL"
	CloseReplaced       CloseReason = "DUPLICATE_SESSION_REPLACED"
	CloseEnded          CloseReason = "CONSULTATION_ENDED"
	CloseFailed         CloseReason = "CONSULTATION_FAILED"
	CloseServerShutdown CloseReason = "SERVER_SHUTDOWN"
)

// SignalConnection abstracts one client's duplex transport endpoint.
// Owned by the adapter; the adapter must Close() it. Close is idempotent.
type SignalConnection interface {
	TrySend(Frame) error
	CloseWithReason(CloseReason)
	Close()
}

// PublishResult reports delivery stats to the coordinator.
type PublishResult struct {
	SentTo  int
	Dropped []domain.Identity
}

// MemberDTO is a read-only membership view for APIs and join acks.
type MemberDTO struct {
	Identity  domain.Identity `json:"identity"`
	Role      domain.Role     `json:"role"`
	Connected bool            `json:"connected"`
	JoinedAt  time.Time       `json:"joinedAt"`
}

// RoomService is the live membership set for one consultation.
// It owns participant records but never closes adapter-owned transports.
// Membership is mutated only by the coordinator and presence tracker; the
// relay only reads it to pick fan-out targets.
type RoomService interface {
	Consultation() *domain.Consultation
	MemberCount() int
	ConnectedCount() int
	MembersSnapshot() []MemberDTO

	// Join validates role and capacity and attaches the connection under one
	// critical section, so concurrent joins cannot both take the last seat.
	// Rejection leaves membership untouched. A rejoin by a known identity
	// replaces the connection and bumps the reconnect counter.
	Join(identity domain.Identity, role domain.Role, conn SignalConnection, at time.Time) (*domain.Participant, error)
	// Detach clears the connection reference but keeps the record.
	Detach(identity domain.Identity)

	Member(identity domain.Identity) (*domain.Participant, bool)
	// RequiredRolesConnected reports whether every required role has a live
	// connection, and whether at least one does.
	RequiredRolesConnected() (all bool, any bool)

	Broadcast(from domain.Identity, data Frame) PublishResult
	SendTo(to domain.Identity, data Frame) bool
}

type RoomInfo struct {
	ID          domain.ConsultationID `json:"id"`
	MemberCount int                   `json:"memberCount"`
	Connected   int                   `json:"connected"`
}

type RoomManager interface {
	GetOrCreate(c *domain.Consultation) RoomService
	Get(id domain.ConsultationID) (RoomService, bool)
	List() []RoomInfo
	Evict(id domain.ConsultationID)
}

// AuthClaims is what the authorization collaborator vouches for.
type AuthClaims struct {
	Identity domain.Identity
	Role     domain.Role
}

// Authorizer validates an out-of-band token against a consultation grant.
type Authorizer interface {
	Authorize(ctx context.Context, token string, id domain.ConsultationID) (AuthClaims, error)
}

// Eligibility is the scheduling collaborator's answer for one consultation.
type Eligibility struct {
	Exists           bool
	ScheduledStart   time.Time
	Roles            []domain.Role
	Capacity         int
	RecordingEnabled bool
	EndedExternally  bool
}

// Scheduler is the external scheduling collaborator. Only the eligibility
// check at connect time is a hard dependency.
type Scheduler interface {
	Eligibility(ctx context.Context, id domain.ConsultationID) (Eligibility, error)
}

// ChatStore persists chat traffic. Append is called fire-and-forget; failures
// must never reach the relay path.
type ChatStore interface {
	Append(ctx context.Context, id domain.ConsultationID, raw []byte) error
	History(ctx context.Context, id domain.ConsultationID, limit int) ([][]byte, error)
	Close() error
}
