package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/curago/telemed/internal/domain"
)

// roomMember pairs the participant record with its current (nullable)
// connection. conn == nil means known but disconnected.
type roomMember struct {
	meta *domain.Participant
	conn SignalConnection
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned transports.
type roomImpl struct {
	consultation *domain.Consultation
	mu           sync.RWMutex
	members      map[domain.Identity]*roomMember
}

func NewRoomService(c *domain.Consultation) RoomService {
	return &roomImpl{
		consultation: c,
		members:      make(map[domain.Identity]*roomMember),
	}
}

func (r *roomImpl) Consultation() *domain.Consultation { return r.consultation }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.conn != nil {
			n++
		}
	}
	return n
}

// Join checks and commits under the write lock, so two concurrent joins
// cannot both pass the capacity check. Joins beyond capacity are rejected,
// not queued; a rejoin by a known identity replaces the connection.
func (r *roomImpl) Join(identity domain.Identity, role domain.Role, conn SignalConnection, at time.Time) (*domain.Participant, error) {
	if !r.consultation.AllowsRole(role) {
		return nil, ErrRoleNotAllowed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[identity]; ok {
		if m.meta.Role != role {
			return nil, ErrRoleNotAllowed
		}
		m.meta.Reconnects++
		m.conn = conn
		log.Info().Str("module", "core.room").
			Str("consultation", string(r.consultation.ID)).
			Str("identity", string(identity)).Str("role", string(role)).
			Int("reconnects", m.meta.Reconnects).
			Msg("member reattached")
		return m.meta, nil
	}
	if len(r.members) >= r.consultation.Capacity {
		return nil, ErrRoomFull
	}
	if role.Required() {
		for _, m := range r.members {
			if m.meta.Role == role {
				return nil, ErrRoomFull
			}
		}
	}
	meta, err := domain.NewParticipant(identity, role, at)
	if err != nil {
		return nil, err
	}
	r.members[identity] = &roomMember{meta: meta, conn: conn}
	log.Info().Str("module", "core.room").
		Str("consultation", string(r.consultation.ID)).
		Str("identity", string(identity)).Str("role", string(role)).
		Msg("member joined")
	return meta, nil
}

func (r *roomImpl) Detach(identity domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[identity]; ok {
		m.conn = nil
		log.Info().Str("module", "core.room").
			Str("consultation", string(r.consultation.ID)).
			Str("identity", string(identity)).
			Msg("member detached")
	}
}

func (r *roomImpl) Member(identity domain.Identity) (*domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.members[identity]; ok {
		return m.meta, true
	}
	return nil, false
}

func (r *roomImpl) RequiredRolesConnected() (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connected := map[domain.Role]bool{}
	for _, m := range r.members {
		if m.conn != nil {
			connected[m.meta.Role] = true
		}
	}
	all, any := true, false
	for _, role := range r.consultation.RequiredRoles() {
		if connected[role] {
			any = true
		} else {
			all = false
		}
	}
	return all, any
}

// Broadcast delivers to every connected member except the sender. A snapshot
// of the membership is taken first, so a member leaving mid-fan-out simply
// misses this one frame.
func (r *roomImpl) Broadcast(from domain.Identity, data Frame) PublishResult {
	type target struct {
		id   domain.Identity
		conn SignalConnection
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.members))
	for id, m := range r.members {
		if id == from || m.conn == nil {
			continue
		}
		targets = append(targets, target{id: id, conn: m.conn})
	}
	r.mu.RUnlock()

	res := PublishResult{}
	for _, t := range targets {
		if err := t.conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, t.id)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.room").
		Str("consultation", string(r.consultation.ID)).
		Str("from", string(from)).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).
		Msg("broadcast result")
	return res
}

// SendTo delivers to exactly one member. Drops silently (logged) when the
// target is unknown or disconnected; signaling is never queued for later.
func (r *roomImpl) SendTo(to domain.Identity, data Frame) bool {
	r.mu.RLock()
	m, ok := r.members[to]
	var conn SignalConnection
	if ok {
		conn = m.conn
	}
	r.mu.RUnlock()

	if conn == nil {
		log.Debug().Str("module", "core.room").
			Str("consultation", string(r.consultation.ID)).
			Str("to", string(to)).
			Msg("sendTo dropped, target disconnected")
		return false
	}
	if err := conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "core.room").
			Str("consultation", string(r.consultation.ID)).
			Str("to", string(to)).
			Msg("sendTo failed")
		return false
	}
	return true
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapToSlice(r.members, func(_ domain.Identity, m *roomMember) MemberDTO {
		return MemberDTO{
			Identity:  m.meta.Identity,
			Role:      m.meta.Role,
			Connected: m.conn != nil,
			JoinedAt:  m.meta.JoinedAt,
		}
	})
}
