package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// CoordinatorConfig carries the lifecycle and cleanup knobs.
type CoordinatorConfig struct {
	GraceWindow       time.Duration
	NoShowTimeout     time.Duration
	TerminalRetention time.Duration
	DefaultCapacity   int
}

// JoinAck is returned to a successfully connected client; the signal adapter
// wraps it into the room_state message together with the ICE configuration.
type JoinAck struct {
	Identity domain.Identity
	Role     domain.Role
	State    domain.State
	Members  []core.MemberDTO
}

// ConsultationView is the REST-facing snapshot of one live consultation.
type ConsultationView struct {
	ID             domain.ConsultationID `json:"id"`
	State          domain.State          `json:"state"`
	ScheduledStart time.Time             `json:"scheduledStart"`
	LastTransition time.Time             `json:"lastTransition"`
	Members        []core.MemberDTO      `json:"members"`
}

// session pairs one consultation's lifecycle with the admission lock that
// serializes joins against each other and against terminal cleanup.
type session struct {
	mu sync.Mutex
	lc *Lifecycle
}

// Coordinator is the single entry point for new connections. It owns the room
// manager, the presence registry, and every live consultation lifecycle.
// Cross-consultation operations never share a lock beyond the short map
// lookups here; per-consultation state is guarded by its own session.
type Coordinator struct {
	auth     core.Authorizer
	schedule core.Scheduler
	rooms    core.RoomManager
	presence *Registry
	relay    *Relay
	status   *StatusBroadcaster
	clock    Clock
	cfg      CoordinatorConfig

	mu       sync.Mutex
	sessions map[domain.ConsultationID]*session
}

func NewCoordinator(auth core.Authorizer, schedule core.Scheduler, chat core.ChatStore, cfg CoordinatorConfig, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	c := &Coordinator{
		auth:     auth,
		schedule: schedule,
		rooms:    NewRoomManager(),
		presence: NewRegistry(),
		status:   NewStatusBroadcaster(),
		clock:    clock,
		cfg:      cfg,
		sessions: make(map[domain.ConsultationID]*session),
	}
	c.relay = NewRelay(c.rooms, chat, c, clock)
	return c
}

func (c *Coordinator) Status() *StatusBroadcaster { return c.status }
func (c *Coordinator) Rooms() core.RoomManager    { return c.rooms }

// Connect runs the full admission sequence: authorize, materialize the
// lifecycle, then commit under the session lock. The terminality check, the
// capacity check, and the attach form one critical section, so concurrent
// joins cannot overshoot capacity and a join cannot slip past terminal
// cleanup. A rejection leaves no partial state behind.
func (c *Coordinator) Connect(ctx context.Context, cid domain.ConsultationID, token string, conn core.SignalConnection, cancel context.CancelFunc) (*JoinAck, core.CloseReason) {
	claims, err := c.auth.Authorize(ctx, token, cid)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").
			Str("consultation", string(cid)).
			Msg("connection rejected, unauthorized")
		return nil, core.CloseUnauthorized
	}

	s, room, reason := c.materialize(ctx, cid)
	if reason != "" {
		return nil, reason
	}

	s.mu.Lock()
	if s.lc.State().Terminal() {
		s.mu.Unlock()
		return nil, core.CloseNotEligible
	}
	if _, err := room.Join(claims.Identity, claims.Role, conn, c.clock.Now()); err != nil {
		s.mu.Unlock()
		if errors.Is(err, core.ErrRoomFull) {
			return nil, core.CloseRoomFull
		}
		return nil, core.CloseUnauthorized
	}
	replaced := c.presence.Bind(cid, claims.Identity, conn, cancel)
	s.lc.HandleJoined(claims.Identity, claims.Role)
	state := s.lc.State()
	members := room.MembersSnapshot()
	s.mu.Unlock()

	event := domain.PresenceJoined
	if replaced {
		event = domain.PresenceReplaced
	}
	c.broadcastPresence(room, claims.Identity, claims.Role, event, state)

	log.Info().Str("module", "app.coordinator").
		Str("consultation", string(cid)).
		Str("identity", string(claims.Identity)).Str("role", string(claims.Role)).
		Bool("replaced", replaced).
		Msg("participant connected")

	return &JoinAck{
		Identity: claims.Identity,
		Role:     claims.Role,
		State:    state,
		Members:  members,
	}, ""
}

// Disconnect is called by the transport adapter when a pump exits. A late
// disconnect from an already-displaced connection is ignored.
func (c *Coordinator) Disconnect(cid domain.ConsultationID, identity domain.Identity, conn core.SignalConnection) {
	if !c.presence.Unbind(cid, identity, conn) {
		return
	}
	room, ok := c.rooms.Get(cid)
	var role domain.Role
	if ok {
		if meta, found := room.Member(identity); found {
			role = meta.Role
		}
		room.Detach(identity)
	}
	if lc := c.lifecycle(cid); lc != nil {
		lc.HandleDisconnected(identity)
		if ok {
			c.broadcastPresence(room, identity, role, domain.PresenceLeft, lc.State())
		}
	}
	log.Info().Str("module", "app.coordinator").
		Str("consultation", string(cid)).
		Str("identity", string(identity)).
		Msg("participant disconnected")
}

// Inbound feeds one raw frame from a connected participant into the relay.
func (c *Coordinator) Inbound(cid domain.ConsultationID, identity domain.Identity, conn core.SignalConnection, raw []byte) {
	c.relay.HandleInbound(cid, identity, conn, raw)
}

// OnSignal implements LifecycleNotifier: control envelopes whose action the
// server understands drive lifecycle transitions. Everything else has already
// been relayed and needs nothing more.
func (c *Coordinator) OnSignal(cid domain.ConsultationID, env *domain.Envelope) {
	if env.Kind != domain.KindControl {
		return
	}
	var p domain.ControlPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Action != domain.ControlEndConsultation {
		return
	}
	lc := c.lifecycle(cid)
	if lc == nil {
		return
	}
	role := domain.Role("")
	if room, ok := c.rooms.Get(cid); ok {
		if meta, found := room.Member(env.Sender); found {
			role = meta.Role
		}
	}
	lc.End(role, false)
}

// EndExternally handles the scheduling collaborator closing a visit
// administratively.
func (c *Coordinator) EndExternally(cid domain.ConsultationID) error {
	lc := c.lifecycle(cid)
	if lc == nil {
		return core.ErrNotFound
	}
	lc.End("", true)
	return nil
}

// Consultation returns a snapshot view for the REST surface.
func (c *Coordinator) Consultation(cid domain.ConsultationID) (*ConsultationView, error) {
	lc := c.lifecycle(cid)
	room, ok := c.rooms.Get(cid)
	if lc == nil || !ok {
		return nil, core.ErrNotFound
	}
	return &ConsultationView{
		ID:             cid,
		State:          lc.State(),
		ScheduledStart: room.Consultation().ScheduledStart,
		LastTransition: lc.LastTransition(),
		Members:        room.MembersSnapshot(),
	}, nil
}

// Shutdown drops every connection and stops every timer. Called once on
// server exit.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]domain.ConsultationID, 0, len(c.sessions))
	for cid, s := range c.sessions {
		s.lc.Stop()
		ids = append(ids, cid)
	}
	c.sessions = make(map[domain.ConsultationID]*session)
	c.mu.Unlock()

	for _, cid := range ids {
		c.presence.DropAll(cid, core.CloseServerShutdown)
		c.rooms.Evict(cid)
	}
}

func (c *Coordinator) session(cid domain.ConsultationID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[cid]
}

func (c *Coordinator) lifecycle(cid domain.ConsultationID) *Lifecycle {
	if s := c.session(cid); s != nil {
		return s.lc
	}
	return nil
}

// materialize looks up or lazily creates the session and room for a
// consultation, consulting the scheduling collaborator on first contact.
func (c *Coordinator) materialize(ctx context.Context, cid domain.ConsultationID) (*session, core.RoomService, core.CloseReason) {
	c.mu.Lock()
	if s, ok := c.sessions[cid]; ok {
		room, found := c.rooms.Get(cid)
		c.mu.Unlock()
		if !found {
			return nil, nil, core.CloseNotFound
		}
		return s, room, ""
	}
	c.mu.Unlock()

	// Eligibility is the one hard collaborator dependency of admission.
	elig, err := c.schedule.Eligibility(ctx, cid)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").
			Str("consultation", string(cid)).
			Msg("scheduling service unreachable at eligibility check")
		return nil, nil, core.CloseNotEligible
	}
	if !elig.Exists {
		return nil, nil, core.CloseNotFound
	}
	if elig.EndedExternally {
		return nil, nil, core.CloseNotEligible
	}

	capacity := elig.Capacity
	if capacity <= 0 {
		capacity = c.cfg.DefaultCapacity
	}
	consultation := &domain.Consultation{
		ID:               cid,
		Roles:            elig.Roles,
		Capacity:         capacity,
		ScheduledStart:   elig.ScheduledStart,
		RecordingEnabled: elig.RecordingEnabled,
		CreatedAt:        c.clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[cid]; ok {
		// Lost the materialization race; use the winner's instance.
		room, found := c.rooms.Get(cid)
		if !found {
			return nil, nil, core.CloseNotFound
		}
		return s, room, ""
	}
	room := c.rooms.GetOrCreate(consultation)
	lc := NewLifecycle(consultation, c.clock, LifecycleConfig{
		GraceWindow:   c.cfg.GraceWindow,
		NoShowTimeout: c.cfg.NoShowTimeout,
	}, c.onStatusChange)
	s := &session{lc: lc}
	c.sessions[cid] = s
	log.Info().Str("module", "app.coordinator").
		Str("consultation", string(cid)).
		Int("capacity", capacity).
		Time("scheduled_start", elig.ScheduledStart).
		Msg("consultation materialized")
	return s, room, ""
}

// onStatusChange publishes every transition and performs terminal cleanup:
// connected handles are closed, membership is cleared, and the room plus
// lifecycle are evicted after a bounded retention period. Cleanup runs under
// the session lock, so a join in flight either commits before it (and its
// handle is closed here) or observes the terminal state and is rejected.
func (c *Coordinator) onStatusChange(ch StatusChange) {
	c.status.Publish(ch)
	if !ch.To.Terminal() {
		return
	}
	reason := core.CloseEnded
	if ch.To == domain.StateFailed {
		reason = core.CloseFailed
	}
	s := c.session(ch.ConsultationID)
	if s != nil {
		s.mu.Lock()
	}
	c.presence.DropAll(ch.ConsultationID, reason)
	if room, ok := c.rooms.Get(ch.ConsultationID); ok {
		for _, m := range room.MembersSnapshot() {
			room.Detach(m.Identity)
		}
	}
	if s != nil {
		s.mu.Unlock()
	}
	c.clock.AfterFunc(c.cfg.TerminalRetention, func() {
		c.evict(ch.ConsultationID)
	})
}

func (c *Coordinator) evict(cid domain.ConsultationID) {
	c.mu.Lock()
	s := c.sessions[cid]
	delete(c.sessions, cid)
	c.mu.Unlock()
	if s != nil {
		s.lc.Stop()
	}
	c.rooms.Evict(cid)
	log.Info().Str("module", "app.coordinator").
		Str("consultation", string(cid)).
		Msg("consultation evicted")
}

func (c *Coordinator) broadcastPresence(room core.RoomService, identity domain.Identity, role domain.Role, event string, state domain.State) {
	env := domain.NewPresenceUpdate(domain.PresencePayload{
		Event:    event,
		Identity: identity,
		Role:     role,
		State:    state,
	}, c.clock.Now())
	data, err := json.Marshal(&env)
	if err != nil {
		return
	}
	room.Broadcast(identity, data)
}
