package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/domain"
)

// LifecycleConfig carries the timer knobs of one consultation lifecycle.
type LifecycleConfig struct {
	// GraceWindow bounds how long a consultation may sit in Waiting with
	// nobody connected before it fails.
	GraceWindow time.Duration
	// NoShowTimeout bounds how long past the scheduled start a consultation
	// may go without reaching Active before it fails.
	NoShowTimeout time.Duration
}

// Lifecycle drives one consultation through
// Scheduled -> Waiting -> Active -> Ended/Failed.
//
// All event handlers are idempotent under duplicate delivery, and every
// (state, event) pair not covered by an explicit transition is a no-op.
// Terminal states reject everything.
type Lifecycle struct {
	consultation *domain.Consultation
	clock        Clock
	cfg          LifecycleConfig
	onChange     func(StatusChange)

	mu             sync.Mutex
	state          domain.State
	lastTransition time.Time
	present        map[domain.Identity]domain.Role
	noShowTimer    Timer
	graceTimer     Timer
}

func NewLifecycle(c *domain.Consultation, clock Clock, cfg LifecycleConfig, onChange func(StatusChange)) *Lifecycle {
	l := &Lifecycle{
		consultation:   c,
		clock:          clock,
		cfg:            cfg,
		onChange:       onChange,
		state:          domain.StateScheduled,
		lastTransition: clock.Now(),
		present:        make(map[domain.Identity]domain.Role),
	}
	// No-show clock starts ticking relative to the scheduled start, not the
	// moment the lifecycle was materialized.
	wait := cfg.NoShowTimeout
	if until := c.ScheduledStart.Sub(clock.Now()); until > 0 {
		wait += until
	}
	l.noShowTimer = clock.AfterFunc(wait, l.noShowExpired)
	return l
}

func (l *Lifecycle) State() domain.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) LastTransition() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTransition
}

// HandleJoined processes a ParticipantJoined event. Re-delivery for an
// already-present identity changes nothing.
func (l *Lifecycle) HandleJoined(identity domain.Identity, role domain.Role) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	if _, ok := l.present[identity]; ok {
		l.mu.Unlock()
		return
	}
	l.present[identity] = role
	l.stopTimer(&l.graceTimer)

	var changes []StatusChange
	if l.state == domain.StateScheduled {
		changes = append(changes, l.setState(domain.StateWaiting, "first participant joined"))
	}
	if l.state == domain.StateWaiting && l.allRequiredPresent() {
		// Once the visit has been Active, only the grace window can fail it.
		l.stopTimer(&l.noShowTimer)
		changes = append(changes, l.setState(domain.StateActive, "required roles present"))
	}
	l.mu.Unlock()
	l.emit(changes)
}

// HandleDisconnected processes a ParticipantDisconnected event. The visit
// degrades to Waiting instead of ending, so transient drops survive; only
// the grace timer can turn prolonged absence into Failed.
func (l *Lifecycle) HandleDisconnected(identity domain.Identity) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	if _, ok := l.present[identity]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.present, identity)

	var changes []StatusChange
	if l.state == domain.StateActive && !l.allRequiredPresent() {
		changes = append(changes, l.setState(domain.StateWaiting, "participant disconnected"))
	}
	if l.state == domain.StateWaiting && len(l.present) == 0 {
		l.stopTimer(&l.graceTimer)
		l.graceTimer = l.clock.AfterFunc(l.cfg.GraceWindow, l.graceExpired)
	}
	l.mu.Unlock()
	l.emit(changes)
}

// End terminates the consultation gracefully: an explicit end from the doctor
// or a completion signal from the scheduling collaborator. Other roles cannot
// end a visit; their request is a no-op.
func (l *Lifecycle) End(by domain.Role, external bool) {
	if !external && by != domain.RoleDoctor {
		log.Warn().Str("module", "app.lifecycle").
			Str("consultation", string(l.consultation.ID)).
			Str("role", string(by)).
			Msg("end request from unauthorized role ignored")
		return
	}
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.stopTimer(&l.noShowTimer)
	l.stopTimer(&l.graceTimer)
	ch := l.setState(domain.StateEnded, "consultation ended")
	l.mu.Unlock()
	l.emit([]StatusChange{ch})
}

// Stop cancels outstanding timers without a transition. Used on eviction and
// server shutdown.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimer(&l.noShowTimer)
	l.stopTimer(&l.graceTimer)
}

// noShowExpired fires when the required roles never assembled by the
// deadline. A lone waiter does not keep the consultation alive; their handle
// is closed by the terminal cleanup.
func (l *Lifecycle) noShowExpired() {
	l.mu.Lock()
	if l.state != domain.StateScheduled && l.state != domain.StateWaiting {
		l.mu.Unlock()
		return
	}
	l.stopTimer(&l.graceTimer)
	ch := l.setState(domain.StateFailed, "no-show timeout")
	l.mu.Unlock()
	l.emit([]StatusChange{ch})
}

func (l *Lifecycle) graceExpired() {
	l.mu.Lock()
	if l.state != domain.StateWaiting || len(l.present) > 0 {
		l.mu.Unlock()
		return
	}
	l.stopTimer(&l.noShowTimer)
	ch := l.setState(domain.StateFailed, "grace window expired")
	l.mu.Unlock()
	l.emit([]StatusChange{ch})
}

// setState is called with l.mu held.
func (l *Lifecycle) setState(to domain.State, why string) StatusChange {
	from := l.state
	l.state = to
	l.lastTransition = l.clock.Now()
	log.Info().Str("module", "app.lifecycle").
		Str("consultation", string(l.consultation.ID)).
		Str("from", string(from)).Str("to", string(to)).
		Str("reason", why).
		Msg("state transition")
	return StatusChange{
		ConsultationID: l.consultation.ID,
		From:           from,
		To:             to,
		At:             l.lastTransition,
	}
}

func (l *Lifecycle) allRequiredPresent() bool {
	byRole := map[domain.Role]bool{}
	for _, role := range l.present {
		byRole[role] = true
	}
	for _, role := range l.consultation.RequiredRoles() {
		if !byRole[role] {
			return false
		}
	}
	return true
}

func (l *Lifecycle) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (l *Lifecycle) emit(changes []StatusChange) {
	if l.onChange == nil {
		return
	}
	for _, ch := range changes {
		l.onChange(ch)
	}
}
