package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/domain"
)

// StatusChange is published on every lifecycle transition. Recording and
// notification systems subscribe to it.
type StatusChange struct {
	ConsultationID domain.ConsultationID `json:"consultationId"`
	From           domain.State          `json:"from"`
	To             domain.State          `json:"to"`
	At             time.Time             `json:"at"`
}

// StatusBroadcaster fans StatusChange events out to subscribers.
// Delivery is best-effort: a subscriber that stops draining loses events
// rather than stalling lifecycle transitions.
type StatusBroadcaster struct {
	mu   sync.Mutex
	subs map[int]chan StatusChange
	next int
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{subs: make(map[int]chan StatusChange)}
}

// Subscribe returns an event channel and a cancel func. The cancel func is
// safe to call more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan StatusChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan StatusChange, 16)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *StatusBroadcaster) Publish(ev StatusChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "app.events").
				Str("consultation", string(ev.ConsultationID)).
				Msg("status subscriber not draining, event dropped")
		}
	}
}
