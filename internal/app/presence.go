package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

type presenceKey struct {
	cid      domain.ConsultationID
	identity domain.Identity
}

type presenceEntry struct {
	conn   core.SignalConnection
	cancel context.CancelFunc
}

// Registry is the presence tracker: at most one live connection per identity
// per consultation. A second bind displaces the prior connection, never
// coexists with it.
type Registry struct {
	mu      sync.Mutex
	entries map[presenceKey]*presenceEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[presenceKey]*presenceEntry)}
}

// Bind registers the connection and returns the displaced one, if any.
// The old handle is notified and closed asynchronously so a duplicate join
// never blocks on its predecessor's transport.
func (r *Registry) Bind(cid domain.ConsultationID, identity domain.Identity, conn core.SignalConnection, cancel context.CancelFunc) (replaced bool) {
	key := presenceKey{cid: cid, identity: identity}
	r.mu.Lock()
	old := r.entries[key]
	r.entries[key] = &presenceEntry{conn: conn, cancel: cancel}
	r.mu.Unlock()

	if old == nil {
		return false
	}
	log.Info().Str("module", "app.presence").
		Str("consultation", string(cid)).Str("identity", string(identity)).
		Msg("duplicate join, displacing previous connection")
	go func() {
		old.conn.CloseWithReason(core.CloseReplaced)
		if old.cancel != nil {
			old.cancel()
		}
	}()
	return true
}

// Unbind clears the entry only when conn is still the current one, so a
// displaced connection's late disconnect cannot knock out its replacement.
func (r *Registry) Unbind(cid domain.ConsultationID, identity domain.Identity, conn core.SignalConnection) bool {
	key := presenceKey{cid: cid, identity: identity}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, key)
	return true
}

// Lookup returns the live connection for an identity, if any.
func (r *Registry) Lookup(cid domain.ConsultationID, identity domain.Identity) (core.SignalConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[presenceKey{cid: cid, identity: identity}]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// DropAll closes every connection bound to the consultation with the given
// reason and removes the entries. Used on terminal states and shutdown.
func (r *Registry) DropAll(cid domain.ConsultationID, reason core.CloseReason) {
	r.mu.Lock()
	dropped := make([]*presenceEntry, 0, 2)
	for key, e := range r.entries {
		if key.cid != cid {
			continue
		}
		dropped = append(dropped, e)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for _, e := range dropped {
		e.conn.CloseWithReason(reason)
		if e.cancel != nil {
			e.cancel()
		}
	}
}
