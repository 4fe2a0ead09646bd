package app

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// LifecycleNotifier receives control and presence envelopes so lifecycle-
// relevant control messages (e.g. the doctor ending the call) can trigger a
// transition. The relay itself holds no lifecycle logic.
type LifecycleNotifier interface {
	OnSignal(cid domain.ConsultationID, env *domain.Envelope)
}

// Relay interprets inbound envelopes and routes them through the room
// registry. Pure routing: payloads are never inspected beyond the envelope.
type Relay struct {
	rooms    core.RoomManager
	chat     core.ChatStore
	notifier LifecycleNotifier
	validate *validator.Validate
	clock    Clock
}

func NewRelay(rooms core.RoomManager, chat core.ChatStore, notifier LifecycleNotifier, clock Clock) *Relay {
	return &Relay{
		rooms:    rooms,
		chat:     chat,
		notifier: notifier,
		validate: validator.New(),
		clock:    clock,
	}
}

// HandleInbound dispatches one raw frame from a connected participant.
// Malformed input is reported to the sender only; the connection stays open
// and the rest of the room is never affected.
func (r *Relay) HandleInbound(cid domain.ConsultationID, sender domain.Identity, conn core.SignalConnection, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Str("sender", string(sender)).
			Msg("bad envelope json")
		r.sendInvalid(conn, "malformed envelope")
		return
	}
	if err := r.validate.Struct(&env); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Str("sender", string(sender)).
			Str("kind", string(env.Kind)).
			Msg("invalid envelope")
		r.sendInvalid(conn, "unknown or missing kind")
		return
	}

	// Sender is server-authoritative; whatever the client claimed is
	// overwritten before fan-out.
	env.Sender = sender
	if env.SentAt.IsZero() {
		env.SentAt = r.clock.Now()
	}

	room, ok := r.rooms.Get(cid)
	if !ok {
		log.Warn().Str("module", "app.relay").
			Str("consultation", string(cid)).
			Msg("frame for unknown room dropped")
		return
	}

	data, err := json.Marshal(&env)
	if err != nil {
		r.sendInvalid(conn, "unencodable envelope")
		return
	}

	switch env.Kind {
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		r.route(room, &env, data)
	case domain.KindChat:
		room.Broadcast(sender, data)
		r.persistChat(cid, data)
	case domain.KindPresenceUpdate, domain.KindControl:
		room.Broadcast(sender, data)
		if r.notifier != nil {
			r.notifier.OnSignal(cid, &env)
		}
	default:
		// Unreachable past validation; kept so the kind switch stays total.
		r.sendInvalid(conn, "unknown kind")
	}
}

func (r *Relay) route(room core.RoomService, env *domain.Envelope, data core.Frame) {
	if env.Targeted() {
		room.SendTo(env.Recipient, data)
		return
	}
	room.Broadcast(env.Sender, data)
}

// persistChat hands the frame to the persistence collaborator without ever
// blocking or failing the relay path.
func (r *Relay) persistChat(cid domain.ConsultationID, data []byte) {
	if r.chat == nil {
		return
	}
	go func() {
		if err := r.chat.Append(context.Background(), cid, data); err != nil {
			log.Error().Err(err).Str("module", "app.relay").
				Str("consultation", string(cid)).
				Msg("chat persistence failed")
		}
	}()
}

func (r *Relay) sendInvalid(conn core.SignalConnection, reason string) {
	env := domain.NewInvalidMessage(reason, r.clock.Now())
	data, err := json.Marshal(&env)
	if err != nil {
		return
	}
	_ = conn.TrySend(data)
}
