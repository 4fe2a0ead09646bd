package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/adapters/ice"
	"github.com/curago/telemed/internal/app"
	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// Controller owns the WebSocket edge: upgrade, admission via the session
// coordinator, and the read/write pumps of each connection.
type Controller struct {
	Coord     *app.Coordinator
	ICE       *ice.Provider
	ReadLimit int64
	SendQueue int
	WriteWait time.Duration
}

func NewController(coord *app.Coordinator, iceProv *ice.Provider, readLimit int64, sendQueue int, writeWait time.Duration) *Controller {
	return &Controller{
		Coord:     coord,
		ICE:       iceProv,
		ReadLimit: readLimit,
		SendQueue: sendQueue,
		WriteWait: writeWait,
	}
}

// wsConn implements core.SignalConnection over one gorilla websocket.
type wsConn struct {
	conn      *websocket.Conn
	send      chan core.Frame
	writeWait time.Duration

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Application close codes in the 4000 range, one per reason.
var closeCodes = map[core.CloseReason]int{
	core.CloseEnded:          4000,
	core.CloseUnauthorized:   4001,
	core.CloseNotFound:       4002,
	core.CloseNotEligible:    4003,
	core.CloseRoomFull:       4004,
	core.CloseReplaced:       4005,
	core.CloseFailed:         4006,
	core.CloseServerShutdown: 4007,
}

// CloseWithReason sends a close frame carrying the reason code, then closes.
// Clients render the reason; the displaced-session code in particular is
// informational, not an error.
func (c *wsConn) CloseWithReason(reason core.CloseReason) {
	code, ok := closeCodes[reason]
	if !ok {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(c.writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, string(reason)), deadline)
	c.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal admits one client: /ws/consultations/:id?token=...
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	cid := domain.ConsultationID(c.Param("id"))
	token := bearerToken(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn:      ws,
		send:      make(chan core.Frame, ctl.SendQueue),
		writeWait: ctl.WriteWait,
	}

	connCtx, cancel := context.WithCancel(ctx)
	ack, reason := ctl.Coord.Connect(connCtx, cid, token, conn, cancel)
	if reason != "" {
		log.Info().Str("module", "signal").
			Str("consultation", string(cid)).Str("reason", string(reason)).
			Msg("connection rejected")
		conn.CloseWithReason(reason)
		cancel()
		return
	}

	ctl.sendRoomState(conn, ack)

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, cid, ack.Identity, conn, cancel)
}

// roomStatePayload is the join acknowledgement: current lifecycle state,
// membership, and the ICE endpoints the client needs to negotiate media.
type roomStatePayload struct {
	Event      string             `json:"event"`
	State      domain.State       `json:"state"`
	Identity   domain.Identity    `json:"identity"`
	Role       domain.Role        `json:"role"`
	Members    []core.MemberDTO   `json:"members"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (ctl *Controller) sendRoomState(conn *wsConn, ack *app.JoinAck) {
	payload := roomStatePayload{
		Event:    "room-state",
		State:    ack.State,
		Identity: ack.Identity,
		Role:     ack.Role,
		Members:  ack.Members,
	}
	if ctl.ICE != nil {
		payload.ICEServers = ctl.ICE.Servers()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("room state marshal")
		return
	}
	env := domain.Envelope{
		Kind:    domain.KindPresenceUpdate,
		Payload: raw,
		SentAt:  time.Now(),
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return
	}
	_ = conn.TrySend(data)
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}
