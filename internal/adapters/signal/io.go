package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump is the one task pumping this connection's inbound frames into the
// relay. Its exit is the single disconnect notification for the handle.
func (ctl *Controller) readPump(ctx context.Context, cid domain.ConsultationID, identity domain.Identity, c *wsConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "signal").
			Str("consultation", string(cid)).Str("identity", string(identity)).
			Msg("readPump closing")
		ctl.Coord.Disconnect(cid, identity, c)
		c.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").
						Str("consultation", string(cid)).Str("identity", string(identity)).
						Msg("readPump read error")
				}
				return
			}
			ctl.Coord.Inbound(cid, identity, c, core.Frame(data))
		}
	}
}
