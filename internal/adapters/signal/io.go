package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

func (b *Base) writePump(ctx context.Context, c *WsSignalConn) {
	lim := b.Limits.withDefaults()
	ticker := time.NewTicker(lim.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case f, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(lim.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(mt, f.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(lim.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump is the only reader of the socket, so frames of one connection are
// handled serially.
func (b *Base) readPump(ctx context.Context, h core.Handle, c *WsSignalConn, fl flowHandler, sess *core.Session) {
	defer func() {
		log.Info().Str("module", "signal").Str("handle", string(h)).Msg("readPump closing")
	}()

	lim := b.Limits.withDefaults()
	if lim.ReadLimit > 0 {
		c.conn.SetReadLimit(lim.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(lim.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(lim.pongWait()))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("handle", string(h)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		var done bool
		switch mt {
		case websocket.TextMessage:
			done = fl.HandleText(ctx, sess, data)
		case websocket.BinaryMessage:
			done = fl.HandleBinary(ctx, sess, data)
		}
		if done {
			return
		}
	}
}
