// Package signal serves the meets and rooms WebSocket flows.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
)

type outFrame struct {
	binary bool
	data   core.Frame
}

// WsSignalConn implements core.SignalConnection over a gorilla websocket.
// Only writePump writes to the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan outFrame

	mu     sync.RWMutex
	closed bool
}

func NewWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	if buffer <= 0 {
		buffer = 32
	}
	return &WsSignalConn{conn: ws, send: make(chan outFrame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	return c.trySend(outFrame{data: f})
}

func (c *WsSignalConn) TrySendBinary(f core.Frame) error {
	return c.trySend(outFrame{binary: true, data: f})
}

func (c *WsSignalConn) trySend(f outFrame) error {
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

// Close stops accepting frames. writePump flushes what is queued and closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Limits bound one connection.
type Limits struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (l Limits) withDefaults() Limits {
	if l.PingPeriod <= 0 {
		l.PingPeriod = 54 * time.Second
	}
	if l.WriteWait <= 0 {
		l.WriteWait = 10 * time.Second
	}
	return l
}

// pongWait is the read deadline; pings go out every nine tenths of it.
func (l Limits) pongWait() time.Duration {
	return l.PingPeriod * 10 / 9
}

// Base is what both flows share.
type Base struct {
	Registry *app.Registry
	Fabric   core.Fabric
	Policy   app.Policy
	Auth     *AuthGate
	Limits   Limits
}

// flowHandler is one WebSocket flow driven by serve.
type flowHandler interface {
	Flow() app.Flow
	Deliver(sess *core.Session, env core.Envelope)
	HandleText(ctx context.Context, sess *core.Session, data []byte) bool
	HandleBinary(ctx context.Context, sess *core.Session, data []byte) bool
	Disconnect(ctx context.Context, sess *core.Session)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serve upgrades the request and runs the connection until either side ends it.
// connect runs after the session is reachable on the fabric.
func (b *Base) serve(ctx context.Context, c *gin.Context, fl flowHandler, connect func(context.Context, *core.Session) bool) {
	client := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("client", client).Msg("ws upgrade")
		return
	}

	conn := NewWsSignalConn(ws, b.Limits.SendBuffer)
	sess := core.NewSession(core.Handle(uuid.NewString()), conn)
	h := sess.Handle()
	ctx, cancel := context.WithCancel(ctx)
	b.Registry.Bind(fl.Flow(), sess, cancel)

	detach, err := b.Fabric.Attach(h, func(env core.Envelope) { fl.Deliver(sess, env) })
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("handle", string(h)).Msg("fabric attach")
		b.Registry.Unbind(h)
		cancel()
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "signal").Str("handle", string(h)).Str("client", client).Str("flow", string(fl.Flow())).Msg("new WS connection")

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		b.writePump(ctx, conn)
	}()

	go func() {
		if connect(ctx, sess) {
			b.readPump(ctx, h, conn, fl, sess)
		}
		fl.Disconnect(context.WithoutCancel(ctx), sess)
		detach()
		b.Registry.Unbind(h)
		conn.Close()
		<-writeDone
		cancel()
		log.Info().Str("module", "signal").Str("handle", string(h)).Msg("connection finished")
	}()
}
