package signal

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

type HandlerFunc func(ctx context.Context, sess *core.Session, msg Inbound) error

// Router is a closed dispatch table per auth stage. Unknown types before
// auth fail the handshake; after auth they go to Fallback, or are ignored.
type Router struct {
	module   string
	preAuth  map[string]HandlerFunc
	postAuth map[string]HandlerFunc
	// Fallback handles unknown post-auth types when set.
	Fallback HandlerFunc
	// AuthRequired is the handshake error for anything but an auth message.
	AuthRequired string
	frame        func(*ProtocolError) any
	send         func(*core.Session, any)
}

func NewRouter(module string, frame func(*ProtocolError) any, send func(*core.Session, any)) *Router {
	return &Router{
		module:       module,
		preAuth:      make(map[string]HandlerFunc),
		postAuth:     make(map[string]HandlerFunc),
		AuthRequired: "Authentication required",
		frame:        frame,
		send:         send,
	}
}

func (r *Router) PreAuth(typ string, h HandlerFunc)  { r.preAuth[typ] = h }
func (r *Router) PostAuth(typ string, h HandlerFunc) { r.postAuth[typ] = h }

// Dispatch runs one text frame and reports whether the connection must close.
// The auth stage is taken before the handler runs, so a panic in the middle of
// the handshake still closes the connection.
func (r *Router) Dispatch(ctx context.Context, sess *core.Session, data []byte) (closeConn bool) {
	authed := sess.Authenticated()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", r.module).Str("handle", string(sess.Handle())).
				Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("handler panic")
			closeConn = r.fail(sess, &ProtocolError{Message: msgInternalError, Close: !authed})
		}
	}()

	msg, err := ParseInbound(data)
	if err != nil {
		log.Warn().Err(err).Str("module", r.module).Str("handle", string(sess.Handle())).Msg("bad json")
		return r.fail(sess, &ProtocolError{Message: msgInvalidJSON})
	}

	table := r.preAuth
	if authed {
		table = r.postAuth
	}
	h, ok := table[msg.Type]
	switch {
	case ok:
	case !authed:
		log.Warn().Str("module", r.module).Str("handle", string(sess.Handle())).Str("type", msg.Type).Msg("message before auth")
		return r.fail(sess, authError(r.AuthRequired))
	case r.Fallback != nil:
		h = r.Fallback
	default:
		log.Debug().Str("module", r.module).Str("type", msg.Type).Msg("unknown signal ignored")
		return false
	}

	if err := h(ctx, sess, msg); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return r.fail(sess, perr)
		}
		log.Error().Err(err).Str("module", r.module).Str("handle", string(sess.Handle())).Str("type", msg.Type).Msg("handler failed")
		return r.fail(sess, &ProtocolError{Message: msgInternalError, Close: !authed})
	}
	return false
}

func (r *Router) fail(sess *core.Session, perr *ProtocolError) bool {
	r.send(sess, r.frame(perr))
	if perr.Close {
		sess.Conn().Close()
	}
	return perr.Close
}
