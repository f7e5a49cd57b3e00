package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
)

// push queues one frame for the client and applies the slow consumer policy.
func (b *Base) push(sess *core.Session, f core.Frame, binary bool) {
	var err error
	if binary {
		err = sess.Conn().TrySendBinary(f)
	} else {
		err = sess.Conn().TrySend(f)
	}
	if err == nil {
		return
	}
	switch b.Policy.OnBackPressure(sess, err) {
	case app.KickMember:
		log.Warn().Err(err).Str("module", "signal").Str("handle", string(sess.Handle())).Msg("kicking slow consumer")
		if !b.Registry.Cancel(sess.Handle()) {
			sess.Conn().Close()
		}
	case app.DropFrame:
		log.Debug().Str("module", "signal").Str("handle", string(sess.Handle())).Msg("frame dropped")
	default:
		log.Debug().Err(err).Str("module", "signal").Str("handle", string(sess.Handle())).Msg("frame not queued")
	}
}

func (b *Base) sendJSON(sess *core.Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	b.push(sess, data, false)
}
