package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

// handleRelay forwards offer, answer, ice_candidate and media_state frames to
// the partner unchanged apart from the normalized type and an added `from`.
// Without a partner the frame is dropped.
func (ctl *MeetsController) handleRelay(ctx context.Context, sess *core.Session, msg Inbound) error {
	u := sess.User()
	link, ok := ctl.Engine.Partner(u.ID, sess.Handle())
	if !ok {
		log.Debug().Str("module", "signal.meets").Str("handle", string(sess.Handle())).Str("type", msg.Type).Msg("relay without partner dropped")
		return nil
	}
	ctl.sendTo(ctx, sess.Handle(), link.PartnerHandle, msg.Type, msg.Forward(map[string]any{"from": u.ID}))
	return nil
}

// handleEndCall tears the pair down on both sides. Repeating it is harmless.
func (ctl *MeetsController) handleEndCall(ctx context.Context, sess *core.Session, _ Inbound) error {
	u := sess.User()
	if link, ok := ctl.Engine.EndCall(u.ID, sess.Handle()); ok {
		ctl.sendTo(ctx, sess.Handle(), link.PartnerHandle, "endcall", map[string]any{"type": "endcall", "from": u.ID})
		log.Info().Str("module", "signal.meets").Str("user", u.ID.String()).Str("partner", link.PartnerID.String()).Msg("call ended")
	}
	sess.ClearPartner()
	return nil
}
