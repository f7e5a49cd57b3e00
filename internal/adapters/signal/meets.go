package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/matching"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const waitingMessage = "Looking for a partner…"

type welcomeFrame struct {
	Type       string             `json:"type"`
	UserID     domain.UserID      `json:"userId"`
	Username   string             `json:"username"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type matchedFrame struct {
	Type        string        `json:"type"`
	Role        core.Role     `json:"role"`
	PartnerID   domain.UserID `json:"partnerId"`
	PartnerName string        `json:"partnerName"`
}

type countFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type waitingFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type typeFrame struct {
	Type string `json:"type"`
}

// setPartner is the body of a core.KindSetPartner envelope.
type setPartner struct {
	PartnerID     domain.UserID `json:"partner_id"`
	PartnerName   string        `json:"partner_name"`
	PartnerHandle core.Handle   `json:"partner_handle"`
}

// MeetsController runs random 1:1 matching and relays signaling between partners.
type MeetsController struct {
	*Base
	Engine  *matching.Engine
	Limiter *RateLimiter
	ICE     []webrtc.ICEServer

	router *Router
}

func NewMeetsController(base *Base, engine *matching.Engine, limiter *RateLimiter, ice []webrtc.ICEServer) *MeetsController {
	ctl := &MeetsController{Base: base, Engine: engine, Limiter: limiter, ICE: ice}
	r := NewRouter("signal.meets", meetsErrorFrame, ctl.sendJSON)
	r.AuthRequired = "Auth required"
	r.PreAuth("auth", ctl.handleAuth)
	r.PreAuth("auth_guest", ctl.handleGuest)
	r.PostAuth("find_match", ctl.handleFindMatch)
	r.PostAuth("cancel_search", ctl.handleCancelSearch)
	r.PostAuth("offer", ctl.handleRelay)
	r.PostAuth("answer", ctl.handleRelay)
	r.PostAuth("ice_candidate", ctl.handleRelay)
	r.PostAuth("media_state", ctl.handleRelay)
	r.PostAuth("endcall", ctl.handleEndCall)
	ctl.router = r
	return ctl
}

func meetsErrorFrame(perr *ProtocolError) any {
	if perr.Auth {
		return authErrorFrame{Type: "auth_error", Error: perr.Message}
	}
	return errorFrame{Type: "error", Message: perr.Message}
}

func (ctl *MeetsController) Flow() app.Flow { return app.FlowMeets }

func (ctl *MeetsController) HandleSignal(ctx context.Context, c *gin.Context) {
	ctl.serve(ctx, c, ctl, func(context.Context, *core.Session) bool { return true })
}

func (ctl *MeetsController) HandleText(ctx context.Context, sess *core.Session, data []byte) bool {
	return ctl.router.Dispatch(ctx, sess, data)
}

// HandleBinary ignores binary frames; the meets flow is text only.
func (ctl *MeetsController) HandleBinary(_ context.Context, sess *core.Session, _ []byte) bool {
	log.Debug().Str("module", "signal.meets").Str("handle", string(sess.Handle())).Msg("binary frame ignored")
	return false
}

// Deliver handles envelopes addressed to sess. Internal envelopes are consumed
// here and never reach the client.
func (ctl *MeetsController) Deliver(sess *core.Session, env core.Envelope) {
	if env.Internal() {
		ctl.applyControl(sess, env)
		return
	}
	switch env.Kind {
	case core.KindDirect:
		if env.Type == "endcall" || env.Type == "partner_disconnected" {
			sess.ClearPartnerIf(env.Sender)
		}
		ctl.push(sess, core.Frame(env.Body), false)
	default:
		log.Debug().Str("module", "signal.meets").Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

func (ctl *MeetsController) applyControl(sess *core.Session, env core.Envelope) {
	if env.Kind != core.KindSetPartner {
		log.Debug().Str("module", "signal.meets").Str("kind", string(env.Kind)).Msg("control ignored")
		return
	}
	var sp setPartner
	if err := json.Unmarshal(env.Body, &sp); err != nil {
		log.Error().Err(err).Str("module", "signal.meets").Msg("bad set_partner")
		return
	}
	sess.SetPartner(core.PartnerLink{ID: sp.PartnerID, Name: sp.PartnerName, Handle: sp.PartnerHandle}, core.RoleOfferer)
}

func (ctl *MeetsController) handleAuth(ctx context.Context, sess *core.Session, msg Inbound) error {
	u, err := ctl.Auth.Resolve(ctx, msg.String("token"))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal.meets").Str("handle", string(sess.Handle())).Msg("auth failed")
		return authError("Invalid token")
	}
	return ctl.finishAuth(ctx, sess, u)
}

func (ctl *MeetsController) handleGuest(ctx context.Context, sess *core.Session, msg Inbound) error {
	u := domain.NewGuest(ctl.Engine.GuestID(), msg.String("name"))
	return ctl.finishAuth(ctx, sess, u)
}

func (ctl *MeetsController) finishAuth(ctx context.Context, sess *core.Session, u *domain.User) error {
	if err := sess.Authenticate(u); err != nil {
		return err
	}
	online := ctl.Engine.Register(u.ID, sess.Handle())
	ctl.sendJSON(sess, welcomeFrame{Type: "welcome", UserID: u.ID, Username: u.Username, ICEServers: ctl.ICE})
	ctl.broadcastCount(ctx, online)
	log.Info().Str("module", "signal.meets").Str("handle", string(sess.Handle())).Str("user", u.ID.String()).Bool("guest", u.Guest).Msg("authenticated")
	return nil
}

// broadcastCount sends the online count to every online handle, this one included.
func (ctl *MeetsController) broadcastCount(ctx context.Context, online []core.Handle) {
	env, err := core.DirectEnvelope("", "online_count", countFrame{Type: "online_count", Count: len(online)})
	if err != nil {
		log.Error().Err(err).Str("module", "signal.meets").Msg("marshal online_count")
		return
	}
	for _, h := range online {
		if err := ctl.Fabric.Send(ctx, h, env); err != nil && !errors.Is(err, core.ErrUnknownHandle) {
			log.Warn().Err(err).Str("module", "signal.meets").Str("to", string(h)).Msg("online_count send")
		}
	}
}

func (ctl *MeetsController) handleFindMatch(ctx context.Context, sess *core.Session, _ Inbound) error {
	if !ctl.Limiter.Allow(sess.Handle()) {
		return &ProtocolError{Message: msgRateLimited}
	}
	u := sess.User()
	out := ctl.Engine.FindMatch(matching.Waiter{ID: u.ID, Handle: sess.Handle(), Name: u.Username})

	switch out.Status {
	case matching.StatusQueued:
		ctl.sendJSON(sess, waitingFrame{Type: "waiting", Message: waitingMessage})
	case matching.StatusMatched:
		w := out.Partner
		ctl.sendTo(ctx, sess.Handle(), w.Handle, "matched", matchedFrame{Type: "matched", Role: core.RoleOfferer, PartnerID: u.ID, PartnerName: u.Username})
		ctl.sendJSON(sess, matchedFrame{Type: "matched", Role: core.RoleAnswerer, PartnerID: w.ID, PartnerName: w.Name})
		sess.SetPartner(core.PartnerLink{ID: w.ID, Name: w.Name, Handle: w.Handle}, core.RoleAnswerer)

		body, err := json.Marshal(setPartner{PartnerID: u.ID, PartnerName: u.Username, PartnerHandle: sess.Handle()})
		if err != nil {
			return err
		}
		if err := ctl.Fabric.Send(ctx, w.Handle, core.Envelope{Kind: core.KindSetPartner, Sender: sess.Handle(), Body: body}); err != nil {
			log.Warn().Err(err).Str("module", "signal.meets").Str("to", string(w.Handle)).Msg("set_partner send")
		}
	case matching.StatusOffline:
		log.Warn().Str("module", "signal.meets").Str("handle", string(sess.Handle())).Msg("find_match from a replaced session")
	default:
		log.Debug().Str("module", "signal.meets").Str("handle", string(sess.Handle())).Int("status", int(out.Status)).Msg("find_match no-op")
	}
	return nil
}

func (ctl *MeetsController) handleCancelSearch(_ context.Context, sess *core.Session, _ Inbound) error {
	ctl.Engine.Cancel(sess.User().ID, sess.Handle())
	ctl.sendJSON(sess, typeFrame{Type: "search_cancelled"})
	return nil
}

// Disconnect releases everything the session held and notifies the others.
func (ctl *MeetsController) Disconnect(ctx context.Context, sess *core.Session) {
	defer ctl.Limiter.Forget(sess.Handle())
	u := sess.User()
	if u == nil {
		return
	}
	d := ctl.Engine.Disconnect(u.ID, sess.Handle())
	if d.Paired {
		ctl.sendTo(ctx, sess.Handle(), d.Partner.PartnerHandle, "partner_disconnected", typeFrame{Type: "partner_disconnected"})
	}
	sess.ClearPartner()
	ctl.broadcastCount(ctx, d.Online)
}

func (ctl *MeetsController) sendTo(ctx context.Context, from, to core.Handle, typ string, v any) {
	env, err := core.DirectEnvelope(from, typ, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.meets").Msg("marshal direct")
		return
	}
	if err := ctl.Fabric.Send(ctx, to, env); err != nil {
		log.Warn().Err(err).Str("module", "signal.meets").Str("to", string(to)).Str("type", typ).Msg("direct send")
	}
}
