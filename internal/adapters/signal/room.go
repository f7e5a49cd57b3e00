package signal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/rooms"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const msgCheckpointRestricted = "Checkpoint usage is restricted to signed-in users."

type authSuccessFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type userListFrame struct {
	Type    string   `json:"type"`
	List    []string `json:"list"`
	NewUser string   `json:"new_user"`
}

type copyFrame struct {
	Type     string          `json:"type"`
	CopyText json.RawMessage `json:"copy_text"`
	FileData json.RawMessage `json:"file_data"`
	FileName *string         `json:"file_name"`
	FUser    string          `json:"f_user"`
}

type progressFrame struct {
	Type string `json:"type"`
	Sent string `json:"sent"`
}

type genericFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomsController serves named rooms: presence, copy and generic relay, binary relay.
type RoomsController struct {
	*Base
	Engine *rooms.Engine

	router *Router
}

func NewRoomsController(base *Base, engine *rooms.Engine) *RoomsController {
	ctl := &RoomsController{Base: base, Engine: engine}
	r := NewRouter("signal.rooms", roomsErrorFrame, ctl.sendJSON)
	r.PreAuth("auth", ctl.handleAuth)
	r.PostAuth("auth", ignore)
	r.PostAuth("auth_guest", ignore)
	r.PostAuth("copy", ctl.handleCopy)
	r.PostAuth("file-meta", ctl.handleFileMeta)
	r.PostAuth("resume-request", ctl.handleResume)
	r.PostAuth("resume-info", ctl.handleResume)
	r.Fallback = ctl.handleGeneric
	ctl.router = r
	return ctl
}

func ignore(context.Context, *core.Session, Inbound) error { return nil }

func roomsErrorFrame(perr *ProtocolError) any {
	return errorFrame{Type: "error", Message: perr.Message}
}

func (ctl *RoomsController) Flow() app.Flow { return app.FlowRooms }

func (ctl *RoomsController) HandleSignal(ctx context.Context, c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	guest := c.Query("guest")
	ctl.serve(ctx, c, ctl, func(ctx context.Context, sess *core.Session) bool {
		return ctl.Connect(ctx, sess, room, guest)
	})
}

// Connect places sess in the room. A non-empty guest name authenticates and
// joins right away. It reports whether the connection stays open.
func (ctl *RoomsController) Connect(ctx context.Context, sess *core.Session, room domain.RoomID, guest string) bool {
	sess.SetRoom(room)
	ctl.Engine.Enter(room)
	if guest == "" {
		log.Info().Str("module", "signal.rooms").Str("handle", string(sess.Handle())).Str("room", string(room)).Msg("pending auth")
		return true
	}
	u, err := domain.NewRoomGuest(guest)
	if err != nil {
		ctl.router.fail(sess, authError(err.Error()))
		return false
	}
	if err := sess.Authenticate(u); err != nil {
		return false
	}
	if err := ctl.join(ctx, sess, u); err != nil {
		ctl.router.fail(sess, err)
		return false
	}
	return true
}

func (ctl *RoomsController) join(ctx context.Context, sess *core.Session, u *domain.User) *ProtocolError {
	m, err := ctl.Engine.Join(ctx, sess.Room(), sess.Handle(), u.Username)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.rooms").Str("handle", string(sess.Handle())).Msg("join failed")
		return &ProtocolError{Message: msgInternalError, Close: true}
	}
	sess.MarkJoined(m)
	return nil
}

func (ctl *RoomsController) HandleText(ctx context.Context, sess *core.Session, data []byte) bool {
	return ctl.router.Dispatch(ctx, sess, data)
}

// HandleBinary relays file chunks. Before auth they end the connection.
func (ctl *RoomsController) HandleBinary(ctx context.Context, sess *core.Session, data []byte) bool {
	if !sess.Authenticated() {
		return ctl.router.fail(sess, authError("Authentication required"))
	}
	if err := ctl.Engine.RelayBinary(ctx, sess.Room(), sess.Handle(), data); err != nil {
		log.Warn().Err(err).Str("module", "signal.rooms").Str("handle", string(sess.Handle())).Msg("binary relay")
	}
	return false
}

func (ctl *RoomsController) handleAuth(ctx context.Context, sess *core.Session, msg Inbound) error {
	u, err := ctl.Auth.Resolve(ctx, msg.String("token"))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal.rooms").Str("handle", string(sess.Handle())).Msg("auth failed")
		return authError("Authentication failed")
	}
	if err := sess.Authenticate(u); err != nil {
		return err
	}
	if perr := ctl.join(ctx, sess, u); perr != nil {
		return perr
	}
	ctl.sendJSON(sess, authSuccessFrame{Type: "auth_success", User: u.Username})
	return nil
}

func (ctl *RoomsController) member(sess *core.Session) domain.Member {
	if m, ok := sess.Joined(); ok {
		return m
	}
	return domain.NewMember(string(sess.Handle()), sess.User().Username)
}

func (ctl *RoomsController) handleCopy(ctx context.Context, sess *core.Session, msg Inbound) error {
	ev := rooms.CopyEvent{
		CopyText: msg.FirstTruthy("copy", "payload"),
		FileData: msg.Field("file"),
		From:     ctl.member(sess).Internal,
	}
	if name := msg.String("file_name"); name != "" {
		ev.FileName = &name
	}
	if err := ctl.Engine.Copy(ctx, sess.Room(), sess.Handle(), ev); err != nil {
		return err
	}
	if ev.HasFile() {
		ctl.sendJSON(sess, progressFrame{Type: "progress", Sent: "done"})
	}
	return nil
}

func (ctl *RoomsController) handleFileMeta(ctx context.Context, sess *core.Session, msg Inbound) error {
	if sess.User().Guest {
		var meta struct {
			Resumed bool `json:"resumed"`
		}
		if json.Unmarshal(msg.Field("payload"), &meta) == nil && meta.Resumed {
			return &ProtocolError{Message: msgCheckpointRestricted}
		}
	}
	return ctl.handleGeneric(ctx, sess, msg)
}

func (ctl *RoomsController) handleResume(ctx context.Context, sess *core.Session, msg Inbound) error {
	if sess.User().Guest {
		return &ProtocolError{Message: msgCheckpointRestricted}
	}
	return ctl.handleGeneric(ctx, sess, msg)
}

func (ctl *RoomsController) handleGeneric(ctx context.Context, sess *core.Session, msg Inbound) error {
	return ctl.Engine.Relay(ctx, sess.Room(), sess.Handle(), msg.Type, msg.FirstTruthy("payload", "disa"))
}

// Deliver writes room events to the client, skipping its own except presence.
// Internal names are stripped here and nowhere else.
func (ctl *RoomsController) Deliver(sess *core.Session, env core.Envelope) {
	if env.Internal() {
		return
	}
	if env.Kind != core.KindUserList && env.Sender == sess.Handle() {
		return
	}
	switch env.Kind {
	case core.KindUserList:
		var ul rooms.UserList
		if err := json.Unmarshal(env.Body, &ul); err != nil {
			log.Error().Err(err).Str("module", "signal.rooms").Msg("bad user list")
			return
		}
		ctl.sendJSON(sess, userListFrame{Type: "user_list_update", List: domain.PublicNames(ul.List), NewUser: domain.PublicName(ul.NewUser)})
	case core.KindCopy:
		var ev rooms.CopyEvent
		if err := json.Unmarshal(env.Body, &ev); err != nil {
			log.Error().Err(err).Str("module", "signal.rooms").Msg("bad copy event")
			return
		}
		ctl.sendJSON(sess, copyFrame{Type: "copy", CopyText: ev.CopyText, FileData: ev.FileData, FileName: ev.FileName, FUser: domain.PublicName(ev.From)})
	case core.KindGeneric:
		ctl.sendJSON(sess, genericFrame{Type: env.Type, Payload: env.Body})
	case core.KindBinary:
		ctl.push(sess, env.Binary, true)
	default:
		log.Debug().Str("module", "signal.rooms").Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

// Disconnect leaves the room if the session ever joined it.
func (ctl *RoomsController) Disconnect(ctx context.Context, sess *core.Session) {
	room := sess.Room()
	if room == "" {
		return
	}
	if m, ok := sess.TakeJoined(); ok {
		ctl.Engine.Leave(ctx, room, sess.Handle(), m)
	}
	ctl.Engine.Exit(room)
}
