// Package rooms implements named multi-party rooms: presence in a shared store,
// presence broadcast and relay of copy, generic and binary messages.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// UserList is the payload of a presence broadcast. Names are internal.
type UserList struct {
	List    []string `json:"list"`
	NewUser string   `json:"new_user"`
}

// CopyEvent is the payload of a copy broadcast. From is the sender's internal name.
type CopyEvent struct {
	CopyText json.RawMessage `json:"copy_text"`
	FileData json.RawMessage `json:"file_data"`
	FileName *string         `json:"file_name"`
	From     string          `json:"f_user"`
}

// HasFile reports whether the copy carries a file name.
func (c CopyEvent) HasFile() bool { return c.FileName != nil && *c.FileName != "" }

type Engine struct {
	store   core.PresenceStore
	fabric  core.Fabric
	rooms   *Manager
	timeout time.Duration
}

func NewEngine(store core.PresenceStore, fabric core.Fabric, timeout time.Duration) *Engine {
	return &Engine{
		store:   store,
		fabric:  fabric,
		rooms:   NewManager(),
		timeout: timeout,
	}
}

// GroupName is the fabric group of a room.
func GroupName(id domain.RoomID) string { return "room." + string(id) }

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Enter and Exit bracket a local connection's lifetime in a room.
func (e *Engine) Enter(id domain.RoomID) { e.rooms.Enter(id) }
func (e *Engine) Exit(id domain.RoomID)  { e.rooms.Exit(id) }

func (e *Engine) Rooms() []RoomInfo { return e.rooms.List() }

// Members returns the public names present in the room.
func (e *Engine) Members(ctx context.Context, id domain.RoomID) ([]string, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	list, err := e.store.Members(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	return domain.PublicNames(list), nil
}

// Join subscribes h to the room group, records its presence entry and
// broadcasts the resulting list to every member, the joiner included.
func (e *Engine) Join(ctx context.Context, id domain.RoomID, h core.Handle, name string) (domain.Member, error) {
	m := domain.NewMember(string(h), name)
	var joinErr error
	e.rooms.WithLock(id, func() {
		if err := e.fabric.GroupAdd(ctx, GroupName(id), h); err != nil {
			joinErr = fmt.Errorf("group add: %w", err)
			return
		}
		list := e.updatePresence(ctx, id, m, true)
		e.broadcastList(ctx, id, h, list, m.Internal)
	})
	if joinErr != nil {
		return domain.Member{}, joinErr
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Str("name", name).Msg("joined")
	return m, nil
}

// Leave is the inverse of Join. The removal, unsubscribe and broadcast happen
// under the room lock so a concurrent join never observes a half-left member.
func (e *Engine) Leave(ctx context.Context, id domain.RoomID, h core.Handle, m domain.Member) {
	e.rooms.WithLock(id, func() {
		list := e.updatePresence(ctx, id, m, false)
		if err := e.fabric.GroupDiscard(ctx, GroupName(id), h); err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Msg("group discard failed")
		}
		e.broadcastList(ctx, id, h, list, m.Internal)
	})
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Msg("left")
}

func (e *Engine) updatePresence(ctx context.Context, id domain.RoomID, m domain.Member, add bool) []string {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	var (
		list []string
		err  error
	)
	if add {
		list, err = e.store.Add(ctx, id, m.Internal)
	} else {
		list, err = e.store.Remove(ctx, id, m.Internal)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Bool("add", add).Msg("presence update failed")
		return nil
	}
	return list
}

func (e *Engine) broadcastList(ctx context.Context, id domain.RoomID, h core.Handle, list []string, subject string) {
	if len(list) == 0 {
		return
	}
	body, err := json.Marshal(UserList{List: list, NewUser: subject})
	if err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Msg("marshal user list")
		return
	}
	e.send(ctx, id, core.Envelope{Kind: core.KindUserList, Sender: h, Body: body})
}

// Copy relays a copy event to the other members.
func (e *Engine) Copy(ctx context.Context, id domain.RoomID, h core.Handle, ev CopyEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal copy: %w", err)
	}
	return e.send(ctx, id, core.Envelope{Kind: core.KindCopy, Sender: h, Type: "copy", Body: body})
}

// Relay forwards a generic message as {type, payload}.
func (e *Engine) Relay(ctx context.Context, id domain.RoomID, h core.Handle, typ string, payload json.RawMessage) error {
	return e.send(ctx, id, core.Envelope{Kind: core.KindGeneric, Sender: h, Type: typ, Body: payload})
}

// RelayBinary forwards an opaque binary frame unchanged.
func (e *Engine) RelayBinary(ctx context.Context, id domain.RoomID, h core.Handle, data []byte) error {
	return e.send(ctx, id, core.Envelope{Kind: core.KindBinary, Sender: h, Binary: data})
}

func (e *Engine) send(ctx context.Context, id domain.RoomID, env core.Envelope) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := e.fabric.GroupSend(ctx, GroupName(id), env); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Str("kind", string(env.Kind)).Msg("group send failed")
		return fmt.Errorf("group send: %w", err)
	}
	return nil
}
