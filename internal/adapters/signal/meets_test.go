package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/adapters/rtc"
	"github.com/dkeye/Relay/internal/app/matching"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

func newMeets(env *testEnv) *MeetsController {
	return NewMeetsController(env.base, matching.NewEngine(), NewRateLimiter(0, time.Second), rtc.DefaultICEServers())
}

type meetsClient struct {
	sess *core.Session
	conn *fakeConn
}

func (c meetsClient) send(t *testing.T, ctl *MeetsController, v any) bool {
	t.Helper()
	return ctl.HandleText(context.Background(), c.sess, frame(t, v))
}

func guest(t *testing.T, env *testEnv, ctl *MeetsController, h core.Handle, name string) meetsClient {
	t.Helper()
	sess, conn := env.connect(t, ctl, h)
	c := meetsClient{sess: sess, conn: conn}
	require.False(t, c.send(t, ctl, map[string]any{"type": "auth_guest", "name": name}))
	return c
}

func TestMeets_BobCarolScenario(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	ctx := context.Background()
	bobTok := env.user(t, 101, "bob")
	carolTok := env.user(t, 202, "carol")

	bs, bc := env.connect(t, ctl, "bob-h")
	cs, cc := env.connect(t, ctl, "carol-h")
	require.False(t, ctl.HandleText(ctx, bs, frame(t, map[string]any{"type": "auth", "token": bobTok})))
	require.False(t, ctl.HandleText(ctx, cs, frame(t, map[string]any{"type": "auth", "token": carolTok})))

	welcome := bc.ofType(t, "welcome")
	require.Len(t, welcome, 1)
	assert.Equal(t, float64(101), welcome[0]["userId"])
	assert.Equal(t, "bob", welcome[0]["username"])
	assert.NotEmpty(t, welcome[0]["iceServers"])

	counts := bc.ofType(t, "online_count")
	assert.Equal(t, float64(2), counts[len(counts)-1]["count"])

	ctl.HandleText(ctx, bs, frame(t, map[string]any{"type": "find_match"}))
	assert.Equal(t, "waiting", bc.last(t)["type"])

	ctl.HandleText(ctx, cs, frame(t, map[string]any{"type": "find_match"}))

	bm := bc.last(t)
	assert.Equal(t, "matched", bm["type"])
	assert.Equal(t, "offerer", bm["role"])
	assert.Equal(t, float64(202), bm["partnerId"])
	assert.Equal(t, "carol", bm["partnerName"])

	cm := cc.last(t)
	assert.Equal(t, "matched", cm["type"])
	assert.Equal(t, "answerer", cm["role"])
	assert.Equal(t, float64(101), cm["partnerId"])
	assert.Equal(t, "bob", cm["partnerName"])

	// set_partner reached bob's session but not his socket.
	p, ok := bs.Partner()
	require.True(t, ok)
	assert.Equal(t, core.Handle("carol-h"), p.Handle)
	assert.Equal(t, core.RoleOfferer, bs.Role())
	assert.Equal(t, core.RoleAnswerer, cs.Role())
	assert.Empty(t, bc.ofType(t, "set_partner"))
}

func TestMeets_SignalingRelay(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")
	b := guest(t, env, ctl, "b", "ben")

	// No partner yet: dropped silently.
	b.conn.reset()
	a.send(t, ctl, map[string]any{"type": "offer", "offer": map[string]any{"sdp": "x"}})
	assert.Empty(t, b.conn.ofType(t, "offer"))
	assert.Empty(t, a.conn.ofType(t, "error"))

	a.send(t, ctl, map[string]any{"type": "find_match"})
	b.send(t, ctl, map[string]any{"type": "find_match"})

	a.send(t, ctl, map[string]any{"typeof": "offer", "offer": map[string]any{"sdp": "v=0"}})
	got := b.conn.ofType(t, "offer")
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"sdp": "v=0"}, got[0]["offer"])
	assert.Equal(t, float64(a.sess.User().ID), got[0]["from"])
	assert.NotContains(t, got[0], "typeof")

	b.send(t, ctl, map[string]any{"type": "media_state", "audioMuted": true, "videoOff": false})
	ms := a.conn.ofType(t, "media_state")
	require.Len(t, ms, 1)
	assert.Equal(t, true, ms[0]["audioMuted"])
}

func TestMeets_DisconnectNotifiesPartnerOnce(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")
	b := guest(t, env, ctl, "b", "ben")
	c := guest(t, env, ctl, "c", "cid")
	a.send(t, ctl, map[string]any{"type": "find_match"})
	b.send(t, ctl, map[string]any{"type": "find_match"})

	ctl.Disconnect(context.Background(), b.sess)

	assert.Len(t, a.conn.ofType(t, "partner_disconnected"), 1)
	assert.Empty(t, c.conn.ofType(t, "partner_disconnected"))
	_, paired := ctl.Engine.Partner(a.sess.User().ID, a.sess.Handle())
	assert.False(t, paired)
	_, linked := a.sess.Partner()
	assert.False(t, linked)
	assert.Equal(t, 2, ctl.Engine.OnlineCount())

	counts := c.conn.ofType(t, "online_count")
	assert.Equal(t, float64(2), counts[len(counts)-1]["count"])

	// A second disconnect notifies nobody.
	ctl.Disconnect(context.Background(), b.sess)
	assert.Len(t, a.conn.ofType(t, "partner_disconnected"), 1)
}

func TestMeets_EndCallIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")
	b := guest(t, env, ctl, "b", "ben")
	a.send(t, ctl, map[string]any{"type": "find_match"})
	b.send(t, ctl, map[string]any{"type": "find_match"})

	b.send(t, ctl, map[string]any{"type": "endcall"})
	b.send(t, ctl, map[string]any{"type": "endcall"})

	assert.Len(t, a.conn.ofType(t, "endcall"), 1)
	_, linked := a.sess.Partner()
	assert.False(t, linked)
	assert.Equal(t, core.RoleNone, b.sess.Role())

	// Both can queue again.
	a.send(t, ctl, map[string]any{"type": "find_match"})
	assert.Equal(t, "waiting", a.conn.last(t)["type"])
}

func TestMeets_CancelSearch(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")
	a.send(t, ctl, map[string]any{"type": "find_match"})
	a.send(t, ctl, map[string]any{"type": "cancel_search"})
	a.send(t, ctl, map[string]any{"type": "cancel_search"})

	assert.Len(t, a.conn.ofType(t, "search_cancelled"), 2)
	assert.Equal(t, 0, ctl.Engine.QueueLen())
}

func TestMeets_AuthGate(t *testing.T) {
	tests := []struct {
		name      string
		msg       any
		wantError string
	}{
		{"message before auth", map[string]any{"type": "find_match"}, "Auth required"},
		{"bad token", map[string]any{"type": "auth", "token": "nope"}, "Invalid token"},
		{"no token", map[string]any{"type": "auth"}, "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			ctl := newMeets(env)
			sess, conn := env.connect(t, ctl, "x")

			assert.True(t, ctl.HandleText(context.Background(), sess, frame(t, tt.msg)))
			last := conn.last(t)
			assert.Equal(t, "auth_error", last["type"])
			assert.Equal(t, tt.wantError, last["error"])
			assert.True(t, conn.isClosed())
			assert.False(t, sess.Authenticated())
		})
	}
}

func TestMeets_UnknownUserIsRejected(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	tok, err := env.jwt.Sign(999, "ghost", time.Minute)
	require.NoError(t, err)
	sess, conn := env.connect(t, ctl, "x")

	assert.True(t, ctl.HandleText(context.Background(), sess, frame(t, map[string]any{"type": "auth", "token": tok})))
	assert.Equal(t, "auth_error", conn.last(t)["type"])
}

func TestMeets_GuestIdentity(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "neo")

	u := a.sess.User()
	assert.True(t, u.Guest)
	assert.GreaterOrEqual(t, int64(u.ID), int64(10000))
	assert.LessOrEqual(t, int64(u.ID), int64(99999))
	assert.Equal(t, "Guest_neo_"+u.ID.String(), a.conn.ofType(t, "welcome")[0]["username"])

	// A second auth is not admissible and is ignored.
	assert.False(t, a.send(t, ctl, map[string]any{"type": "auth_guest", "name": "again"}))
	assert.Equal(t, u, a.sess.User())
}

func TestMeets_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")

	assert.False(t, ctl.HandleText(context.Background(), a.sess, []byte("{not json")))
	last := a.conn.last(t)
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "Invalid JSON format", last["message"])

	assert.False(t, a.send(t, ctl, map[string]any{"type": "dance"}))
	assert.False(t, a.conn.isClosed())
}

func TestMeets_RateLimitedFindMatch(t *testing.T) {
	env := newTestEnv()
	ctl := NewMeetsController(env.base, matching.NewEngine(), NewRateLimiter(1, time.Minute), nil)
	a := guest(t, env, ctl, "a", "ann")

	a.send(t, ctl, map[string]any{"type": "find_match"})
	a.send(t, ctl, map[string]any{"type": "find_match"})

	last := a.conn.last(t)
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, "rate limited", last["message"])
	assert.False(t, a.conn.isClosed())
}

func TestMeets_PanicIsRecovered(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	ctl.router.PostAuth("boom", func(context.Context, *core.Session, Inbound) error { panic("kaboom") })
	a := guest(t, env, ctl, "a", "ann")

	assert.False(t, a.send(t, ctl, map[string]any{"type": "boom"}))
	assert.Equal(t, "internal error", a.conn.last(t)["message"])
	assert.False(t, a.conn.isClosed())
}

func TestMeets_PanicDuringHandshakeCloses(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	ctl.router.PreAuth("auth", func(_ context.Context, sess *core.Session, _ Inbound) error {
		require.NoError(t, sess.Authenticate(&domain.User{ID: 7, Username: "half"}))
		panic("after authenticate")
	})
	sess, conn := env.connect(t, ctl, "x")

	assert.True(t, ctl.HandleText(context.Background(), sess, frame(t, map[string]any{"type": "auth", "token": "t"})))
	assert.Equal(t, "internal error", conn.last(t)["message"])
	assert.True(t, conn.isClosed())
}

func TestMeets_SlowConsumerIsKicked(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	a := guest(t, env, ctl, "a", "ann")
	a.conn.capacity = len(a.conn.texts(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.base.Registry.Bind(ctl.Flow(), a.sess, cancel)

	a.send(t, ctl, map[string]any{"type": "find_match"})
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestMeets_ReplacedConnectionLeavesNewerPairAlone(t *testing.T) {
	env := newTestEnv()
	ctl := newMeets(env)
	ctx := context.Background()
	bobTok := env.user(t, 101, "bob")
	carolTok := env.user(t, 202, "carol")

	oldS, _ := env.connect(t, ctl, "bob-old")
	newS, newC := env.connect(t, ctl, "bob-new")
	cs, cc := env.connect(t, ctl, "carol-h")
	for _, s := range []*core.Session{oldS, newS} {
		require.False(t, ctl.HandleText(ctx, s, frame(t, map[string]any{"type": "auth", "token": bobTok})))
	}
	require.False(t, ctl.HandleText(ctx, cs, frame(t, map[string]any{"type": "auth", "token": carolTok})))

	ctl.HandleText(ctx, newS, frame(t, map[string]any{"type": "find_match"}))
	ctl.HandleText(ctx, cs, frame(t, map[string]any{"type": "find_match"}))
	require.Equal(t, "matched", cc.last(t)["type"])

	ctl.HandleText(ctx, oldS, frame(t, map[string]any{"type": "offer", "offer": "stale"}))
	ctl.HandleText(ctx, oldS, frame(t, map[string]any{"type": "endcall"}))
	ctl.Disconnect(ctx, oldS)

	assert.Empty(t, cc.ofType(t, "offer"))
	assert.Empty(t, cc.ofType(t, "endcall"))
	assert.Empty(t, cc.ofType(t, "partner_disconnected"))

	ctl.HandleText(ctx, newS, frame(t, map[string]any{"type": "offer", "offer": "live"}))
	got := cc.ofType(t, "offer")
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0]["offer"])
	assert.Empty(t, newC.ofType(t, "partner_disconnected"))
}
