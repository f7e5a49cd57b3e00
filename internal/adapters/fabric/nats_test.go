package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/core"
)

func runNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

// newNATSPair returns two fabrics on separate connections, as two processes would have.
func newNATSPair(t *testing.T) (*NATS, *NATS) {
	t.Helper()
	url := runNATS(t)
	open := func() *NATS {
		nc, err := nats.Connect(url)
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		return NewNATS(nc, "test")
	}
	return open(), open()
}

// settle makes sure every subscription change of f reached the server.
func settle(t *testing.T, fs ...*NATS) {
	t.Helper()
	for _, f := range fs {
		require.NoError(t, f.nc.Flush())
	}
}

func eventuallyLen(t *testing.T, in *inbox, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return in.len() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestNATS_SendAcrossConnections(t *testing.T) {
	ctx := context.Background()
	local, remote := newNATSPair(t)
	var a inbox
	detach, err := remote.Attach("a", a.deliver)
	require.NoError(t, err)
	settle(t, remote)

	require.NoError(t, local.Send(ctx, "a", core.Envelope{Kind: core.KindDirect, Sender: "b", Type: "offer", Body: []byte(`{"sdp":"v=0"}`)}))
	eventuallyLen(t, &a, 1)

	a.mu.Lock()
	got := a.got[0]
	a.mu.Unlock()
	assert.Equal(t, core.KindDirect, got.Kind)
	assert.Equal(t, core.Handle("b"), got.Sender)
	assert.Equal(t, "offer", got.Type)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(got.Body))

	detach()
	settle(t, remote)
	// Nobody listens any more; the publish still succeeds.
	require.NoError(t, local.Send(ctx, "a", core.Envelope{Kind: core.KindDirect}))
	settle(t, local, remote)
	assert.Equal(t, 1, a.len())
}

func TestNATS_GroupFanOutAndDiscard(t *testing.T) {
	ctx := context.Background()
	f1, f2 := newNATSPair(t)
	var a, b, c inbox
	_, err := f1.Attach("a", a.deliver)
	require.NoError(t, err)
	_, err = f2.Attach("b", b.deliver)
	require.NoError(t, err)
	_, err = f2.Attach("c", c.deliver)
	require.NoError(t, err)

	require.NoError(t, f1.GroupAdd(ctx, "room.x", "a"))
	require.NoError(t, f2.GroupAdd(ctx, "room.x", "b"))
	// Adding twice keeps one subscription.
	require.NoError(t, f2.GroupAdd(ctx, "room.x", "b"))
	settle(t, f1, f2)

	require.NoError(t, f1.GroupSend(ctx, "room.x", core.Envelope{Kind: core.KindGeneric, Sender: "a", Type: "note"}))
	eventuallyLen(t, &a, 1)
	eventuallyLen(t, &b, 1)

	require.NoError(t, f2.GroupDiscard(ctx, "room.x", "b"))
	settle(t, f2)
	require.NoError(t, f1.GroupSend(ctx, "room.x", core.Envelope{Kind: core.KindGeneric, Sender: "a"}))
	eventuallyLen(t, &a, 2)
	settle(t, f1, f2)
	assert.Equal(t, 1, b.len())
	assert.Equal(t, 0, c.len())

	// Discarding a group the handle never joined is a no-op.
	assert.NoError(t, f2.GroupDiscard(ctx, "room.y", "c"))
}

func TestNATS_GroupAddRequiresAttach(t *testing.T) {
	f, _ := newNATSPair(t)
	err := f.GroupAdd(context.Background(), "g", "ghost")
	assert.ErrorIs(t, err, core.ErrUnknownHandle)
}

func TestNATS_DetachDropsGroupMembership(t *testing.T) {
	ctx := context.Background()
	f1, f2 := newNATSPair(t)
	var a, b inbox
	detachA, _ := f1.Attach("a", a.deliver)
	_, _ = f2.Attach("b", b.deliver)
	require.NoError(t, f1.GroupAdd(ctx, "room.x", "a"))
	require.NoError(t, f2.GroupAdd(ctx, "room.x", "b"))

	detachA()
	detachA()
	settle(t, f1, f2)

	require.NoError(t, f2.GroupSend(ctx, "room.x", core.Envelope{Kind: core.KindGeneric}))
	eventuallyLen(t, &b, 1)
	settle(t, f1, f2)
	assert.Equal(t, 0, a.len())
}

func TestNATS_StaleDetachKeepsNewerAttachment(t *testing.T) {
	ctx := context.Background()
	f, sender := newNATSPair(t)
	var old, cur inbox
	detachOld, err := f.Attach("a", old.deliver)
	require.NoError(t, err)
	_, err = f.Attach("a", cur.deliver)
	require.NoError(t, err)
	require.NoError(t, f.GroupAdd(ctx, "room.x", "a"))

	detachOld()
	settle(t, f)

	require.NoError(t, sender.Send(ctx, "a", core.Envelope{Kind: core.KindDirect}))
	require.NoError(t, sender.GroupSend(ctx, "room.x", core.Envelope{Kind: core.KindGeneric}))
	eventuallyLen(t, &cur, 2)
	settle(t, f, sender)
	assert.Equal(t, 0, old.len())
}

func TestNATS_GroupSubjectsIsolateRooms(t *testing.T) {
	ctx := context.Background()
	f, _ := newNATSPair(t)
	var a, b inbox
	_, _ = f.Attach("a", a.deliver)
	_, _ = f.Attach("b", b.deliver)
	// Dots in group names stay inside one subject token.
	require.NoError(t, f.GroupAdd(ctx, "room.a", "a"))
	require.NoError(t, f.GroupAdd(ctx, "room.a.b", "b"))
	settle(t, f)

	require.NoError(t, f.GroupSend(ctx, "room.a.b", core.Envelope{Kind: core.KindGeneric}))
	eventuallyLen(t, &b, 1)
	settle(t, f)
	assert.Equal(t, 0, a.len())
}

func TestNATS_CloseDrains(t *testing.T) {
	f, _ := newNATSPair(t)
	_, err := f.Attach("a", func(core.Envelope) {})
	require.NoError(t, err)
	assert.NoError(t, f.Close())
}
