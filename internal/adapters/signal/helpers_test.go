package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/adapters/auth"
	"github.com/dkeye/Relay/internal/adapters/fabric"
	"github.com/dkeye/Relay/internal/adapters/identity"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const testSecret = "test-secret"

type sent struct {
	binary bool
	data   []byte
}

// fakeConn records queued frames. A positive capacity makes it report
// backpressure once that many frames are queued.
type fakeConn struct {
	mu       sync.Mutex
	frames   []sent
	closed   bool
	capacity int
}

func (c *fakeConn) TrySend(f core.Frame) error       { return c.add(sent{data: f}) }
func (c *fakeConn) TrySendBinary(f core.Frame) error { return c.add(sent{binary: true, data: f}) }

func (c *fakeConn) add(s sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, s)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// texts decodes every text frame.
func (c *fakeConn) texts(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f.binary {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(f.data, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) binaries() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.frames {
		if f.binary {
			out = append(out, f.data)
		}
	}
	return out
}

func (c *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range c.texts(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	all := c.texts(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type testEnv struct {
	base   *Base
	fabric *fabric.Memory
	ids    *identity.Memory
	jwt    *auth.JWT
}

func newTestEnv() *testEnv {
	f := fabric.NewMemory()
	ids := identity.NewMemory()
	v := auth.NewJWT(testSecret)
	return &testEnv{
		base: &Base{
			Registry: app.NewRegistry(),
			Fabric:   f,
			Policy:   app.SimplePolicy{},
			Auth:     &AuthGate{Credentials: v, Identities: ids, Timeout: time.Second},
			Limits:   Limits{ReadLimit: 1 << 16, PingPeriod: time.Second, WriteWait: time.Second, SendBuffer: 64},
		},
		fabric: f,
		ids:    ids,
		jwt:    v,
	}
}

func (e *testEnv) user(t *testing.T, id domain.UserID, name string) string {
	t.Helper()
	e.ids.Put(domain.User{ID: id, Username: name})
	tok, err := e.jwt.Sign(id, name, time.Minute)
	require.NoError(t, err)
	return tok
}

// connect attaches a fake connection to the fabric the way serve does.
func (e *testEnv) connect(t *testing.T, fl flowHandler, h core.Handle) (*core.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess := core.NewSession(h, conn)
	_, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.base.Registry.Bind(fl.Flow(), sess, cancel)
	detach, err := e.fabric.Attach(h, func(env core.Envelope) { fl.Deliver(sess, env) })
	require.NoError(t, err)
	t.Cleanup(detach)
	return sess, conn
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
