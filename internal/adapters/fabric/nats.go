package fabric

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

const DefaultSubjectPrefix = "relay"

type natsAttachment struct {
	deliver func(core.Envelope)
	direct  *nats.Subscription
	groups  map[string]*nats.Subscription
}

// NATS carries envelopes between processes. Every handle owns a direct
// subject; group membership is one subscription per (group, handle).
type NATS struct {
	nc     *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[core.Handle]*natsAttachment
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "fabric.nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "fabric.nats").Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewNATS(nc, prefix), nil
}

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{nc: nc, prefix: prefix, subs: make(map[core.Handle]*natsAttachment)}
}

// ChanSubject is the direct subject of h.
func (n *NATS) ChanSubject(h core.Handle) string {
	return n.prefix + ".chan." + string(h)
}

// GroupSubject hex-encodes the group so arbitrary room ids stay one subject token.
func (n *NATS) GroupSubject(group string) string {
	return n.prefix + ".group." + hex.EncodeToString([]byte(group))
}

func (n *NATS) handler(h core.Handle, deliver func(core.Envelope)) nats.MsgHandler {
	return func(m *nats.Msg) {
		var env core.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Error().Err(err).Str("module", "fabric.nats").Str("handle", string(h)).Msg("bad envelope")
			return
		}
		deliver(env)
	}
}

func (n *NATS) Attach(h core.Handle, deliver func(core.Envelope)) (func(), error) {
	sub, err := n.nc.Subscribe(n.ChanSubject(h), n.handler(h, deliver))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", h, err)
	}
	a := &natsAttachment{deliver: deliver, direct: sub, groups: make(map[string]*nats.Subscription)}

	n.mu.Lock()
	n.subs[h] = a
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.detach(h, a) })
	}, nil
}

func (n *NATS) detach(h core.Handle, a *natsAttachment) {
	n.mu.Lock()
	if cur, ok := n.subs[h]; ok && cur == a {
		delete(n.subs, h)
	}
	n.mu.Unlock()

	if err := a.direct.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("module", "fabric.nats").Str("handle", string(h)).Msg("unsubscribe direct")
	}
	for group, sub := range a.groups {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("module", "fabric.nats").Str("group", group).Msg("unsubscribe group")
		}
	}
}

func (n *NATS) publish(subject string, env core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Send cannot tell whether anyone listens on h; unknown handles are silently lost.
func (n *NATS) Send(_ context.Context, h core.Handle, env core.Envelope) error {
	return n.publish(n.ChanSubject(h), env)
}

// GroupAdd subscribes a locally attached handle to the group subject.
func (n *NATS) GroupAdd(_ context.Context, group string, h core.Handle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.subs[h]
	if !ok {
		return core.ErrUnknownHandle
	}
	if _, ok := a.groups[group]; ok {
		return nil
	}
	sub, err := n.nc.Subscribe(n.GroupSubject(group), n.handler(h, a.deliver))
	if err != nil {
		return fmt.Errorf("subscribe group %s: %w", group, err)
	}
	a.groups[group] = sub
	return nil
}

func (n *NATS) GroupDiscard(_ context.Context, group string, h core.Handle) error {
	n.mu.Lock()
	a, ok := n.subs[h]
	var sub *nats.Subscription
	if ok {
		sub = a.groups[group]
		delete(a.groups, group)
	}
	n.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe group %s: %w", group, err)
	}
	return nil
}

func (n *NATS) GroupSend(_ context.Context, group string, env core.Envelope) error {
	return n.publish(n.GroupSubject(group), env)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
