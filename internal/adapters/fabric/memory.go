// Package fabric implements core.Fabric in process and over NATS.
package fabric

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

type attachment struct {
	seq     uint64
	deliver func(core.Envelope)
}

// Memory delivers synchronously on the sender's goroutine. Deliver callbacks
// run outside the fabric lock and must not block.
type Memory struct {
	mu     sync.RWMutex
	seq    uint64
	chans  map[core.Handle]attachment
	groups map[string]map[core.Handle]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		chans:  make(map[core.Handle]attachment),
		groups: make(map[string]map[core.Handle]struct{}),
	}
}

func (m *Memory) Attach(h core.Handle, deliver func(core.Envelope)) (func(), error) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.chans[h] = attachment{seq: seq, deliver: deliver}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.detach(h, seq) })
	}, nil
}

func (m *Memory) detach(h core.Handle, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.chans[h]; !ok || a.seq != seq {
		return
	}
	delete(m.chans, h)
	for name, members := range m.groups {
		delete(members, h)
		if len(members) == 0 {
			delete(m.groups, name)
		}
	}
}

func (m *Memory) Send(_ context.Context, h core.Handle, env core.Envelope) error {
	m.mu.RLock()
	a, ok := m.chans[h]
	m.mu.RUnlock()
	if !ok {
		return core.ErrUnknownHandle
	}
	a.deliver(env)
	return nil
}

func (m *Memory) GroupAdd(_ context.Context, group string, h core.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chans[h]; !ok {
		return core.ErrUnknownHandle
	}
	members, ok := m.groups[group]
	if !ok {
		members = make(map[core.Handle]struct{})
		m.groups[group] = members
	}
	members[h] = struct{}{}
	return nil
}

func (m *Memory) GroupDiscard(_ context.Context, group string, h core.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.groups[group]; ok {
		delete(members, h)
		if len(members) == 0 {
			delete(m.groups, group)
		}
	}
	return nil
}

func (m *Memory) GroupSend(_ context.Context, group string, env core.Envelope) error {
	m.mu.RLock()
	targets := make([]func(core.Envelope), 0, len(m.groups[group]))
	for h := range m.groups[group] {
		if a, ok := m.chans[h]; ok {
			targets = append(targets, a.deliver)
		}
	}
	m.mu.RUnlock()

	for _, deliver := range targets {
		deliver(env)
	}
	log.Debug().Str("module", "fabric.memory").Str("group", group).Int("targets", len(targets)).Msg("group send")
	return nil
}
