package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

type Flow string

const (
	FlowMeets Flow = "meets"
	FlowRooms Flow = "rooms"
)

type sessionEntry struct {
	Flow    Flow
	Session *core.Session
	Cancel  context.CancelFunc
}

// Registry holds every live connection served by this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.Handle]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.Handle]*sessionEntry)}
}

func (r *Registry) Bind(flow Flow, sess *core.Session, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.Handle()] = &sessionEntry{Flow: flow, Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("handle", string(sess.Handle())).Str("flow", string(flow)).Msg("bound session")
}

func (r *Registry) Unbind(h core.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, h)
	log.Info().Str("module", "app.registry").Str("handle", string(h)).Msg("unbind session")
}

func (r *Registry) Get(h core.Handle) (*core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[h]; ok {
		return e.Session, true
	}
	return nil, false
}

// Count returns live sessions per flow.
func (r *Registry) Count() map[Flow]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Flow]int, 2)
	for _, e := range r.sessions {
		out[e.Flow]++
	}
	return out
}

// Cancel stops one session's pumps. The connection tears itself down.
func (r *Registry) Cancel(h core.Handle) bool {
	r.mu.RLock()
	e, ok := r.sessions[h]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("handle", string(h)).Msg("canceled session")
	return true
}

// CancelAll is used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
	log.Info().Str("module", "app.registry").Int("sessions", len(cancels)).Msg("canceled all sessions")
	return len(cancels)
}
