// Package matching owns the random 1:1 pairing state: the FIFO waiting queue,
// the pair table and the online registry. All three are guarded by one mutex so
// every operation sees and leaves them consistent.
package matching

import (
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const guestIDAttempts = 8

// Waiter is one queued session.
type Waiter struct {
	ID     domain.UserID
	Handle core.Handle
	Name   string
}

// Link is one direction of a pair.
type Link struct {
	PartnerID     domain.UserID
	PartnerHandle core.Handle
}

type Status int

const (
	StatusQueued Status = iota
	StatusMatched
	StatusAlreadyQueued
	StatusAlreadyPaired
	StatusOffline
)

// Outcome of FindMatch. Partner is set only for StatusMatched and is the
// previously waiting side, which becomes the offerer.
type Outcome struct {
	Status  Status
	Partner Waiter
	// Skipped counts stale queue entries discarded on the way.
	Skipped int
}

// Departure describes what Disconnect released.
type Departure struct {
	WasQueued bool
	Paired    bool
	Partner   Link
	// Online lists the handles still online, for the count broadcast.
	Online []core.Handle
}

type Engine struct {
	mu     sync.Mutex
	queue  []Waiter
	pairs  map[domain.UserID]Link
	online map[domain.UserID]core.Handle
	intn   func(n int) int
}

func NewEngine() *Engine {
	return &Engine{
		pairs:  make(map[domain.UserID]Link),
		online: make(map[domain.UserID]core.Handle),
		intn:   rand.IntN,
	}
}

// GuestID draws a guest id not currently online. Collisions stay possible
// when the registry is crowded; the draw is bounded.
func (e *Engine) GuestID() domain.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	span := domain.GuestIDMax - domain.GuestIDMin + 1
	var id domain.UserID
	for range guestIDAttempts {
		id = domain.UserID(domain.GuestIDMin + e.intn(span))
		if _, taken := e.online[id]; !taken {
			return id
		}
	}
	return id
}

// Register marks id online at h and returns every online handle.
func (e *Engine) Register(id domain.UserID, h core.Handle) []core.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online[id] = h
	log.Info().Str("module", "app.matching").Str("user", id.String()).Str("handle", string(h)).Int("online", len(e.online)).Msg("registered")
	return e.onlineHandlesLocked()
}

// FindMatch pairs self with the oldest online waiter, or queues self.
func (e *Engine) FindMatch(self Waiter) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.online[self.ID]; !ok || h != self.Handle {
		return Outcome{Status: StatusOffline}
	}
	// Entries left by a replaced connection of the same user would block it forever.
	e.dequeueLocked(func(w Waiter) bool { return w.ID == self.ID && w.Handle != self.Handle })
	if e.queuedLocked(self.ID) {
		return Outcome{Status: StatusAlreadyQueued}
	}
	if _, paired := e.pairs[self.ID]; paired {
		return Outcome{Status: StatusAlreadyPaired}
	}

	skipped := 0
	// Every pass removes the head, so the loop ends within len(queue) passes.
	for len(e.queue) > 0 {
		head := e.queue[0]
		e.queue = e.queue[1:]
		if h, ok := e.online[head.ID]; !ok || h != head.Handle {
			skipped++
			log.Debug().Str("module", "app.matching").Str("user", head.ID.String()).Msg("discarded stale waiter")
			continue
		}
		e.pairs[head.ID] = Link{PartnerID: self.ID, PartnerHandle: self.Handle}
		e.pairs[self.ID] = Link{PartnerID: head.ID, PartnerHandle: head.Handle}
		log.Info().Str("module", "app.matching").Str("offerer", head.ID.String()).Str("answerer", self.ID.String()).Msg("matched")
		return Outcome{Status: StatusMatched, Partner: head, Skipped: skipped}
	}

	e.queue = append(e.queue, self)
	log.Info().Str("module", "app.matching").Str("user", self.ID.String()).Int("queue", len(e.queue)).Msg("queued")
	return Outcome{Status: StatusQueued, Skipped: skipped}
}

// Cancel removes the queue entry of id made by h. It reports whether one was removed.
func (e *Engine) Cancel(id domain.UserID, h core.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dequeueLocked(entryOf(id, h))
}

// Partner resolves the pair link of id, provided h is the connection in that pair.
func (e *Engine) Partner(id domain.UserID, h core.Handle) (Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsPairLocked(id, h) {
		return Link{}, false
	}
	return e.pairs[id], true
}

// EndCall removes both directions of the pair h is part of, if any.
func (e *Engine) EndCall(id domain.UserID, h core.Handle) (Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsPairLocked(id, h) {
		return Link{}, false
	}
	return e.unpairLocked(id)
}

// Disconnect releases queue entry, pair link (both sides) and online entry in one step.
// Only state that belongs to h is touched, so a replaced connection closing
// late leaves the newer connection of the same user intact.
func (e *Engine) Disconnect(id domain.UserID, h core.Handle) Departure {
	e.mu.Lock()
	defer e.mu.Unlock()

	var d Departure
	d.WasQueued = e.dequeueLocked(entryOf(id, h))
	if e.ownsPairLocked(id, h) {
		d.Partner, d.Paired = e.unpairLocked(id)
	}
	if cur, ok := e.online[id]; ok && cur == h {
		delete(e.online, id)
	}
	d.Online = e.onlineHandlesLocked()
	log.Info().Str("module", "app.matching").Str("user", id.String()).Str("handle", string(h)).Bool("was_queued", d.WasQueued).Bool("paired", d.Paired).Int("online", len(e.online)).Msg("disconnected")
	return d
}

func (e *Engine) OnlineCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.online)
}

func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) queuedLocked(id domain.UserID) bool {
	for _, w := range e.queue {
		if w.ID == id {
			return true
		}
	}
	return false
}

func entryOf(id domain.UserID, h core.Handle) func(Waiter) bool {
	return func(w Waiter) bool { return w.ID == id && w.Handle == h }
}

func (e *Engine) dequeueLocked(match func(Waiter) bool) bool {
	kept := e.queue[:0]
	removed := false
	for _, w := range e.queue {
		if match(w) {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	clear(e.queue[len(kept):])
	e.queue = kept
	return removed
}

// ownsPairLocked reports whether id is paired through connection h. The
// partner's back link names the handle that was matched.
func (e *Engine) ownsPairLocked(id domain.UserID, h core.Handle) bool {
	l, ok := e.pairs[id]
	if !ok {
		return false
	}
	back, ok := e.pairs[l.PartnerID]
	return ok && back.PartnerID == id && back.PartnerHandle == h
}

func (e *Engine) unpairLocked(id domain.UserID) (Link, bool) {
	l, ok := e.pairs[id]
	if !ok {
		return Link{}, false
	}
	delete(e.pairs, id)
	if back, ok := e.pairs[l.PartnerID]; ok && back.PartnerID == id {
		delete(e.pairs, l.PartnerID)
	}
	return l, true
}

func (e *Engine) onlineHandlesLocked() []core.Handle {
	out := make([]core.Handle, 0, len(e.online))
	for _, h := range e.online {
		out = append(out, h)
	}
	return out
}
