package rooms

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

// roomState serializes presence mutations of one room in this process.
type roomState struct {
	mu    sync.Mutex
	conns int
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	Connections int           `json:"connections"`
}

// Manager tracks rooms with at least one local connection.
type Manager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[domain.RoomID]*roomState)}
}

func (m *Manager) getOrCreate(id domain.RoomID) *roomState {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[id]; ok {
		return r
	}
	r = &roomState{}
	m.rooms[id] = r
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return r
}

// Enter counts a local connection in the room.
func (m *Manager) Enter(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = &roomState{}
		m.rooms[id] = r
		log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	}
	r.conns++
}

// Exit forgets the room once its last local connection is gone.
// The room lock itself stays valid for anyone still holding it.
func (m *Manager) Exit(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return
	}
	r.conns--
	if r.conns <= 0 {
		delete(m.rooms, id)
		log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room released")
	}
}

// WithLock runs fn while holding the room lock. The caller counts as a
// connection for the duration so the lock cannot be released under it.
func (m *Manager) WithLock(id domain.RoomID, fn func()) {
	m.Enter(id)
	defer m.Exit(id)
	r := m.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (m *Manager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, RoomInfo{ID: id, Connections: r.conns})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
