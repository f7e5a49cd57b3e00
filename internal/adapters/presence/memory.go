// Package presence implements core.PresenceStore.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Relay/internal/domain"
)

// Memory is a single-process presence store.
type Memory struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[domain.RoomID]map[string]struct{})}
}

func (m *Memory) Add(_ context.Context, room domain.RoomID, member string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[room]
	if !ok {
		set = make(map[string]struct{})
		m.rooms[room] = set
	}
	set[member] = struct{}{}
	return sortedKeys(set), nil
}

func (m *Memory) Remove(_ context.Context, room domain.RoomID, member string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.rooms[room]
	delete(set, member)
	if len(set) == 0 {
		delete(m.rooms, room)
		return nil, nil
	}
	return sortedKeys(set), nil
}

func (m *Memory) Members(_ context.Context, room domain.RoomID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.rooms[room]), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
