package identity

import (
	"context"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// Memory is a fixed user table for development and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[domain.UserID]domain.User
}

func NewMemory(users ...domain.User) *Memory {
	m := &Memory{users: make(map[domain.UserID]domain.User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) Put(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) Lookup(_ context.Context, id domain.UserID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	return &u, nil
}
