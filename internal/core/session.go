package core

import (
	"errors"
	"sync"

	"github.com/dkeye/Relay/internal/domain"
)

var ErrAlreadyAuthenticated = errors.New("already authenticated")

type AuthStage int

const (
	StageUnauthenticated AuthStage = iota
	StageAuthenticated
)

type Role string

const (
	RoleNone     Role = ""
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// PartnerLink is the session-side view of a pair.
type PartnerLink struct {
	ID     domain.UserID
	Name   string
	Handle Handle
}

// Session is the per-connection state. Its handler goroutine and fabric
// deliveries touch it concurrently, so every accessor takes the lock.
type Session struct {
	handle Handle
	conn   SignalConnection

	mu      sync.RWMutex
	user    *domain.User
	stage   AuthStage
	role    Role
	partner *PartnerLink
	room    domain.RoomID
	member  *domain.Member
}

func NewSession(h Handle, conn SignalConnection) *Session {
	return &Session{handle: h, conn: conn}
}

func (s *Session) Handle() Handle         { return s.handle }
func (s *Session) Conn() SignalConnection { return s.conn }

// Authenticate is the single Unauthenticated -> Authenticated transition.
func (s *Session) Authenticate(u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageAuthenticated {
		return ErrAlreadyAuthenticated
	}
	s.user = u
	s.stage = StageAuthenticated
	return nil
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage == StageAuthenticated
}

// User returns nil before authentication.
func (s *Session) User() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) Partner() (PartnerLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.partner == nil {
		return PartnerLink{}, false
	}
	return *s.partner, true
}

func (s *Session) SetPartner(p PartnerLink, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partner = &p
	s.role = role
}

// ClearPartner resets role and partner; it reports whether a link was set.
func (s *Session) ClearPartner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.partner != nil
	s.partner = nil
	s.role = RoleNone
	return had
}

// ClearPartnerIf clears the link only when it still points at h.
func (s *Session) ClearPartnerIf(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partner == nil || s.partner.Handle != h {
		return false
	}
	s.partner = nil
	s.role = RoleNone
	return true
}

func (s *Session) SetRoom(room domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
}

func (s *Session) Room() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// MarkJoined records the presence entry written on join.
func (s *Session) MarkJoined(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.member = &m
}

// Joined returns the presence entry, if the session completed a join.
func (s *Session) Joined() (domain.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.member == nil {
		return domain.Member{}, false
	}
	return *s.member, true
}

// TakeJoined returns and forgets the presence entry so leave runs once.
func (s *Session) TakeJoined() (domain.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.member == nil {
		return domain.Member{}, false
	}
	m := *s.member
	s.member = nil
	return m, true
}
