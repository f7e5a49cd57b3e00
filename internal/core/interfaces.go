package core

import (
	"context"
	"errors"

	"github.com/dkeye/Relay/internal/domain"
)

var (
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenExpired  = errors.New("token expired")
	ErrUserNotFound  = errors.New("user not found")
	ErrUnknownHandle = errors.New("unknown handle")
)

// Handle addresses one connection on the fabric, independent of the process serving it.
type Handle string

// Fabric is the addressable pub/sub transport between connection handlers.
// Group sends reach every member, the sender included; recipients apply exclusion.
type Fabric interface {
	// Attach routes envelopes addressed to h into deliver until detach is called.
	Attach(h Handle, deliver func(Envelope)) (detach func(), err error)
	Send(ctx context.Context, h Handle, env Envelope) error
	GroupAdd(ctx context.Context, group string, h Handle) error
	GroupDiscard(ctx context.Context, group string, h Handle) error
	GroupSend(ctx context.Context, group string, env Envelope) error
}

// PresenceStore keeps room presence sets visible to every serving process.
// Add and Remove return the set as it is right after the change.
type PresenceStore interface {
	Add(ctx context.Context, room domain.RoomID, member string) ([]string, error)
	Remove(ctx context.Context, room domain.RoomID, member string) ([]string, error)
	Members(ctx context.Context, room domain.RoomID) ([]string, error)
}

// Claims is what a verified bearer token says about its owner.
type Claims struct {
	UserID   domain.UserID
	Username string
}

// CredentialValidator fails with ErrTokenInvalid or ErrTokenExpired.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}

// IdentityStore fails with ErrUserNotFound for unknown ids.
type IdentityStore interface {
	Lookup(ctx context.Context, id domain.UserID) (*domain.User, error)
}
