package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// AuthGate turns a bearer token into a persisted identity.
type AuthGate struct {
	Credentials core.CredentialValidator
	Identities  core.IdentityStore
	Timeout     time.Duration
}

// Resolve fails with core.ErrTokenInvalid, core.ErrTokenExpired,
// core.ErrUserNotFound or a wrapped transient error.
func (g *AuthGate) Resolve(ctx context.Context, token string) (*domain.User, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	claims, err := g.Credentials.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := g.Identities.Lookup(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", claims.UserID, err)
	}
	log.Debug().Str("module", "signal.auth").Str("user", u.ID.String()).Msg("token resolved")
	return u, nil
}
