// Package identity resolves durable user records.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const lookupQuery = "SELECT id, username FROM users WHERE id = $1"

// Postgres reads users from the accounts database. Account writes live elsewhere.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens and pings the database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Str("module", "identity.postgres").Msg("connected")
	return db, nil
}

func (p *Postgres) Lookup(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var (
		rowID    int64
		username string
	)
	err := p.db.QueryRowContext(ctx, lookupQuery, int64(id)).Scan(&rowID, &username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %d: %w", id, err)
	}
	return domain.NewUser(domain.UserID(rowID), username)
}
