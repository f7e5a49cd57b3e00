package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Relay/internal/adapters/http"
	"github.com/dkeye/Relay/internal/adapters/auth"
	"github.com/dkeye/Relay/internal/adapters/fabric"
	"github.com/dkeye/Relay/internal/adapters/identity"
	"github.com/dkeye/Relay/internal/adapters/presence"
	"github.com/dkeye/Relay/internal/adapters/rtc"
	wsignal "github.com/dkeye/Relay/internal/adapters/signal"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/matching"
	"github.com/dkeye/Relay/internal/app/rooms"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	fab, closeFab, err := openFabric(cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeFab)

	store, closeStore, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	ids, closeIDs, err := openIdentity(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeIDs)

	ice, err := rtc.ICEServers(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	reg := app.NewRegistry()
	base := &wsignal.Base{
		Registry: reg,
		Fabric:   fab,
		Policy:   app.PolicyByName(cfg.SlowConsumer),
		Auth: &wsignal.AuthGate{
			Credentials: auth.NewJWT(cfg.JWTSecret),
			Identities:  ids,
			Timeout:     cfg.LookupTimeout,
		},
		Limits: wsignal.Limits{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			WriteWait:  cfg.WriteWait,
			SendBuffer: cfg.SendBuffer,
		},
	}
	handlers := router.Handlers{
		Meets: wsignal.NewMeetsController(base, matching.NewEngine(),
			wsignal.NewRateLimiter(cfg.MatchRateLimit, cfg.MatchRateInterval), ice),
		Rooms: wsignal.NewRoomsController(base, rooms.NewEngine(store, fab, cfg.LookupTimeout)),
	}

	r := router.SetupRouter(ctx, cfg, handlers)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Relay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	n := reg.CancelAll()
	log.Info().Int("sessions", n).Msg("sessions cancelled")
	return nil
}

func openFabric(cfg *config.Config) (core.Fabric, func(), error) {
	if cfg.Fabric != "nats" {
		return fabric.NewMemory(), func() {}, nil
	}
	n, err := fabric.DialNATS(cfg.NATSURL, "relay")
	if err != nil {
		return nil, nil, fmt.Errorf("nats: %w", err)
	}
	return n, func() {
		if err := n.Close(); err != nil {
			log.Warn().Err(err).Str("module", "fabric.nats").Msg("drain")
		}
	}, nil
}

func openPresence(ctx context.Context, cfg *config.Config) (core.PresenceStore, func(), error) {
	if cfg.Presence != "redis" {
		return presence.NewMemory(), func() {}, nil
	}
	rdb, err := presence.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return presence.NewRedis(rdb), func() { _ = rdb.Close() }, nil
}

func openIdentity(ctx context.Context, cfg *config.Config) (core.IdentityStore, func(), error) {
	if cfg.Identity != "postgres" {
		log.Warn().Str("module", "identity").Msg("in-memory identity store: only guests can sign in")
		return identity.NewMemory(), func() {}, nil
	}
	db, err := identity.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return identity.NewPostgres(db), func() { _ = db.Close() }, nil
}
