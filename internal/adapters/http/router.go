package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/adapters/signal"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
)

const clientTokenKey = "client_token"

// ClientTokenMiddleware keeps a per-browser token in the cookie session.
// It only correlates log lines and carries no authority.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// Handlers groups what the router exposes.
type Handlers struct {
	Meets *signal.MeetsController
	Rooms *signal.RoomsController
}

// SetupRouter wires the HTTP surface. ctx outlives single requests and
// bounds every WebSocket connection.
func SetupRouter(ctx context.Context, cfg *config.Config, h Handlers) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := r.Group("/ws")
	ws.GET("/meets/random", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws meets endpoint hit")
		h.Meets.HandleSignal(ctx, c)
	})
	ws.GET("/rooms/:room", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Str("room", c.Param("room")).Msg("ws rooms endpoint hit")
		h.Rooms.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/meets/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"online": h.Meets.Engine.OnlineCount(),
			"queue":  h.Meets.Engine.QueueLen(),
		})
	})
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": h.Rooms.Engine.Rooms()})
	})
	api.GET("/rooms/:room/members", func(c *gin.Context) {
		room, err := domain.ParseRoomID(c.Param("room"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members, err := h.Rooms.Engine.Members(c.Request.Context(), room)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("members lookup")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
			return
		}
		if members == nil {
			members = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"room": room, "members": members})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
