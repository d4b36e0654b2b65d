package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/letterlings/internal/app/orch"
	"github.com/dkeye/letterlings/internal/config"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/dkeye/letterlings/internal/store"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName     = "letterlings"
	clientTokenKey  = "client_token"
	lastRoomKey     = "last_room"
	clientCookie    = "ct"
	clientCookieAge = 3600 * 24 * 7

	defaultResultsLimit = 20
	maxResultsLimit     = 100
)

// Results reads archived runs.
type Results interface {
	Recent(ctx context.Context, limit int) ([]store.RunResult, error)
	ByLevel(ctx context.Context, level domain.LevelID, limit int) ([]store.RunResult, error)
}

// Deps is what the router serves.
type Deps struct {
	Orch    *orch.Orchestrator
	Socket  gin.HandlerFunc
	Results Results
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientCookie)
		if token == "" {
			token = uuid.NewString()
			c.SetCookie(clientCookie, token, clientCookieAge, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Results == nil {
		deps.Results = store.Noop{}
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cs := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, cs))
	r.Use(ClientTokenMiddleware())

	r.GET("/health", func(c *gin.Context) {
		rooms, players := deps.Orch.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": rooms, "players": players})
	})
	if deps.Socket != nil {
		r.GET("/ws", deps.Socket)
	}

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Orch.RoomList()})
	})
	api.GET("/rooms/:code", func(c *gin.Context) { roomInfo(c, deps.Orch) })
	api.DELETE("/rooms/:code", func(c *gin.Context) {
		code := domain.RoomCode(c.Param("code"))
		if err := deps.Orch.CloseRoom(code); err != nil {
			abortWith(c, err)
			return
		}
		log.Info().Str("module", "adapters.http").Str("room", string(code)).Msg("room closed by admin")
		c.Status(http.StatusNoContent)
	})
	api.GET("/session", func(c *gin.Context) {
		s := sessions.Default(c)
		last, _ := s.Get(lastRoomKey).(string)
		c.JSON(http.StatusOK, gin.H{"clientToken": c.GetString(clientTokenKey), "lastRoom": last})
	})
	api.GET("/protocol/schema", func(c *gin.Context) {
		c.JSON(http.StatusOK, proto.Schema())
	})
	api.GET("/results", func(c *gin.Context) { results(c, deps.Results) })

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// roomInfo serves a live room, falling back to the registry for rooms
// hosted by another process.
func roomInfo(c *gin.Context, o *orch.Orchestrator) {
	code := domain.RoomCode(c.Param("code"))
	if !proto.ValidRoomCode(string(code)) {
		abortWith(c, domain.ErrRoomNotFound)
		return
	}
	if info, ok := o.RoomInfo(code); ok {
		remember(c, code)
		c.JSON(http.StatusOK, info)
		return
	}
	desc, err := o.Registry.Resolve(c.Request.Context(), code)
	if err != nil {
		abortWith(c, err)
		return
	}
	remember(c, code)
	c.JSON(http.StatusOK, desc)
}

func remember(c *gin.Context, code domain.RoomCode) {
	s := sessions.Default(c)
	s.Set(lastRoomKey, string(code))
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
}

func results(c *gin.Context, src Results) {
	limit := defaultResultsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_payload", "error": "invalid limit"})
			return
		}
		limit = min(n, maxResultsLimit)
	}

	var (
		rows []store.RunResult
		err  error
	)
	if level := c.Query("level"); level != "" {
		rows, err = src.ByLevel(c.Request.Context(), domain.LevelID(level), limit)
	} else {
		rows, err = src.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("read results")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "results unavailable"})
		return
	}
	if rows == nil {
		rows = []store.RunResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": rows})
}

func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBadPayload):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": domain.Reason(err), "error": err.Error()})
}
