// Package http wires HTTP routes (REST + WS upgrade) with the relay.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/adapters/signal"
	"github.com/okorolev/Board/internal/app"
	"github.com/okorolev/Board/internal/config"
	"github.com/okorolev/Board/internal/domain"
)

// ClientTokenMiddleware hands every browser an opaque token cookie. The
// token is not the connection id; it only keys the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the gin engine:
// - static UI from cfg.StaticPath
// - REST under /api/* for room/user creation and lookup by key
// - WebSocket signaling at /api/ws/signal
func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("BoardSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	reg := relay.Registry
	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.ListRooms()})
	})

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name    string `json:"name" binding:"required"`
			HostKey string `json:"hostKey"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
			return
		}
		room, err := reg.CreateRoom(req.Name, domain.UserKey(req.HostKey))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrConflict) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, room)
	})

	api.GET("/rooms/:key", func(c *gin.Context) {
		room, err := reg.FindRoomByKey(domain.RoomKey(c.Param("key")))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, room)
	})

	api.POST("/users", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid username"})
			return
		}
		user, err := reg.CreateUser(req.Username)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrConflict):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, user)
	})

	api.GET("/users/:key", func(c *gin.Context) {
		user, err := reg.FindUserByKey(domain.UserKey(c.Param("key")))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusOK, user)
	})

	ctl := signal.NewController(relay, cfg.ReadLimit)
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	return r
}
