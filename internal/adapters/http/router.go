package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a long-lived "ct" cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		rooms, err := o.ListRooms(c.Request.Context())
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})

	api.GET("/rooms/:id/members", func(c *gin.Context) {
		id, err := domain.NewRoomID(c.Param("id"))
		if err != nil {
			abort(c, errors.Join(core.ErrBadRequest, err))
			return
		}
		members, err := o.Members(c.Request.Context(), id)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": id, "members": members})
	})

	api.DELETE("/rooms/:id", func(c *gin.Context) {
		id, err := domain.NewRoomID(c.Param("id"))
		if err != nil {
			abort(c, errors.Join(core.ErrBadRequest, err))
			return
		}
		if err := o.EvictRoom(c.Request.Context(), id); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/health", func(c *gin.Context) {
		snap, err := o.Snapshot(c.Request.Context())
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	return r
}

func abort(c *gin.Context, err error) {
	code := core.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeBadRequest:
		status = http.StatusBadRequest
	case core.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}
