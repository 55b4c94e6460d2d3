// Package apiserver exposes the HTTP management API: instance lifecycle,
// message sending and log retrieval. Every route requires the static API key
// header; the core lifecycle logic lives in internal/instance.
package apiserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/jcastroa/whatsapp-api/internal/app"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"github.com/jcastroa/whatsapp-api/internal/relay"
	"go.uber.org/zap"
)

// ApiKeyHeader authenticates API callers.
const ApiKeyHeader = "X-API-Key"

type Server struct {
	app   app.AppContext
	mgr   *instance.Manager
	relay *relay.Relay
	echo  *echo.Echo
}

func NewServer(appCtx app.AppContext, mgr *instance.Manager, rl *relay.Relay) *Server {
	s := &Server{app: appCtx, mgr: mgr, relay: rl}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	api := e.Group("/api", s.apiKeyMiddleware)
	api.POST("/instances", s.createInstance)
	api.GET("/instances", s.listInstances)
	api.GET("/instances/:id", s.getInstanceStatus)
	api.GET("/instances/:id/qr", s.getInstanceQR)
	api.PUT("/instances/:id/webhook", s.updateInstanceWebhook)
	api.DELETE("/instances/:id", s.deleteInstance)
	api.POST("/instances/:id/messages", s.sendMessage)
	api.GET("/instances/:id/messages", s.listMessages)
	api.GET("/instances/:id/webhook-logs", s.listWebhookLogs)

	s.echo = e
	return s
}

// Echo exposes the underlying router (used in tests).
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	cfg := s.app.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("api server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// apiKeyMiddleware rejects requests without the configured static API key.
func (s *Server) apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := s.app.Config().Web.ApiKey
		if key == "" {
			return fail(c, http.StatusServiceUnavailable, "API_KEY_UNSET",
				"Server has no API key configured", nil)
		}
		got := c.Request().Header.Get(ApiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key", nil)
		}
		return next(c)
	}
}
