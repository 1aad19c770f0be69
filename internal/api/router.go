// Package api assembles the admin HTTP surface: audit log access,
// settings management, the OAuth consent flow and test sends.
package api

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/shineum/mail-relay/internal/api/handlers"
	"github.com/shineum/mail-relay/internal/api/middleware"
	"github.com/shineum/mail-relay/internal/auditlog"
	"github.com/shineum/mail-relay/internal/oauth"
	"github.com/shineum/mail-relay/internal/router"
	"github.com/shineum/mail-relay/internal/settings"
)

// RouterConfig carries the collaborators the API serves.
type RouterConfig struct {
	DB       *gorm.DB
	Audit    *auditlog.Store
	Settings *settings.Store
	Tokens   *oauth.Manager
	Mail     *router.Router
	Log      *slog.Logger

	// APIKey guards everything under /api/v1. Empty disables
	// authentication.
	APIKey string
}

// NewRouter builds the echo instance with all routes attached. Health
// probes and the OAuth callback stay unauthenticated; the callback is
// opened by the operator's browser, which never carries the API key.
func NewRouter(cfg RouterConfig) *echo.Echo {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger(log))

	health := handlers.NewHealthHandler(cfg.DB)
	logs := handlers.NewLogsHandler(cfg.Audit)
	set := handlers.NewSettingsHandler(cfg.Settings, cfg.Audit)
	authz := handlers.NewOAuthHandler(cfg.Tokens, cfg.Settings, cfg.Audit)
	send := handlers.NewSendHandler(cfg.Mail)

	e.GET("/health", health.Health)
	e.GET("/ready", health.Ready)
	e.GET("/oauth/callback", authz.Callback)

	v1 := e.Group("/api/v1", middleware.APIKeyAuth(cfg.APIKey, log))
	v1.GET("/logs", logs.List)
	v1.DELETE("/logs", logs.Clear)
	v1.POST("/logs/prune", logs.Prune)
	v1.GET("/settings", set.Get)
	v1.PUT("/settings", set.Update)
	v1.POST("/vault/migrate", set.MigrateVault)
	v1.GET("/oauth/url", authz.URL)
	v1.POST("/oauth/revoke", authz.Revoke)
	v1.GET("/oauth/status", authz.Status)
	v1.POST("/send/test", send.Test)

	return e
}
