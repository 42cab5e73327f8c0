package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid"

	"cloudrelay/internal/server/config"
	"cloudrelay/internal/server/metrics"
	"cloudrelay/internal/server/scheduler"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, sched *scheduler.Scheduler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.IPExtractor = IPExtractor(cfg.ClientIPSource)
	e.Validator = &CustomValidator{V: validator.New(validator.WithRequiredStructEnabled())}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return shortuuid.New() },
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, cfg.UserIDHeader},
	}))
	e.Use(RequestLogger())
	e.Use(sched.Middleware())
	e.Use(Identity(cfg.UserIDHeader))

	// Rate limiter on initiate only
	initiateLimiter := NewRateLimiter(cfg.RateLimitRPS)

	// Health
	e.GET("/health", handler.HandleHealth)

	// Uploads
	uploads := e.Group("/api")
	uploads.POST("/uploads", handler.HandleInitiate, LimitHandler(initiateLimiter))
	uploads.GET("/uploads/:id", handler.HandleInfo)
	uploads.GET("/uploads/:id/relay", handler.HandleRelay)
	uploads.POST("/uploads/:id/cancel", handler.HandleCancel)
	uploads.GET("/quota", handler.HandleQuota)

	// Admin
	admin := e.Group(cfg.AdminPathPrefix, AdminAuth(cfg.AdminKeyHash))
	admin.GET("/accounts", handler.HandleAccounts)
	admin.POST("/accounts/reload", handler.HandleReloadAccounts)
	admin.GET("/admission", handler.HandleAdmission)
	admin.GET("/stats", handler.HandleStats)
	admin.POST("/uploads/:id/backup", handler.HandleRetryBackup)
	admin.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return e
}

// StreamingSkipper keeps WebSocket relays off the scheduler lanes.
func StreamingSkipper(c echo.Context) bool {
	return c.IsWebSocket()
}
