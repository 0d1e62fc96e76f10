package app

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pocketledger/pocketledger/internal/database"
	"github.com/pocketledger/pocketledger/internal/middleware"
	"github.com/pocketledger/pocketledger/internal/plugins/audit"
	"github.com/pocketledger/pocketledger/internal/plugins/auth"
)

// RegisterRoutes sets up all application routes. It registers public routes
// directly and delegates to each plugin's route registration function.
//
// This is the single place where all routes are aggregated. When a new
// plugin is added, its routes are registered here.
func (a *App) RegisterRoutes() {
	e := a.Echo

	// Health check endpoint for container health monitoring.
	e.GET("/healthz", a.health)

	limiter := middleware.NewRateLimiter(a.Redis, a.Config.RateLimit.AuthRequests, a.Config.RateLimit.Window)

	authHandler := auth.NewHandler(a.auth, a.Config.IsDevelopment(), a.Config.Auth.TokenTTL)
	auth.RegisterRoutes(e, authHandler, a.auth, limiter)

	auditHandler := audit.NewHandler(audit.NewAuditService(audit.NewAuditRepository(a.DB)), auth.GetUserID)
	audit.RegisterRoutes(e, auditHandler, auth.RequireAuth(a.auth))
}

// health reports MariaDB and Redis connectivity.
func (a *App) health(c echo.Context) error {
	h := database.CheckHealth(c.Request().Context(), a.DB, a.Redis)
	code := http.StatusOK
	status := "ok"
	if !h.OK() {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	return c.JSON(code, map[string]any{
		"status":   status,
		"database": h.Database,
		"redis":    h.Redis,
	})
}
