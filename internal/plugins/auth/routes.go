package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/pocketledger/pocketledger/internal/middleware"
)

// RegisterRoutes sets up all auth-related routes on the given Echo instance.
// Credential-bearing public endpoints share the Redis-backed per-IP limiter;
// everything under the authenticated group runs behind RequireAuth.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService, limiter *middleware.RateLimiter) {
	g := e.Group("/api/auth")

	// Public routes -- no auth required.
	limited := middleware.RateLimit(limiter)
	g.POST("/register", h.Register, limited)
	g.POST("/login", h.Login, limited)
	g.POST("/forgot-password", h.ForgotPassword, limited)
	g.POST("/reset-password", h.ResetPassword, limited)
	g.POST("/verify-email", h.VerifyEmail)
	g.POST("/validate-token", h.ValidateToken)

	// Authenticated routes.
	authed := g.Group("", RequireAuth(service))
	authed.POST("/logout", h.Logout)
	authed.POST("/refresh-token", h.RefreshToken)
	authed.GET("/me", h.Me)
	authed.POST("/change-password", h.ChangePassword)
	authed.PUT("/profile", h.UpdateProfile)
	authed.DELETE("/account", h.DeactivateAccount)
	authed.GET("/sessions", h.ListSessions)
	authed.DELETE("/sessions/:id", h.TerminateSession)
}
