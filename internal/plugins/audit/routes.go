package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the activity feed under /api/auth. requireAuth is
// the auth plugin's session middleware; it is passed in so this package does
// not import auth.
func RegisterRoutes(e *echo.Echo, h *Handler, requireAuth echo.MiddlewareFunc) {
	e.GET("/api/auth/activity", h.Activity, requireAuth)
}
