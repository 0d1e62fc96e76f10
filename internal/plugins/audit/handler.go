package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// UserIDFunc extracts the authenticated user's ID from the request context.
// Returns 0 when no user is attached.
type UserIDFunc func(c echo.Context) int64

// Handler handles HTTP requests for the authenticated user's auth history.
// Handlers are thin: bind request, call service, render response.
type Handler struct {
	service AuditService
	userID  UserIDFunc
}

// NewHandler creates a new audit handler.
func NewHandler(service AuditService, userID UserIDFunc) *Handler {
	return &Handler{service: service, userID: userID}
}

// Activity returns the caller's recent auth events (GET /api/auth/activity).
func (h *Handler) Activity(c echo.Context) error {
	uid := h.userID(c)
	if uid == 0 {
		return apperror.NewMissingContext()
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	events, err := h.service.RecentActivity(c.Request().Context(), uid, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
	})
}
