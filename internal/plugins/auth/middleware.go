package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// Context keys for storing session data in Echo context. Other plugins
// use these keys (via the exported getter functions below) to access
// the authenticated user's information.
const (
	contextKeySession = "auth_session"
	contextKeyClaims  = "auth_claims"
	contextKeyUserID  = "auth_user_id"
)

// RequireAuth returns middleware that validates the bearer token (from the
// Authorization header, or the auth cookie for browsers) against its
// session and injects the session into the request context. Failures are
// returned as AppErrors and rendered by the central error handler.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getRequestToken(c)
			if token == "" {
				return apperror.NewUnauthorized("authentication required")
			}

			info, err := service.ValidateSession(c.Request().Context(), token)
			if err != nil {
				// Invalid or expired session -- clear the stale cookie.
				clearSessionCookie(c)
				return err
			}

			// Store session data in context for downstream handlers.
			c.Set(contextKeySession, info.Session)
			c.Set(contextKeyClaims, info.Claims)
			c.Set(contextKeyUserID, info.Session.UserID)

			return next(c)
		}
	}
}

// --- Exported getters for other plugins ---

// GetSession retrieves the authenticated session from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func GetSession(c echo.Context) *Session {
	session, ok := c.Get(contextKeySession).(*Session)
	if !ok {
		return nil
	}
	return session
}

// GetClaims retrieves the verified token claims from the Echo context.
func GetClaims(c echo.Context) *Claims {
	claims, ok := c.Get(contextKeyClaims).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetUserID retrieves the authenticated user's ID from the Echo context.
// Returns 0 if the request is not authenticated.
func GetUserID(c echo.Context) int64 {
	id, ok := c.Get(contextKeyUserID).(int64)
	if !ok {
		return 0
	}
	return id
}

// --- Helpers ---

// getRequestToken reads "Authorization: Bearer <token>", falling back to
// the auth cookie.
func getRequestToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return getSessionToken(c)
}
