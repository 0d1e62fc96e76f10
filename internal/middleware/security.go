package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns middleware that sets security-related HTTP headers
// on every response. The API serves JSON only, so the CSP forbids every
// resource type and framing outright.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// TLS terminates at the reverse proxy; tell browsers to stay on HTTPS.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")

			// Token and profile responses must never be cached by intermediaries.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
