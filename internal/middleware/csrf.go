package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// csrfTokenLength is the number of random bytes in a CSRF token (32 bytes = 64 hex chars).
const csrfTokenLength = 32

// CSRFCookieName is the name of the cookie that stores the CSRF token.
const CSRFCookieName = "pl_csrf"

// CSRFHeaderName is the header the frontend echoes the token in.
const CSRFHeaderName = "X-CSRF-Token"

// CSRF returns middleware that implements the double-submit cookie pattern
// for requests authenticated by the session cookie named authCookie.
//
// Clients that send an Authorization header are not exposed to CSRF (the
// browser never attaches that header on its own), so they are skipped. For
// cookie-authenticated mutating requests (POST, PUT, PATCH, DELETE) the
// X-CSRF-Token header must equal the pl_csrf cookie or the request is
// rejected with 403.
func CSRF(authCookie string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// Ensure a CSRF token cookie exists so the frontend can read it.
			cookie, err := req.Cookie(CSRFCookieName)
			if err != nil || cookie.Value == "" {
				token, genErr := generateCSRFToken()
				if genErr != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate CSRF token")
				}

				c.SetCookie(&http.Cookie{
					Name:     CSRFCookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: false, // Must be readable by JS to be echoed back.
					Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
					SameSite: http.SameSiteStrictMode,
				})
				cookie = nil
			}

			if isSafeMethod(req.Method) {
				return next(c)
			}
			if strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
				return next(c)
			}
			if auth, err := req.Cookie(authCookie); err != nil || auth.Value == "" {
				// Not cookie-authenticated; nothing for a forged request to ride on.
				return next(c)
			}

			submitted := req.Header.Get(CSRFHeaderName)
			if cookie == nil || submitted == "" ||
				subtle.ConstantTimeCompare([]byte(submitted), []byte(cookie.Value)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "invalid or missing CSRF token")
			}

			return next(c)
		}
	}
}

// isSafeMethod returns true for HTTP methods that should not change state.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

// generateCSRFToken generates a cryptographically random hex-encoded token.
func generateCSRFToken() (string, error) {
	b := make([]byte, csrfTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
