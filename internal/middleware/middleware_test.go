package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestCSRF(t *testing.T) {
	e := echo.New()
	e.POST("/api/auth/logout", okHandler, CSRF("auth_token"))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{
			name:   "no auth cookie passes",
			setup:  func(r *http.Request) {},
			status: http.StatusOK,
		},
		{
			name: "bearer header passes",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer abc")
				r.AddCookie(&http.Cookie{Name: "auth_token", Value: "abc"})
			},
			status: http.StatusOK,
		},
		{
			name: "cookie auth without token rejected",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "auth_token", Value: "abc"})
			},
			status: http.StatusForbidden,
		},
		{
			name: "cookie auth with mismatched token rejected",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "auth_token", Value: "abc"})
				r.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "t1"})
				r.Header.Set(CSRFHeaderName, "t2")
			},
			status: http.StatusForbidden,
		},
		{
			name: "cookie auth with matching token passes",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "auth_token", Value: "abc"})
				r.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "t1"})
				r.Header.Set(CSRFHeaderName, "t1")
			},
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestTrustedProxies_RealIP(t *testing.T) {
	e := echo.New()
	TrustedProxies(e, []string{"10.0.0.0/8", "not-a-cidr"})

	var got string
	e.GET("/", func(c echo.Context) error {
		got = c.RealIP()
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	e.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Errorf("trusted proxy: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	e.ServeHTTP(httptest.NewRecorder(), req)
	if got != "198.51.100.1" {
		t.Errorf("untrusted peer must not be able to spoof: got %q", got)
	}
}

func TestRecovery_ReturnsJSON500(t *testing.T) {
	e := echo.New()
	e.Use(Recovery())
	e.GET("/boom", func(c echo.Context) error { panic("kaboom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestLogger())
	e.GET("/", okHandler)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Error("expected incoming request id to be kept")
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/", okHandler)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"Content-Security-Policy", "X-Content-Type-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestTrustedProxies_IgnoresClientSuppliedHops(t *testing.T) {
	e := echo.New()
	TrustedProxies(e, []string{"10.0.0.0/8"})

	var got string
	e.GET("/", func(c echo.Context) error {
		got = c.RealIP()
		return nil
	})

	// The client prepended a fake address; the proxy appended the real one.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.9")
	e.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Errorf("expected rightmost untrusted hop, got %q", got)
	}
}

func TestCORS(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{AllowedOrigins: []string{"https://ledger.example.com"}, AllowCredentials: true}))
	e.GET("/api/auth/me", okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/me", nil)
	req.Header.Set("Origin", "https://ledger.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials to be allowed")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Errorf("expected Authorization in allowed headers, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not receive CORS headers")
	}
}
