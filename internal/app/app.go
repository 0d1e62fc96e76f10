// Package app is the application bootstrap and dependency injection root.
// It creates and holds all shared infrastructure (DB pool, Redis client,
// Echo instance) and wires together the auth and audit plugins.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/pocketledger/pocketledger/internal/apperror"
	"github.com/pocketledger/pocketledger/internal/config"
	"github.com/pocketledger/pocketledger/internal/middleware"
	"github.com/pocketledger/pocketledger/internal/plugins/audit"
	"github.com/pocketledger/pocketledger/internal/plugins/auth"
	"github.com/pocketledger/pocketledger/internal/plugins/smtp"
)

// App holds all shared dependencies and the Echo HTTP server instance.
// Created once at startup in main.go and used to register all routes.
type App struct {
	// Config holds the loaded application configuration.
	Config *config.Config

	// DB is the MariaDB connection pool shared by all plugins.
	DB *sql.DB

	// Redis is the Redis client used for rate limiting.
	Redis *redis.Client

	// Echo is the HTTP server instance.
	Echo *echo.Echo

	// Audit forwards auth events to storage off the request path. Close it
	// after the HTTP server has shut down.
	Audit *audit.Dispatcher

	auth auth.AuthService
}

// New creates a new App instance with the given dependencies and configures
// the Echo server with global middleware and error handling.
func New(cfg *config.Config, db *sql.DB, rdb *redis.Client) *App {
	e := echo.New()

	// Disable Echo's default banner and startup message -- we log our own.
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	// c.RealIP() feeds rate limiting, session metadata and the audit log.
	middleware.TrustedProxies(e, cfg.TrustedProxies)

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Echo:   e,
	}

	app.setupMiddleware()
	e.HTTPErrorHandler = errorHandler

	app.setupPlugins()

	return app
}

// setupMiddleware registers global middleware on the Echo instance.
// Order matters: outermost (recovery) runs first, innermost (CSRF) runs last.
func (a *App) setupMiddleware() {
	// Panic recovery -- must be outermost to catch panics from all other middleware.
	a.Echo.Use(middleware.Recovery())

	// Request logging -- log every request with method, path, status, latency.
	a.Echo.Use(middleware.RequestLogger())

	// Security headers -- X-Frame-Options, X-Content-Type-Options, etc.
	a.Echo.Use(middleware.SecurityHeaders())

	a.Echo.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   []string{a.Config.BaseURL},
		AllowCredentials: true,
	}))

	// CSRF only applies to cookie-authenticated browser requests.
	a.Echo.Use(middleware.CSRF(auth.CookieName))
}

// setupPlugins builds the audit pipeline and the auth service.
func (a *App) setupPlugins() {
	auditRepo := audit.NewAuditRepository(a.DB)
	a.Audit = audit.NewDispatcher(a.Config.Audit.BufferSize, audit.MultiSink{
		audit.NewRepositorySink(auditRepo),
		audit.NewLogSink(nil),
	})

	smtpCfg := a.Config.SMTP
	mailer := smtp.NewSMTPService(smtp.Settings{
		Host:        smtpCfg.Host,
		Port:        smtpCfg.Port,
		Username:    smtpCfg.Username,
		Password:    smtpCfg.Password,
		FromAddress: smtpCfg.FromAddress,
		FromName:    smtpCfg.FromName,
		Encryption:  smtpCfg.Encryption,
	})

	authCfg := a.Config.Auth
	a.auth = auth.NewAuthService(
		auth.NewUserRepository(a.DB),
		auth.NewSessionRepository(a.DB),
		a.Audit,
		mailer,
		auth.ServiceConfig{
			JWTSecret:        authCfg.JWTSecret,
			TokenTTL:         authCfg.TokenTTL,
			BcryptCost:       authCfg.BcryptCost,
			LockoutThreshold: authCfg.LockoutThreshold,
			LockoutDuration:  authCfg.LockoutDuration,
			ResetTokenTTL:    authCfg.ResetTokenTTL,
			BaseURL:          a.Config.BaseURL,
		},
	)
}

// errorHandler is the custom Echo error handler. Every response is JSON:
// AppErrors render their type, safe message and field errors; anything else
// becomes a generic 500 and is logged.
func errorHandler(err error, c echo.Context) {
	// Don't double-write if response is already committed.
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	typ := apperror.TypeInternal
	message := defaultErrorMessage(code)
	var fields map[string]string

	var appErr *apperror.AppError
	var echoErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		code = appErr.Code
		typ = appErr.Type
		message = appErr.Message
		fields = appErr.Fields

		// Log internal errors with the underlying cause.
		if appErr.Internal != nil {
			slog.Error("internal error",
				slog.String("type", appErr.Type),
				slog.String("message", appErr.Message),
				slog.Any("internal", appErr.Internal),
				slog.String("path", c.Request().URL.Path),
			)
		}
		if appErr.Type == apperror.TypeAccountLocked {
			c.Response().Header().Set("Retry-After", strconv.FormatInt(appErr.RetryAfterSeconds(), 10))
		}

	case errors.As(err, &echoErr):
		// Echo's built-in HTTP errors (404 from the router, 405, 413).
		code = echoErr.Code
		typ = echoErrorType(code)
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		} else {
			message = defaultErrorMessage(code)
		}

	default:
		// Truly unexpected error -- log it.
		slog.Error("unhandled error",
			slog.Any("error", err),
			slog.String("path", c.Request().URL.Path),
		)
	}

	body := map[string]any{
		"success": false,
		"error":   typ,
		"message": message,
	}
	if len(fields) > 0 {
		body["fields"] = fields
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}

// echoErrorType maps router-level status codes to error types.
func echoErrorType(code int) string {
	switch code {
	case http.StatusNotFound:
		return apperror.TypeNotFound
	case http.StatusUnauthorized:
		return apperror.TypeUnauthorized
	case http.StatusForbidden:
		return apperror.TypeForbidden
	case http.StatusInternalServerError:
		return apperror.TypeInternal
	default:
		return apperror.TypeBadRequest
	}
}

// defaultErrorMessage returns a user-friendly message for common HTTP status codes
// when no specific message was provided by the error.
func defaultErrorMessage(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "The request was invalid or cannot be processed."
	case http.StatusUnauthorized:
		return "Authentication is required."
	case http.StatusForbidden:
		return "You don't have permission to access this resource."
	case http.StatusNotFound:
		return "The resource you're looking for doesn't exist."
	case http.StatusMethodNotAllowed:
		return "This action is not allowed."
	case http.StatusTooManyRequests:
		return "You're making too many requests. Please slow down."
	case http.StatusServiceUnavailable:
		return "The service is temporarily unavailable. Please try again later."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// Close drains background work once the HTTP server has stopped: pending
// emails first, then the audit queue, whose sink needs the DB pool.
func (a *App) Close(ctx context.Context) {
	if err := a.auth.Shutdown(ctx); err != nil {
		slog.Error("auth shutdown incomplete", slog.Any("error", err))
	}
	a.Audit.Close()
	if n := a.Audit.Dropped(); n > 0 {
		slog.Warn("audit events dropped", slog.Uint64("count", n))
	}
}

// Start begins listening for HTTP requests on the configured port.
func (a *App) Start() error {
	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting PocketLedger server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
	)
	return a.Echo.Start(addr)
}
