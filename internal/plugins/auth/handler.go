package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// sessionCookieName is the HTTP cookie used by browsers to carry the bearer
// token. API clients send it in the Authorization header instead.
const sessionCookieName = "auth_token"

// CookieName exposes the auth cookie name for the CSRF middleware.
const CookieName = sessionCookieName

// Handler handles HTTP requests for authentication. Handlers are thin: they
// bind and validate the request, call the service, and render JSON. No
// business logic lives here.
type Handler struct {
	service AuthService

	// exposeTokens returns reset and verification tokens in responses.
	// Development only: there is no mail server locally.
	exposeTokens bool
	tokenTTL     time.Duration
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service AuthService, exposeTokens bool, tokenTTL time.Duration) *Handler {
	return &Handler{service: service, exposeTokens: exposeTokens, tokenTTL: tokenTTL}
}

// bind decodes and validates the request body into req.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}
	return c.Validate(req)
}

// clientInfo collects the caller's address and agent.
func clientInfo(c echo.Context, device string) ClientInfo {
	return ClientInfo{
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		Device:    device,
	}
}

// Register creates an account (POST /api/auth/register).
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.service.Register(c.Request().Context(), RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	}, clientInfo(c, ""))
	if err != nil {
		return err
	}

	resp := map[string]any{
		"success": true,
		"message": "Account created. Check your email to verify your address.",
		"user":    result.User,
	}
	if h.exposeTokens {
		resp["verification_token"] = result.VerificationToken
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login authenticates and sets the auth cookie (POST /api/auth/login).
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.service.Login(c.Request().Context(), LoginInput{
		Email:    req.Email,
		Password: req.Password,
	}, clientInfo(c, req.Device))
	if err != nil {
		return err
	}

	h.setSessionCookie(c, result.Token)
	return c.JSON(http.StatusOK, loginResponse(result))
}

func loginResponse(result *LoginResult) map[string]any {
	return map[string]any{
		"success":    true,
		"user":       result.User,
		"token":      result.Token,
		"expires_in": result.ExpiresIn,
	}
}

// Logout revokes the current session (POST /api/auth/logout).
func (h *Handler) Logout(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	if err := h.service.Logout(c.Request().Context(), session.UserID, session.Token, clientInfo(c, session.Device)); err != nil {
		return err
	}

	clearSessionCookie(c)
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out.",
	})
}

// RefreshToken replaces the current session (POST /api/auth/refresh-token).
func (h *Handler) RefreshToken(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	result, err := h.service.RefreshToken(c.Request().Context(), session.Token, clientInfo(c, session.Device))
	if err != nil {
		return err
	}

	h.setSessionCookie(c, result.Token)
	return c.JSON(http.StatusOK, loginResponse(result))
}

// ValidateToken reports whether a token is backed by a live session
// (POST /api/auth/validate-token).
func (h *Handler) ValidateToken(c echo.Context) error {
	var req ValidateTokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	info, err := h.service.ValidateSession(c.Request().Context(), req.Token)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"valid":   true,
		"user": map[string]any{
			"id":             info.Claims.Subject,
			"email":          info.Claims.Email,
			"name":           info.Claims.Name,
			"email_verified": info.Claims.EmailVerified,
		},
		"expires_at": info.Session.ExpiresAt,
	})
}

// Me returns the authenticated account (GET /api/auth/me).
func (h *Handler) Me(c echo.Context) error {
	userID := GetUserID(c)
	if userID == 0 {
		return apperror.NewMissingContext()
	}

	user, err := h.service.Me(c.Request().Context(), userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

// --- Password Reset and Verification ---

// ForgotPassword starts a password reset (POST /api/auth/forgot-password).
// The response is the same whether or not the email is registered.
func (h *Handler) ForgotPassword(c echo.Context) error {
	var req ForgotPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.service.RequestPasswordReset(c.Request().Context(), req.Email, clientInfo(c, ""))
	if err != nil {
		return err
	}

	resp := map[string]any{
		"success": true,
		"message": result.Message,
	}
	if h.exposeTokens && result.Token != "" {
		resp["reset_token"] = result.Token
	}
	return c.JSON(http.StatusOK, resp)
}

// ResetPassword redeems a reset token (POST /api/auth/reset-password).
func (h *Handler) ResetPassword(c echo.Context) error {
	var req ResetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.service.ConfirmPasswordReset(c.Request().Context(), req.Token, req.NewPassword, clientInfo(c, "")); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Password has been reset. Sign in with your new password.",
	})
}

// VerifyEmail redeems a verification token (POST /api/auth/verify-email).
func (h *Handler) VerifyEmail(c echo.Context) error {
	var req VerifyEmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.service.VerifyEmail(c.Request().Context(), req.Token, clientInfo(c, ""))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Email verified.",
		"user":    user,
	})
}

// --- Account Management ---

// ChangePassword sets a new password (POST /api/auth/change-password).
// Every other session is signed out.
func (h *Handler) ChangePassword(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	var req ChangePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	err := h.service.ChangePassword(c.Request().Context(), session.UserID,
		req.CurrentPassword, req.NewPassword, session.Token, clientInfo(c, session.Device))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Password changed. Other sessions have been signed out.",
	})
}

// UpdateProfile changes the display name (PUT /api/auth/profile).
func (h *Handler) UpdateProfile(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	var req UpdateProfileRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.service.UpdateProfile(c.Request().Context(), session.UserID, req.Name, clientInfo(c, session.Device))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

// DeactivateAccount soft-deletes the account (DELETE /api/auth/account).
func (h *Handler) DeactivateAccount(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	var req DeactivateAccountRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.service.DeactivateAccount(c.Request().Context(), session.UserID, req.Confirmation, clientInfo(c, session.Device)); err != nil {
		return err
	}

	clearSessionCookie(c)
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Account deactivated.",
	})
}

// ListSessions lists the caller's active sessions (GET /api/auth/sessions).
func (h *Handler) ListSessions(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	sessions, err := h.service.ListSessions(c.Request().Context(), session.UserID, session.Token)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"sessions": sessions,
	})
}

// TerminateSession revokes one session (DELETE /api/auth/sessions/:id).
func (h *Handler) TerminateSession(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewMissingContext()
	}

	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		return apperror.NewBadRequest("invalid session id")
	}

	if err := h.service.TerminateSession(c.Request().Context(), session.UserID, sessionID, clientInfo(c, session.Device)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Session terminated.",
	})
}

// --- Cookie helpers ---

// getSessionToken reads the bearer token from the auth cookie.
func getSessionToken(c echo.Context) string {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

// setSessionCookie sets the auth cookie on the response. The cookie is
// HttpOnly (JS can't read it), Secure if behind TLS, and SameSite=Lax. It
// lives exactly as long as the token.
func (h *Handler) setSessionCookie(c echo.Context, token string) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.tokenTTL / time.Second),
	})
}

// clearSessionCookie removes the auth cookie by setting MaxAge to -1.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
