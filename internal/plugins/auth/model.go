// Package auth owns the credential and session lifecycle for PocketLedger:
// registration, login with brute-force lockout, bearer-token issuance and
// validation, session tracking and revocation, password reset and email
// verification. Every operation goes through AuthService, which emits one
// audit event per outcome.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"time"
)

// TokenExpiresInLabel is the human-readable lifetime returned with every
// issued token.
const TokenExpiresInLabel = "24h"

// DeactivateConfirmation must be sent verbatim to deactivate an account.
const DeactivateConfirmation = "CONFIRM_DELETE"

// User is a registered account row. It is never serialized directly; use
// Public() for anything that leaves the service.
type User struct {
	ID                  int64
	Name                string
	Email               string
	PasswordHash        string
	EmailVerified       bool
	Active              bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	ResetToken          *string
	ResetTokenExpiresAt *time.Time
	VerificationToken   *string
	LastLoginAt         *time.Time
	LastLoginIP         *string
	LastLoginUserAgent  *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PublicUser is the projection of User safe to return to clients. It has no
// field for the password hash or any single-use token.
type PublicUser struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP   string     `json:"last_login_ip,omitempty"`
}

// Public returns the client-safe projection of u.
func (u *User) Public() PublicUser {
	p := PublicUser{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
	if u.LastLoginIP != nil {
		p.LastLoginIP = *u.LastLoginIP
	}
	return p
}

// Session binds an issued token to a user and a validity window. Rows are
// deactivated, never deleted.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// ClientInfo describes the caller of a request. Populated by the handler
// from the Echo context.
type ClientInfo struct {
	IP        string
	UserAgent string
	Device    string
}

// --- Request DTOs (bound from HTTP requests) ---

// RegisterRequest holds the registration payload.
type RegisterRequest struct {
	Name            string `json:"name" validate:"required,max=100"`
	Email           string `json:"email" validate:"required,email,max=255"`
	Password        string `json:"password" validate:"required,max=128"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// LoginRequest holds the login payload.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
	Device   string `json:"device" validate:"max=50"`
}

// ForgotPasswordRequest holds the reset request payload.
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest holds the reset confirmation payload.
type ResetPasswordRequest struct {
	Token              string `json:"token" validate:"required,hexadecimal,min=32,max=255"`
	NewPassword        string `json:"new_password" validate:"required,max=128"`
	ConfirmNewPassword string `json:"confirm_new_password" validate:"required,eqfield=NewPassword"`
}

// VerifyEmailRequest holds the email verification payload.
type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required,hexadecimal,min=32,max=255"`
}

// ValidateTokenRequest holds a bearer token to check.
type ValidateTokenRequest struct {
	Token string `json:"token" validate:"required,jwt"`
}

// ChangePasswordRequest holds the change-password payload.
type ChangePasswordRequest struct {
	CurrentPassword    string `json:"current_password" validate:"required,max=128"`
	NewPassword        string `json:"new_password" validate:"required,max=128"`
	ConfirmNewPassword string `json:"confirm_new_password" validate:"required,eqfield=NewPassword"`
}

// UpdateProfileRequest holds the profile update payload.
type UpdateProfileRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// DeactivateAccountRequest holds the account deactivation payload.
type DeactivateAccountRequest struct {
	Confirmation string `json:"confirmation" validate:"required"`
}

// --- Service Input DTOs (passed from handler to service) ---

// RegisterInput is the input for creating a new user.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginInput is the input for authenticating a user.
type LoginInput struct {
	Email    string
	Password string
}

// --- Service results ---

// RegisterResult is returned by a successful registration. The verification
// token is handed to the Mailer and never serialized by the handler.
type RegisterResult struct {
	User              PublicUser
	VerificationToken string
}

// LoginResult is returned by a successful login or token refresh.
type LoginResult struct {
	User      PublicUser `json:"user"`
	Token     string     `json:"token"`
	ExpiresIn string     `json:"expires_in"`
}

// ResetRequestedMessage is the only message RequestPasswordReset ever
// returns, whether or not the email is registered.
const ResetRequestedMessage = "If an account exists for this email, a password reset link has been sent."

// ResetRequestResult is returned by RequestPasswordReset. Token and UserID
// are zero when the email is unknown; callers must not let their presence
// change the response outside development mode.
type ResetRequestResult struct {
	Message string
	Token   string
	UserID  int64
}

// SessionInfo is returned by ValidateSession.
type SessionInfo struct {
	Claims  *Claims
	Session *Session
}

// SessionView is one entry of the active-sessions listing. The token is
// masked; Current marks the session making the request.
type SessionView struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}
