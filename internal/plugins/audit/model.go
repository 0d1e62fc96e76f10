// Package audit records the outcome of every authentication operation.
// Events are handed to a Dispatcher that forwards them asynchronously to a
// Sink, so a slow or failing sink never delays or fails the operation that
// produced the event. The default sink writes to the auth_logs table and the
// structured log stream.
package audit

import "time"

// --- Action Constants ---
// One action per orchestrator operation. Stored verbatim in auth_logs.action.

const (
	ActionRegister             = "register"
	ActionLogin                = "login"
	ActionLogout               = "logout"
	ActionRefreshToken         = "refresh_token"
	ActionResetPasswordRequest = "reset_password_request"
	ActionResetPasswordConfirm = "reset_password_confirm"
	ActionVerifyEmail          = "verify_email"
	ActionChangePassword       = "change_password"
	ActionUpdateProfile        = "update_profile"
	ActionDeactivateAccount    = "deactivate_account"
	ActionTerminateSession     = "terminate_session"
)

// Severity grades an event for alerting. Values match the auth_logs.severity
// ENUM.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is a single recorded authentication outcome. UserID is nil when the
// acting user is unknown (failed login for an unknown email, anonymous reset
// request). Details holds action-specific metadata such as the failure type;
// it never holds passwords or full tokens.
type Event struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	UserID    *int64         `json:"user_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Severity  Severity       `json:"severity"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
