package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
	"github.com/pocketledger/pocketledger/internal/plugins/audit"
)

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repositories or the
// individual flows directly. Every method except the read-only ones
// (ValidateSession, Me, ListSessions) emits exactly one audit event.
type AuthService interface {
	Register(ctx context.Context, input RegisterInput, client ClientInfo) (*RegisterResult, error)
	Login(ctx context.Context, input LoginInput, client ClientInfo) (*LoginResult, error)
	Logout(ctx context.Context, userID int64, token string, client ClientInfo) error
	RefreshToken(ctx context.Context, token string, client ClientInfo) (*LoginResult, error)
	ValidateSession(ctx context.Context, token string) (*SessionInfo, error)
	Me(ctx context.Context, userID int64) (*PublicUser, error)

	RequestPasswordReset(ctx context.Context, email string, client ClientInfo) (*ResetRequestResult, error)
	ConfirmPasswordReset(ctx context.Context, token, newPassword string, client ClientInfo) error
	VerifyEmail(ctx context.Context, token string, client ClientInfo) (*PublicUser, error)

	ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword, currentToken string, client ClientInfo) error
	UpdateProfile(ctx context.Context, userID int64, name string, client ClientInfo) (*PublicUser, error)
	DeactivateAccount(ctx context.Context, userID int64, confirmation string, client ClientInfo) error
	ListSessions(ctx context.Context, userID int64, currentToken string) ([]SessionView, error)
	TerminateSession(ctx context.Context, userID, sessionID int64, client ClientInfo) error

	// Shutdown waits for in-flight email deliveries until ctx is done.
	Shutdown(ctx context.Context) error
}

// ServiceConfig holds the tunables of the auth core.
type ServiceConfig struct {
	JWTSecret        string
	TokenTTL         time.Duration
	BcryptCost       int
	LockoutThreshold int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration

	// BaseURL prefixes the links in verification and reset emails.
	BaseURL string

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// authService implements AuthService by composing the credential, session,
// reset and verification components.
type authService struct {
	credentials  *CredentialManager
	sessions     *SessionManager
	reset        *ResetFlow
	verification *VerificationFlow

	audit    audit.Emitter
	notifier *notifier

	// mailWG tracks in-flight email deliveries.
	mailWG sync.WaitGroup
}

// NewAuthService creates the auth orchestrator. events may be nil (events
// are discarded); mail may be nil (messages are only logged).
func NewAuthService(users UserRepository, sessions SessionRepository, events audit.Emitter, mail MailSender, cfg ServiceConfig) AuthService {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if events == nil {
		events = noopEmitter{}
	}

	hasher := NewPasswordHasher(cfg.BcryptCost)
	tokens := NewTokenService(cfg.JWTSecret, ttl, now)
	sessionManager := NewSessionManager(sessions, tokens, now)
	lockout := NewLockoutGuard(users, cfg.LockoutThreshold, cfg.LockoutDuration)

	return &authService{
		credentials:  NewCredentialManager(users, hasher, lockout, tokens, sessionManager, now),
		sessions:     sessionManager,
		reset:        NewResetFlow(users, hasher, sessionManager, cfg.ResetTokenTTL, now),
		verification: NewVerificationFlow(users),
		audit:        events,
		notifier:     &notifier{mail: mail, baseURL: cfg.BaseURL},
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, audit.Event) {}

// auditEntry is filled in by an operation while it runs. audited turns it
// into the event.
type auditEntry struct {
	userID   int64
	email    string
	severity audit.Severity
	details  map[string]any
}

func (e *auditEntry) set(key string, value any) {
	e.details[key] = value
}

// audited is the single exit point of every audited operation. It runs fn,
// then emits one event describing the outcome. Emitting never blocks and
// never changes the returned error.
func (s *authService) audited(ctx context.Context, action string, client ClientInfo, fn func(*auditEntry) error) error {
	entry := &auditEntry{details: map[string]any{}}
	err := fn(entry)

	event := audit.Event{
		Action:    action,
		Success:   err == nil,
		Email:     entry.email,
		Severity:  entry.severity,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
	}
	if entry.userID > 0 {
		uid := entry.userID
		event.UserID = &uid
	}
	if err != nil {
		entry.details["error"] = errorType(err)
		if event.Severity == "" {
			event.Severity = audit.SeverityMedium
		}
	} else if event.Severity == "" {
		event.Severity = audit.SeverityLow
	}
	if len(entry.details) > 0 {
		event.Details = entry.details
	}

	s.audit.Emit(context.WithoutCancel(ctx), event)
	return err
}

func errorType(err error) string {
	if appErr := apperror.As(err); appErr != nil {
		return appErr.Type
	}
	return apperror.TypeInternal
}

// deliver sends an email in the background so SMTP latency never reaches
// the response, and so a reset request takes the same time whether or not
// the email is registered.
func (s *authService) deliver(ctx context.Context, kind, to, subject, body, token string) {
	s.mailWG.Add(1)
	go func() {
		defer s.mailWG.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
		defer cancel()
		s.notifier.send(ctx, kind, to, subject, body, token)
	}()
}

// Shutdown blocks until every queued email has been handed to the mail
// sender, or ctx ends first. Call it after the HTTP server has stopped.
func (s *authService) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.mailWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		slog.Warn("email deliveries still in flight at shutdown")
		return fmt.Errorf("waiting for email delivery: %w", ctx.Err())
	}
}

// --- Registration and login ---

// Register creates an account and sends the verification email.
func (s *authService) Register(ctx context.Context, input RegisterInput, client ClientInfo) (*RegisterResult, error) {
	var result *RegisterResult
	err := s.audited(ctx, audit.ActionRegister, client, func(e *auditEntry) error {
		e.email = normalizeEmail(input.Email)

		user, err := s.credentials.Register(ctx, input)
		if err != nil {
			return err
		}
		e.userID = user.ID

		token := ""
		if user.VerificationToken != nil {
			token = *user.VerificationToken
		}
		result = &RegisterResult{User: user.Public(), VerificationToken: token}

		subject, body := s.notifier.verificationMessage(user.Name, token)
		s.deliver(ctx, "verification", user.Email, subject, body, token)
		return nil
	})
	return result, err
}

// Login authenticates and opens a session.
func (s *authService) Login(ctx context.Context, input LoginInput, client ClientInfo) (*LoginResult, error) {
	var result *LoginResult
	err := s.audited(ctx, audit.ActionLogin, client, func(e *auditEntry) error {
		e.email = normalizeEmail(input.Email)
		e.set("device", deviceOrDefault(client.Device))

		res, attempt, err := s.credentials.Login(ctx, input, client)
		e.userID = attempt.UserID
		if attempt.UserID > 0 {
			e.set("failed_attempts", attempt.Attempts)
		}
		switch {
		case attempt.Locked:
			e.severity = audit.SeverityHigh
		case attempt.LockApplied:
			e.severity = audit.SeverityHigh
			e.set("lock_applied", true)
		}
		if err != nil {
			return err
		}

		result = res
		return nil
	})
	return result, err
}

// Logout revokes the caller's session.
func (s *authService) Logout(ctx context.Context, userID int64, token string, client ClientInfo) error {
	return s.audited(ctx, audit.ActionLogout, client, func(e *auditEntry) error {
		e.userID = userID
		return s.sessions.Invalidate(ctx, userID, token)
	})
}

// RefreshToken swaps a valid session for a new one.
func (s *authService) RefreshToken(ctx context.Context, token string, client ClientInfo) (*LoginResult, error) {
	var result *LoginResult
	err := s.audited(ctx, audit.ActionRefreshToken, client, func(e *auditEntry) error {
		claims, _, err := s.sessions.Validate(ctx, token)
		if err != nil {
			return err
		}
		e.userID = claims.Subject
		e.email = claims.Email

		res, err := s.credentials.Refresh(ctx, claims, token, client)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// ValidateSession checks a bearer token against its session. Not audited:
// it runs on every authenticated request.
func (s *authService) ValidateSession(ctx context.Context, token string) (*SessionInfo, error) {
	claims, session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{Claims: claims, Session: session}, nil
}

// Me returns the caller's account.
func (s *authService) Me(ctx context.Context, userID int64) (*PublicUser, error) {
	return s.credentials.Me(ctx, userID)
}

// --- Password reset and verification ---

// RequestPasswordReset stores a reset token and emails it when the address
// is registered. The returned message never depends on that.
func (s *authService) RequestPasswordReset(ctx context.Context, email string, client ClientInfo) (*ResetRequestResult, error) {
	var result *ResetRequestResult
	err := s.audited(ctx, audit.ActionResetPasswordRequest, client, func(e *auditEntry) error {
		e.email = normalizeEmail(email)

		res, user, err := s.reset.Request(ctx, email)
		if err != nil {
			return err
		}
		result = res
		if user == nil {
			e.set("account_found", false)
			return nil
		}

		e.userID = user.ID
		e.set("account_found", true)
		subject, body := s.notifier.resetMessage(user.Name, res.Token, s.reset.TTL())
		s.deliver(ctx, "password_reset", user.Email, subject, body, res.Token)
		return nil
	})
	return result, err
}

// ConfirmPasswordReset redeems a reset token.
func (s *authService) ConfirmPasswordReset(ctx context.Context, token, newPassword string, client ClientInfo) error {
	return s.audited(ctx, audit.ActionResetPasswordConfirm, client, func(e *auditEntry) error {
		user, revoked, err := s.reset.Confirm(ctx, token, newPassword)
		if user != nil {
			e.userID = user.ID
			e.email = user.Email
		}
		if err != nil {
			return err
		}
		e.set("sessions_revoked", revoked)
		return nil
	})
}

// VerifyEmail redeems a verification token.
func (s *authService) VerifyEmail(ctx context.Context, token string, client ClientInfo) (*PublicUser, error) {
	var result *PublicUser
	err := s.audited(ctx, audit.ActionVerifyEmail, client, func(e *auditEntry) error {
		user, err := s.verification.Verify(ctx, token)
		if err != nil {
			return err
		}
		e.userID = user.ID
		e.email = user.Email

		pub := user.Public()
		result = &pub
		return nil
	})
	return result, err
}

// --- Account management ---

// ChangePassword sets a new password and revokes the user's other sessions.
func (s *authService) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword, currentToken string, client ClientInfo) error {
	return s.audited(ctx, audit.ActionChangePassword, client, func(e *auditEntry) error {
		e.userID = userID
		revoked, err := s.credentials.ChangePassword(ctx, userID, currentPassword, newPassword, currentToken)
		if err != nil {
			return err
		}
		e.set("sessions_revoked", revoked)
		return nil
	})
}

// UpdateProfile changes the display name.
func (s *authService) UpdateProfile(ctx context.Context, userID int64, name string, client ClientInfo) (*PublicUser, error) {
	var result *PublicUser
	err := s.audited(ctx, audit.ActionUpdateProfile, client, func(e *auditEntry) error {
		e.userID = userID
		pub, err := s.credentials.UpdateProfile(ctx, userID, name)
		if err != nil {
			return err
		}
		e.email = pub.Email
		result = pub
		return nil
	})
	return result, err
}

// DeactivateAccount soft-deletes the caller's account.
func (s *authService) DeactivateAccount(ctx context.Context, userID int64, confirmation string, client ClientInfo) error {
	return s.audited(ctx, audit.ActionDeactivateAccount, client, func(e *auditEntry) error {
		e.userID = userID
		e.severity = audit.SeverityHigh
		user, err := s.credentials.Deactivate(ctx, userID, confirmation)
		if err != nil {
			return err
		}
		e.email = user.Email
		return nil
	})
}

// ListSessions returns the caller's active sessions.
func (s *authService) ListSessions(ctx context.Context, userID int64, currentToken string) ([]SessionView, error) {
	return s.sessions.ListActive(ctx, userID, currentToken)
}

// TerminateSession revokes one of the caller's sessions.
func (s *authService) TerminateSession(ctx context.Context, userID, sessionID int64, client ClientInfo) error {
	return s.audited(ctx, audit.ActionTerminateSession, client, func(e *auditEntry) error {
		e.userID = userID
		e.set("session_id", sessionID)
		return s.sessions.Terminate(ctx, userID, sessionID)
	})
}

func deviceOrDefault(device string) string {
	if device == "" {
		return defaultDevice
	}
	return device
}
