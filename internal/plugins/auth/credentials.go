package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// LoginAttempt records what a login did, for the audit event. It is filled
// in on every path, including failures.
type LoginAttempt struct {
	UserID      int64
	Attempts    int
	LockApplied bool
	Locked      bool
}

// CredentialManager owns registration, login and the password-bearing
// account operations.
type CredentialManager struct {
	users    UserRepository
	hasher   *PasswordHasher
	lockout  *LockoutGuard
	tokens   *TokenService
	sessions *SessionManager
	now      func() time.Time
}

// NewCredentialManager wires a credential manager from its collaborators.
func NewCredentialManager(users UserRepository, hasher *PasswordHasher, lockout *LockoutGuard,
	tokens *TokenService, sessions *SessionManager, now func() time.Time) *CredentialManager {
	if now == nil {
		now = time.Now
	}
	return &CredentialManager{
		users:    users,
		hasher:   hasher,
		lockout:  lockout,
		tokens:   tokens,
		sessions: sessions,
		now:      now,
	}
}

// Register creates an account with an unverified email. The returned user
// still carries its verification token for out-of-band delivery.
func (m *CredentialManager) Register(ctx context.Context, input RegisterInput) (*User, error) {
	email := normalizeEmail(input.Email)
	name, nameMsg := cleanName(input.Name)

	fields := fieldErrors{}
	fields.add("name", nameMsg)
	fields.add("email", checkEmail(email))
	fields.add("password", CheckPasswordPolicy(input.Password))
	if err := fields.err(); err != nil {
		return nil, err
	}

	// Check before the expensive hash. The unique index still decides races.
	_, err := m.users.FindByEmail(ctx, email)
	if err == nil {
		return nil, apperror.NewDuplicateEmail()
	}
	if !apperror.Is(err, apperror.TypeNotFound) {
		return nil, storeError(err)
	}

	hash, err := m.hasher.Hash(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	verification, err := newSingleUseToken()
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	now := m.now().UTC()
	user := &User{
		Name:              name,
		Email:             email,
		PasswordHash:      hash,
		EmailVerified:     false,
		Active:            true,
		VerificationToken: &verification,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.users.Create(ctx, user); err != nil {
		return nil, storeError(err)
	}

	return user, nil
}

// Login checks credentials under the lockout policy and, on success, issues
// a token and opens a session. Unknown email, deactivated account and wrong
// password all fail with the same InvalidCredentials error.
func (m *CredentialManager) Login(ctx context.Context, input LoginInput, client ClientInfo) (*LoginResult, LoginAttempt, error) {
	var attempt LoginAttempt
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, attempt, apperror.NewInvalidCredentials()
	}

	user, err := m.users.FindByEmail(ctx, email)
	if apperror.Is(err, apperror.TypeNotFound) {
		m.hasher.VerifyDummy(input.Password)
		return nil, attempt, apperror.NewInvalidCredentials()
	}
	if err != nil {
		return nil, attempt, storeError(err)
	}
	attempt.UserID = user.ID
	attempt.Attempts = user.FailedLoginAttempts

	if !user.Active {
		m.hasher.VerifyDummy(input.Password)
		return nil, attempt, apperror.NewInvalidCredentials()
	}

	now := m.now()
	if err := m.lockout.Check(user, now); err != nil {
		attempt.Locked = true
		return nil, attempt, err
	}

	if !m.hasher.Verify(user.PasswordHash, input.Password) {
		outcome, err := m.lockout.RecordFailure(ctx, user.ID, now)
		attempt.Attempts = outcome.Attempts
		attempt.LockApplied = outcome.LockApplied
		if err != nil {
			return nil, attempt, storeError(err)
		}
		return nil, attempt, apperror.NewInvalidCredentials()
	}

	ok, err := m.users.RecordLoginSuccess(ctx, user.ID, now.UTC(), client.IP, client.UserAgent)
	if err != nil {
		return nil, attempt, storeError(err)
	}
	if !ok {
		// A concurrent failure locked the account after our check.
		attempt.Locked = true
		return nil, attempt, m.currentLock(ctx, user.ID, now)
	}
	attempt.Attempts = 0

	at := now.UTC()
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &at
	if client.IP != "" {
		ip := client.IP
		user.LastLoginIP = &ip
	}

	result, err := m.startSession(ctx, user, client)
	if err != nil {
		return nil, attempt, err
	}
	return result, attempt, nil
}

// currentLock rereads the user to report the remaining lock time.
func (m *CredentialManager) currentLock(ctx context.Context, userID int64, now time.Time) error {
	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return storeError(err)
	}
	if err := m.lockout.Check(user, now); err != nil {
		return err
	}
	return apperror.NewAccountLocked(0)
}

// startSession issues a token for user and records its session.
func (m *CredentialManager) startSession(ctx context.Context, user *User, client ClientInfo) (*LoginResult, error) {
	token, _, err := m.tokens.Issue(user)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if _, err := m.sessions.Create(ctx, user.ID, token, client); err != nil {
		return nil, err
	}
	return &LoginResult{
		User:      user.Public(),
		Token:     token,
		ExpiresIn: TokenExpiresInLabel,
	}, nil
}

// Refresh issues a fresh token and session for a validated session, then
// revokes the old one.
func (m *CredentialManager) Refresh(ctx context.Context, claims *Claims, oldToken string, client ClientInfo) (*LoginResult, error) {
	user, err := m.users.FindByID(ctx, claims.Subject)
	if apperror.Is(err, apperror.TypeNotFound) {
		return nil, sessionInvalid(err)
	}
	if err != nil {
		return nil, storeError(err)
	}
	if !user.Active {
		return nil, sessionInvalid(fmt.Errorf("user %d inactive", user.ID))
	}

	result, err := m.startSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Invalidate(ctx, user.ID, oldToken); err != nil {
		return nil, err
	}
	return result, nil
}

// Me returns the public view of an account.
func (m *CredentialManager) Me(ctx context.Context, userID int64) (*PublicUser, error) {
	user, err := m.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}

// ChangePassword replaces the password after checking the current one, then
// revokes every other session of the user. Revocation runs detached from ctx
// once the new hash is stored.
func (m *CredentialManager) ChangePassword(ctx context.Context, userID int64, current, next, currentToken string) (int64, error) {
	user, err := m.activeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !m.hasher.Verify(user.PasswordHash, current) {
		return 0, apperror.NewInvalidCredentials()
	}

	fields := fieldErrors{}
	fields.add("new_password", CheckPasswordPolicy(next))
	if current == next {
		fields.add("new_password", "must differ from the current password")
	}
	if err := fields.err(); err != nil {
		return 0, err
	}

	hash, err := m.hasher.Hash(next)
	if err != nil {
		return 0, apperror.NewInternal(err)
	}
	if err := m.users.UpdatePassword(ctx, userID, hash); err != nil {
		return 0, storeError(err)
	}

	return m.sessions.InvalidateAll(context.WithoutCancel(ctx), userID, currentToken)
}

// UpdateProfile changes the display name.
func (m *CredentialManager) UpdateProfile(ctx context.Context, userID int64, rawName string) (*PublicUser, error) {
	name, msg := cleanName(rawName)
	if msg != "" {
		return nil, apperror.NewFieldValidation(map[string]string{"name": msg})
	}

	user, err := m.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.users.UpdateName(ctx, userID, name); err != nil {
		return nil, storeError(err)
	}

	user.Name = name
	pub := user.Public()
	return &pub, nil
}

// Deactivate soft-deletes the account and revokes all of its sessions. The
// email is rewritten so the address can be registered again. As with
// ChangePassword, revocation is not cancelled with the request.
func (m *CredentialManager) Deactivate(ctx context.Context, userID int64, confirmation string) (*User, error) {
	if confirmation != DeactivateConfirmation {
		return nil, apperror.NewFieldValidation(map[string]string{
			"confirmation": "must be " + DeactivateConfirmation,
		})
	}

	user, err := m.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.users.Deactivate(ctx, userID, tombstoneEmail(user.Email, m.now())); err != nil {
		return nil, storeError(err)
	}
	if _, err := m.sessions.InvalidateAll(context.WithoutCancel(ctx), userID, ""); err != nil {
		return nil, err
	}

	user.Active = false
	return user, nil
}

func (m *CredentialManager) activeUser(ctx context.Context, userID int64) (*User, error) {
	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !user.Active {
		return nil, apperror.NewNotFound("user not found")
	}
	return user, nil
}

// tombstoneEmail frees the unique email of a deactivated account.
func tombstoneEmail(email string, now time.Time) string {
	t := strings.ToLower(fmt.Sprintf("deleted_%d_%s", now.Unix(), email))
	if len(t) <= maxEmailLength {
		return t
	}
	// Cut on a rune boundary; the column is utf8mb4.
	cut := maxEmailLength
	for cut > 0 && !utf8.RuneStart(t[cut]) {
		cut--
	}
	return t[:cut]
}
