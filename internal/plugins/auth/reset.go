package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// ResetFlow issues and redeems single-use password reset tokens.
type ResetFlow struct {
	users    UserRepository
	hasher   *PasswordHasher
	sessions *SessionManager
	ttl      time.Duration
	now      func() time.Time
}

// NewResetFlow creates a reset flow whose tokens live for ttl (1h when
// non-positive).
func NewResetFlow(users UserRepository, hasher *PasswordHasher, sessions *SessionManager, ttl time.Duration, now func() time.Time) *ResetFlow {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &ResetFlow{users: users, hasher: hasher, sessions: sessions, ttl: ttl, now: now}
}

// TTL returns how long an issued reset token stays redeemable.
func (f *ResetFlow) TTL() time.Duration { return f.ttl }

// Request stores a fresh reset token on the account when the email belongs
// to an active user. The message is ResetRequestedMessage in every case
// that is not a malformed email or a failed lookup; the user is returned
// only so the caller can deliver the token.
func (f *ResetFlow) Request(ctx context.Context, rawEmail string) (*ResetRequestResult, *User, error) {
	email := normalizeEmail(rawEmail)
	if msg := checkEmail(email); msg != "" {
		return nil, nil, apperror.NewFieldValidation(map[string]string{"email": msg})
	}

	result := &ResetRequestResult{Message: ResetRequestedMessage}

	user, err := f.users.FindByEmail(ctx, email)
	if apperror.Is(err, apperror.TypeNotFound) {
		return result, nil, nil
	}
	if err != nil {
		return nil, nil, storeError(err)
	}
	if !user.Active {
		return result, nil, nil
	}

	token, err := newSingleUseToken()
	if err != nil {
		return nil, nil, apperror.NewInternal(err)
	}
	expiresAt := f.now().UTC().Add(f.ttl)
	if err := f.users.SetResetToken(ctx, user.ID, token, expiresAt); err != nil {
		// The response must not differ from the unknown-email case.
		slog.Error("failed to store reset token",
			slog.Int64("user_id", user.ID),
			slog.Any("error", err),
		)
		return result, nil, nil
	}

	user.ResetToken = &token
	user.ResetTokenExpiresAt = &expiresAt
	result.Token = token
	result.UserID = user.ID
	return result, user, nil
}

// Confirm redeems a reset token: it sets the new password, clears the token
// and the lockout state, and revokes every session of the user. Only one of
// several concurrent redemptions of the same token succeeds; the rest, and
// any later replay, get TokenInvalid.
func (f *ResetFlow) Confirm(ctx context.Context, token, newPassword string) (*User, int64, error) {
	if msg := CheckPasswordPolicy(newPassword); msg != "" {
		return nil, 0, apperror.NewFieldValidation(map[string]string{"new_password": msg})
	}
	if token == "" {
		return nil, 0, apperror.NewTokenInvalid("invalid or already used reset token")
	}

	user, err := f.users.FindByResetToken(ctx, token)
	if apperror.Is(err, apperror.TypeNotFound) {
		return nil, 0, apperror.NewTokenInvalid("invalid or already used reset token")
	}
	if err != nil {
		return nil, 0, storeError(err)
	}
	if !user.Active {
		return nil, 0, apperror.NewTokenInvalid("invalid or already used reset token")
	}

	now := f.now().UTC()
	if user.ResetTokenExpiresAt == nil || now.After(*user.ResetTokenExpiresAt) {
		return user, 0, apperror.NewTokenExpired("reset token has expired")
	}

	hash, err := f.hasher.Hash(newPassword)
	if err != nil {
		return nil, 0, apperror.NewInternal(err)
	}

	ok, err := f.users.RedeemResetToken(ctx, user.ID, token, hash, now)
	if err != nil {
		return nil, 0, storeError(err)
	}
	if !ok {
		return user, 0, apperror.NewTokenInvalid("invalid or already used reset token")
	}

	user.PasswordHash = hash
	user.ResetToken = nil
	user.ResetTokenExpiresAt = nil
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil

	// The token is spent; revocation must not be abandoned with it.
	revoked, err := f.sessions.InvalidateAll(context.WithoutCancel(ctx), user.ID, "")
	if err != nil {
		return user, 0, err
	}
	return user, revoked, nil
}
