package auth

import (
	"context"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// VerificationFlow redeems email verification tokens.
type VerificationFlow struct {
	users UserRepository
}

// NewVerificationFlow creates a verification flow.
func NewVerificationFlow(users UserRepository) *VerificationFlow {
	return &VerificationFlow{users: users}
}

// Verify marks the holder's email verified and clears the token, so a
// second use fails with TokenInvalid.
func (f *VerificationFlow) Verify(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, apperror.NewTokenInvalid("invalid or already used verification token")
	}

	user, err := f.users.FindByVerificationToken(ctx, token)
	if apperror.Is(err, apperror.TypeNotFound) {
		return nil, apperror.NewTokenInvalid("invalid or already used verification token")
	}
	if err != nil {
		return nil, storeError(err)
	}

	ok, err := f.users.ConsumeVerificationToken(ctx, user.ID, token)
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		return nil, apperror.NewTokenInvalid("invalid or already used verification token")
	}

	user.EmailVerified = true
	user.VerificationToken = nil
	return user, nil
}
