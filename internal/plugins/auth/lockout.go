package auth

import (
	"context"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// LockoutGuard applies the failed-login policy: after threshold consecutive
// failures the account is locked for duration. All state lives on the user
// row and every mutation is a single conditional UPDATE, so the policy holds
// across goroutines and across instances.
type LockoutGuard struct {
	users     UserRepository
	threshold int
	duration  time.Duration
}

// NewLockoutGuard creates a guard. Non-positive values fall back to 5
// attempts and 15 minutes.
func NewLockoutGuard(users UserRepository, threshold int, duration time.Duration) *LockoutGuard {
	if threshold <= 0 {
		threshold = 5
	}
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &LockoutGuard{users: users, threshold: threshold, duration: duration}
}

// Check returns AccountLocked when u has a lock in force at now.
func (g *LockoutGuard) Check(u *User, now time.Time) error {
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		return apperror.NewAccountLocked(u.LockedUntil.Sub(now))
	}
	return nil
}

// FailureOutcome describes what one recorded failure did.
type FailureOutcome struct {
	// Attempts is the counter value after this failure.
	Attempts int

	// LockApplied is true only for the call whose CAS set locked_until.
	LockApplied bool
}

// RecordFailure counts a failed password check. When the post-increment
// count reaches the threshold it tries to lock the account; the CAS only
// succeeds if no lock is currently in force, so a burst of concurrent
// failures produces exactly one lock.
//
// The counter is left as is when a lock is applied. After the lock lapses,
// the next failure is already past the threshold and locks again.
//
// Once the increment has landed the CAS runs detached from ctx, so a
// cancelled request cannot leave the counter at the threshold unlocked.
func (g *LockoutGuard) RecordFailure(ctx context.Context, userID int64, now time.Time) (FailureOutcome, error) {
	attempts, err := g.users.IncrementFailedAttempts(ctx, userID)
	if err != nil {
		return FailureOutcome{}, err
	}

	out := FailureOutcome{Attempts: attempts}
	if attempts < g.threshold {
		return out, nil
	}

	applied, err := g.users.CASSetLock(context.WithoutCancel(ctx), userID, now.Add(g.duration), now)
	if err != nil {
		return out, err
	}
	out.LockApplied = applied
	return out, nil
}

// Threshold returns the number of failures that triggers a lock.
func (g *LockoutGuard) Threshold() int { return g.threshold }
