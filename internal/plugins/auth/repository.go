package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
	"github.com/pocketledger/pocketledger/internal/database"
)

// UserRepository defines the data access contract for user operations.
// All SQL lives in the concrete implementation -- no SQL leaks out.
//
// Every write that the lockout and single-use token rules depend on is a
// single conditional statement; callers never read a value and write it back.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByResetToken(ctx context.Context, token string) (*User, error)
	FindByVerificationToken(ctx context.Context, token string) (*User, error)

	// Create inserts the user and sets user.ID. Returns DuplicateEmail when
	// the unique index on email rejects the row.
	Create(ctx context.Context, user *User) error

	// IncrementFailedAttempts bumps the counter and returns the value after
	// the increment.
	IncrementFailedAttempts(ctx context.Context, id int64) (int, error)

	// CASSetLock sets locked_until only if the account is not currently
	// locked at now. Reports whether the lock was applied.
	CASSetLock(ctx context.Context, id int64, until, now time.Time) (bool, error)

	// RecordLoginSuccess zeroes the counter, clears the lock and stores the
	// last-login metadata in one statement. It reports false without writing
	// when a lock is in force at the given time.
	RecordLoginSuccess(ctx context.Context, id int64, at time.Time, ip, userAgent string) (bool, error)

	// Password reset.
	SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	RedeemResetToken(ctx context.Context, id int64, token, passwordHash string, now time.Time) (bool, error)

	// Email verification.
	ConsumeVerificationToken(ctx context.Context, id int64, token string) (bool, error)

	// Profile.
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	UpdateName(ctx context.Context, id int64, name string) error
	Deactivate(ctx context.Context, id int64, tombstoneEmail string) error

	Ping(ctx context.Context) error
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the column list scanned by scanUser, in order.
const userColumns = `id, name, email, password_hash, email_verified, active,
	failed_login_attempts, locked_until, reset_token, reset_token_expires_at,
	verification_token, last_login_at, last_login_ip, last_login_user_agent,
	created_at, updated_at`

// scanUser reads one row selected with userColumns.
func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.Active,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.ResetToken, &u.ResetTokenExpiresAt,
		&u.VerificationToken, &u.LastLoginAt, &u.LastLoginIP, &u.LastLoginUserAgent,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepository) findOne(ctx context.Context, where string, arg any) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// FindByEmail retrieves a user by their normalized email address.
// Returns apperror.NotFound if no user exists with this email.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, `email = ?`, email)
}

// FindByID retrieves a user by primary key.
// Returns apperror.NotFound if no user exists with this ID.
func (r *userRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	return r.findOne(ctx, `id = ?`, id)
}

// FindByResetToken retrieves the user holding the given reset token.
func (r *userRepository) FindByResetToken(ctx context.Context, token string) (*User, error) {
	return r.findOne(ctx, `reset_token = ?`, token)
}

// FindByVerificationToken retrieves the user holding the given verification token.
func (r *userRepository) FindByVerificationToken(ctx context.Context, token string) (*User, error) {
	return r.findOne(ctx, `verification_token = ?`, token)
}

// Create inserts a new user row into the users table.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `INSERT INTO users (name, email, password_hash, email_verified, active,
	                             failed_login_attempts, verification_token, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.EmailVerified,
		user.Active,
		user.VerificationToken,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if database.IsDuplicateKey(err) {
		return apperror.NewDuplicateEmail()
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting user id: %w", err)
	}
	user.ID = id

	return nil
}

// IncrementFailedAttempts uses LAST_INSERT_ID(expr) so the post-increment
// value comes back on the same connection as the UPDATE itself.
func (r *userRepository) IncrementFailedAttempts(ctx context.Context, id int64) (int, error) {
	query := `UPDATE users
	          SET failed_login_attempts = LAST_INSERT_ID(failed_login_attempts + 1)
	          WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing failed attempts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("incrementing failed attempts: %w", err)
	}
	if n == 0 {
		return 0, apperror.NewNotFound("user not found")
	}
	count, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading failed attempts: %w", err)
	}

	return int(count), nil
}

// CASSetLock applies a lock unless one is already in force.
func (r *userRepository) CASSetLock(ctx context.Context, id int64, until, now time.Time) (bool, error) {
	query := `UPDATE users SET locked_until = ?
	          WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)`

	result, err := r.db.ExecContext(ctx, query, until, id, now)
	if err != nil {
		return false, fmt.Errorf("setting lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setting lock: %w", err)
	}

	return n == 1, nil
}

// RecordLoginSuccess resets lockout state and records the login. A lock set
// by a concurrent failure after the caller's check wins over the success.
func (r *userRepository) RecordLoginSuccess(ctx context.Context, id int64, at time.Time, ip, userAgent string) (bool, error) {
	query := `UPDATE users
	          SET failed_login_attempts = 0, locked_until = NULL,
	              last_login_at = ?, last_login_ip = ?, last_login_user_agent = ?
	          WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)`

	result, err := r.db.ExecContext(ctx, query, at, nullIfEmpty(ip), nullIfEmpty(userAgent), id, at)
	if err != nil {
		return false, fmt.Errorf("recording login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording login: %w", err)
	}

	return n == 1, nil
}

// --- Password Reset ---

// SetResetToken stores a fresh reset token, replacing any earlier one.
func (r *userRepository) SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	query := `UPDATE users SET reset_token = ?, reset_token_expires_at = ?, updated_at = ?
	          WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, token, expiresAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}

	return nil
}

// RedeemResetToken swaps the password hash and clears the token and lockout
// state, but only while the row still holds this unexpired token. Exactly one
// of several concurrent redeemers sees true.
func (r *userRepository) RedeemResetToken(ctx context.Context, id int64, token, passwordHash string, now time.Time) (bool, error) {
	query := `UPDATE users
	          SET password_hash = ?, reset_token = NULL, reset_token_expires_at = NULL,
	              failed_login_attempts = 0, locked_until = NULL, updated_at = ?
	          WHERE id = ? AND reset_token = ? AND reset_token_expires_at >= ?`

	result, err := r.db.ExecContext(ctx, query, passwordHash, now, id, token, now)
	if err != nil {
		return false, fmt.Errorf("redeeming reset token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redeeming reset token: %w", err)
	}

	return n == 1, nil
}

// --- Email Verification ---

// ConsumeVerificationToken marks the email verified and clears the token if
// the row still holds it.
func (r *userRepository) ConsumeVerificationToken(ctx context.Context, id int64, token string) (bool, error) {
	query := `UPDATE users
	          SET email_verified = TRUE, verification_token = NULL, updated_at = ?
	          WHERE id = ? AND verification_token = ?`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id, token)
	if err != nil {
		return false, fmt.Errorf("consuming verification token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming verification token: %w", err)
	}

	return n == 1, nil
}

// --- Profile ---

// UpdatePassword sets a new password hash for a user.
func (r *userRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return r.execOne(ctx, "updating password",
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().UTC(), id)
}

// UpdateName sets the display name.
func (r *userRepository) UpdateName(ctx context.Context, id int64, name string) error {
	return r.execOne(ctx, "updating name",
		`UPDATE users SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
}

// Deactivate soft-deletes the account. The email is replaced with a
// tombstone so the address can register again.
func (r *userRepository) Deactivate(ctx context.Context, id int64, tombstoneEmail string) error {
	return r.execOne(ctx, "deactivating user",
		`UPDATE users SET active = FALSE, email = ?, updated_at = ? WHERE id = ? AND active = TRUE`,
		tombstoneEmail, time.Now().UTC(), id)
}

// Ping checks database connectivity.
func (r *userRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// execOne runs a single-row UPDATE and maps zero affected rows to NotFound.
func (r *userRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return apperror.NewNotFound("user not found")
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
