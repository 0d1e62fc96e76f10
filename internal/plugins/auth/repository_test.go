package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

func newMockUserRepo(t *testing.T) (UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(db), mock
}

var userRowColumns = []string{
	"id", "name", "email", "password_hash", "email_verified", "active",
	"failed_login_attempts", "locked_until", "reset_token", "reset_token_expires_at",
	"verification_token", "last_login_at", "last_login_ip", "last_login_user_agent",
	"created_at", "updated_at",
}

func TestUserRepo_FindByEmail(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	locked := now.Add(10 * time.Minute)

	rows := sqlmock.NewRows(userRowColumns).AddRow(
		int64(3), "Alice", testEmail, "$2a$hash", true, true,
		5, locked, nil, nil,
		nil, now, "10.0.0.1", nil,
		now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = ?")).
		WithArgs(testEmail).
		WillReturnRows(rows)

	u, err := repo.FindByEmail(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != 3 || u.FailedLoginAttempts != 5 || !u.EmailVerified {
		t.Errorf("unexpected user %+v", u)
	}
	if u.LockedUntil == nil || !u.LockedUntil.Equal(locked) {
		t.Errorf("expected locked_until %v, got %v", locked, u.LockedUntil)
	}
	if u.ResetToken != nil || u.LastLoginUserAgent != nil {
		t.Error("expected NULL columns to scan as nil")
	}
	if u.LastLoginIP == nil || *u.LastLoginIP != "10.0.0.1" {
		t.Errorf("unexpected last_login_ip %v", u.LastLoginIP)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUserRepo_FindByEmail_NotFound(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = ?")).
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.FindByEmail(context.Background(), "nobody@example.com")
	assertAppError(t, err, apperror.TypeNotFound)
}

func TestUserRepo_FindByID_StoreError(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = ?")).
		WillReturnError(errors.New("conn reset"))

	_, err := repo.FindByID(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperror.As(err) != nil {
		t.Errorf("driver errors must not be mapped to an AppError, got %v", err)
	}
}

func TestUserRepo_Create(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	token := "verify-token"
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("Alice", testEmail, "$2a$hash", false, true, token, now, now).
		WillReturnResult(sqlmock.NewResult(11, 1))

	u := &User{
		Name: "Alice", Email: testEmail, PasswordHash: "$2a$hash", Active: true,
		VerificationToken: &token, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID != 11 {
		t.Errorf("expected ID 11, got %d", u.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUserRepo_Create_DuplicateEmail(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.Create(context.Background(), &User{Email: testEmail})
	assertAppError(t, err, apperror.TypeDuplicateEmail)
}

func TestUserRepo_IncrementFailedAttempts(t *testing.T) {
	repo, mock := newMockUserRepo(t)

	// The driver reports the LAST_INSERT_ID(expr) value as the insert ID.
	mock.ExpectExec(regexp.QuoteMeta("LAST_INSERT_ID(failed_login_attempts + 1)")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(4, 1))

	n, err := repo.IncrementFailedAttempts(context.Background(), 3)
	if err != nil {
		t.Fatalf("IncrementFailedAttempts: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 attempts, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUserRepo_IncrementFailedAttempts_MissingUser(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.IncrementFailedAttempts(context.Background(), 99)
	assertAppError(t, err, apperror.TypeNotFound)
}

func TestUserRepo_CASSetLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"applied", 1, true},
		{"already locked", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockUserRepo(t)
			mock.ExpectExec(regexp.QuoteMeta("locked_until IS NULL OR locked_until <= ?")).
				WithArgs(until, int64(3), now).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := repo.CASSetLock(context.Background(), 3, until, now)
			if err != nil {
				t.Fatalf("CASSetLock: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestUserRepo_RecordLoginSuccess(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET failed_login_attempts = 0, locked_until = NULL")).
		WithArgs(at, "10.0.0.1", nil, int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.RecordLoginSuccess(context.Background(), 3, at, "10.0.0.1", "")
	if err != nil {
		t.Fatalf("RecordLoginSuccess: %v", err)
	}
	if !ok {
		t.Error("expected success to be recorded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUserRepo_RedeemResetToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, affected := range []int64{1, 0} {
		repo, mock := newMockUserRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND reset_token = ? AND reset_token_expires_at >= ?")).
			WithArgs("$2a$new", now, int64(3), "reset-token", now).
			WillReturnResult(sqlmock.NewResult(0, affected))

		ok, err := repo.RedeemResetToken(context.Background(), 3, "reset-token", "$2a$new", now)
		if err != nil {
			t.Fatalf("RedeemResetToken: %v", err)
		}
		if ok != (affected == 1) {
			t.Errorf("affected=%d: expected %v, got %v", affected, affected == 1, ok)
		}
	}
}

func TestUserRepo_ConsumeVerificationToken(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("SET email_verified = TRUE, verification_token = NULL")).
		WithArgs(sqlmock.AnyArg(), int64(3), "verify-token").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ConsumeVerificationToken(context.Background(), 3, "verify-token")
	if err != nil {
		t.Fatalf("ConsumeVerificationToken: %v", err)
	}
	if ok {
		t.Error("expected already-consumed token to report false")
	}
}

func TestUserRepo_Deactivate_NotFound(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("SET active = FALSE, email = ?")).
		WithArgs("deleted_1_a@example.com", sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Deactivate(context.Background(), 3, "deleted_1_a@example.com")
	assertAppError(t, err, apperror.TypeNotFound)
}

func TestUserRepo_UpdateName_RowsAffectedError(t *testing.T) {
	repo, mock := newMockUserRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET name = ?")).
		WithArgs("Bob", sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver: bad connection")))

	err := repo.UpdateName(context.Background(), 3, "Bob")
	if err == nil {
		t.Fatal("expected error")
	}
	if apperror.As(err) != nil {
		t.Fatalf("expected a raw store error, got %v", err)
	}
	if !strings.Contains(err.Error(), "updating name") {
		t.Errorf("expected operation context in %q", err)
	}
}
