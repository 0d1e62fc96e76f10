package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pocketledger/pocketledger/internal/apperror"
	"github.com/pocketledger/pocketledger/internal/plugins/audit"
)

// --- In-memory stores ---
//
// The fakes hold one mutex per store and run every conditional write as a
// single critical section, the same guarantee a single UPDATE statement
// gives on MariaDB.

// memUserRepo implements UserRepository in memory.
type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*User

	// locksApplied counts successful CASSetLock calls.
	locksApplied int
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[int64]*User{}}
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func (r *memUserRepo) find(match func(*User) bool) (*User, error) {
	for _, u := range r.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, apperror.NewNotFound("user not found")
}

func (r *memUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(func(u *User) bool { return u.Email == email })
}

func (r *memUserRepo) FindByID(ctx context.Context, id int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, apperror.NewNotFound("user not found")
}

func (r *memUserRepo) FindByResetToken(ctx context.Context, token string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(func(u *User) bool { return u.ResetToken != nil && *u.ResetToken == token })
}

func (r *memUserRepo) FindByVerificationToken(ctx context.Context, token string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(func(u *User) bool { return u.VerificationToken != nil && *u.VerificationToken == token })
}

func (r *memUserRepo) Create(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return apperror.NewDuplicateEmail()
		}
	}
	r.nextID++
	user.ID = r.nextID
	r.users[user.ID] = copyUser(user)
	return nil
}

func (r *memUserRepo) IncrementFailedAttempts(ctx context.Context, id int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("incrementing failed attempts: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, apperror.NewNotFound("user not found")
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (r *memUserRepo) CASSetLock(ctx context.Context, id int64, until, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("setting lock: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, nil
	}
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		return false, nil
	}
	u.LockedUntil = &until
	r.locksApplied++
	return true, nil
}

func (r *memUserRepo) RecordLoginSuccess(ctx context.Context, id int64, at time.Time, ip, userAgent string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || (u.LockedUntil != nil && u.LockedUntil.After(at)) {
		return false, nil
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	u.LastLoginIP = &ip
	u.LastLoginUserAgent = &userAgent
	return true, nil
}

func (r *memUserRepo) SetResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return apperror.NewNotFound("user not found")
	}
	u.ResetToken = &token
	u.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (r *memUserRepo) RedeemResetToken(ctx context.Context, id int64, token, passwordHash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.ResetToken == nil || *u.ResetToken != token || u.ResetTokenExpiresAt.Before(now) {
		return false, nil
	}
	u.PasswordHash = passwordHash
	u.ResetToken = nil
	u.ResetTokenExpiresAt = nil
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return true, nil
}

func (r *memUserRepo) ConsumeVerificationToken(ctx context.Context, id int64, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.VerificationToken == nil || *u.VerificationToken != token {
		return false, nil
	}
	u.EmailVerified = true
	u.VerificationToken = nil
	return true, nil
}

func (r *memUserRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return r.update(id, func(u *User) { u.PasswordHash = passwordHash })
}

func (r *memUserRepo) UpdateName(ctx context.Context, id int64, name string) error {
	return r.update(id, func(u *User) { u.Name = name })
}

func (r *memUserRepo) Deactivate(ctx context.Context, id int64, tombstoneEmail string) error {
	return r.update(id, func(u *User) {
		u.Active = false
		u.Email = tombstoneEmail
	})
}

func (r *memUserRepo) Ping(ctx context.Context) error { return nil }

func (r *memUserRepo) update(id int64, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return apperror.NewNotFound("user not found")
	}
	fn(u)
	return nil
}

// get returns a snapshot of the stored row.
func (r *memUserRepo) get(t *testing.T, id int64) *User {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		t.Fatalf("user %d not stored", id)
	}
	return copyUser(u)
}

// cancelAfterUserRepo cancels the caller's context right after the named
// write commits, as a client disconnect landing between two statements
// would.
type cancelAfterUserRepo struct {
	*memUserRepo
	method string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// arm makes the next successful call to r.method cancel.
func (r *cancelAfterUserRepo) arm(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
}

func (r *cancelAfterUserRepo) fire(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && method == r.method && r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *cancelAfterUserRepo) IncrementFailedAttempts(ctx context.Context, id int64) (int, error) {
	n, err := r.memUserRepo.IncrementFailedAttempts(ctx, id)
	r.fire("IncrementFailedAttempts", err)
	return n, err
}

func (r *cancelAfterUserRepo) RedeemResetToken(ctx context.Context, id int64, token, passwordHash string, now time.Time) (bool, error) {
	ok, err := r.memUserRepo.RedeemResetToken(ctx, id, token, passwordHash, now)
	r.fire("RedeemResetToken", err)
	return ok, err
}

func (r *cancelAfterUserRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	err := r.memUserRepo.UpdatePassword(ctx, id, passwordHash)
	r.fire("UpdatePassword", err)
	return err
}

func (r *cancelAfterUserRepo) Deactivate(ctx context.Context, id int64, tombstoneEmail string) error {
	err := r.memUserRepo.Deactivate(ctx, id, tombstoneEmail)
	r.fire("Deactivate", err)
	return err
}

// memSessionRepo implements SessionRepository in memory.
type memSessionRepo struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[int64]*Session{}}
}

func (r *memSessionRepo) Create(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.Token == s.Token {
			return errors.New("duplicate session token")
		}
	}
	r.nextID++
	s.ID = r.nextID
	s.Active = true
	c := *s
	r.sessions[s.ID] = &c
	return nil
}

func (r *memSessionRepo) FindByToken(ctx context.Context, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Token == token {
			c := *s
			return &c, nil
		}
	}
	return nil, apperror.NewNotFound("session not found")
}

func (r *memSessionRepo) Revoke(ctx context.Context, userID int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Token == token && s.UserID == userID {
			s.Active = false
		}
	}
	return nil
}

func (r *memSessionRepo) RevokeByID(ctx context.Context, userID, sessionID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID || !s.Active {
		return false, nil
	}
	s.Active = false
	return true, nil
}

func (r *memSessionRepo) RevokeAllForUser(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.Active && (exceptToken == "" || s.Token != exceptToken) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Active && s.ExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) Expire(ctx context.Context, sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.Active = false
	}
	return nil
}

// byToken returns a snapshot of the session holding token.
func (r *memSessionRepo) byToken(t *testing.T, token string) Session {
	t.Helper()
	s, err := r.FindByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("session for token not stored: %v", err)
	}
	return *s
}

// --- Collaborators ---

// recordingEmitter implements audit.Emitter and keeps every event.
type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *recordingEmitter) Emit(_ context.Context, event audit.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) byAction(action string) []audit.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []audit.Event
	for _, ev := range e.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) last(t *testing.T) audit.Event {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return e.events[len(e.events)-1]
}

// mockMailSender implements MailSender for testing.
type mockMailSender struct {
	mu         sync.Mutex
	sendMailFn func(ctx context.Context, to []string, subject, body string) error
	sent       []sentMail
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

func (m *mockMailSender) SendMail(ctx context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	m.mu.Unlock()
	if m.sendMailFn != nil {
		return m.sendMailFn(ctx, to, subject, body)
	}
	return nil
}

func (m *mockMailSender) IsConfigured(ctx context.Context) bool { return true }

func (m *mockMailSender) messages() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

// testClock is a settable clock shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Test Helpers ---

const (
	testPassword   = "Str0ng!Pass"
	testPassword2  = "N3w&Better"
	wrongPassword  = "Wr0ng!Pass"
	testJWTSecret  = "test-secret-at-least-32-characters-long"
	testEmail      = "alice@example.com"
	testUserName   = "Alice"
	testClientIP   = "203.0.113.7"
	testUserAgent  = "pocketledger-test/1.0"
	testDeviceName = "web"
)

var testClient = ClientInfo{IP: testClientIP, UserAgent: testUserAgent, Device: testDeviceName}

// testEnv bundles a fully wired authService with its fakes.
type testEnv struct {
	svc      *authService
	users    *memUserRepo
	sessions *memSessionRepo
	events   *recordingEmitter
	mail     *mockMailSender
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithUsers(t, nil)
}

// newTestEnvWithUsers is newTestEnv with the user store wrapped by wrap.
// env.users still reaches the underlying rows.
func newTestEnvWithUsers(t *testing.T, wrap func(*memUserRepo) UserRepository) *testEnv {
	t.Helper()
	env := &testEnv{
		users:    newMemUserRepo(),
		sessions: newMemSessionRepo(),
		events:   &recordingEmitter{},
		mail:     &mockMailSender{},
		clock:    newTestClock(),
	}
	var users UserRepository = env.users
	if wrap != nil {
		users = wrap(env.users)
	}
	env.svc = NewAuthService(users, env.sessions, env.events, env.mail, ServiceConfig{
		JWTSecret:        testJWTSecret,
		TokenTTL:         24 * time.Hour,
		BcryptCost:       bcrypt.MinCost,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		ResetTokenTTL:    time.Hour,
		BaseURL:          "https://ledger.example.com",
		Now:              env.clock.Now,
	}).(*authService)
	t.Cleanup(env.svc.mailWG.Wait)
	return env
}

// register creates an account through the service and fails the test on error.
func (env *testEnv) register(t *testing.T, email string) *RegisterResult {
	t.Helper()
	res, err := env.svc.Register(context.Background(), RegisterInput{
		Name:     testUserName,
		Email:    email,
		Password: testPassword,
	}, testClient)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return res
}

// login signs in and fails the test on error.
func (env *testEnv) login(t *testing.T, email, password string) *LoginResult {
	t.Helper()
	res, err := env.svc.Login(context.Background(), LoginInput{Email: email, Password: password}, testClient)
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res
}

// assertAppError checks that err is an *apperror.AppError with the expected type.
func assertAppError(t *testing.T, err error, expectedType string) *apperror.AppError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", expectedType)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Type != expectedType {
		t.Fatalf("expected error type %s, got %s (message: %s)", expectedType, appErr.Type, appErr.Message)
	}
	return appErr
}

// containsFold reports whether s contains substr, ignoring case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
