package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// defaultDevice labels sessions whose client did not name itself.
const defaultDevice = "web"

// SessionManager tracks issued tokens. A session is Active until it is
// revoked or found past expires_at during validation; both end states are
// final.
type SessionManager struct {
	repo   SessionRepository
	tokens *TokenService
	now    func() time.Time
}

// NewSessionManager creates a session manager.
func NewSessionManager(repo SessionRepository, tokens *TokenService, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{repo: repo, tokens: tokens, now: now}
}

// Create stores an active session for token, valid for the token lifetime.
func (m *SessionManager) Create(ctx context.Context, userID int64, token string, client ClientInfo) (*Session, error) {
	now := m.now().UTC()
	device := client.Device
	if device == "" {
		device = defaultDevice
	}

	s := &Session{
		UserID:    userID,
		Token:     token,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		Device:    device,
		CreatedAt: now,
		ExpiresAt: now.Add(m.tokens.TTL()),
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, storeError(err)
	}
	return s, nil
}

// Validate accepts a token only if it verifies, its session row is active,
// belongs to the token's subject and is not past expires_at. Every rejection
// is SessionInvalid; the underlying reason is kept in Internal.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Claims, *Session, error) {
	if token == "" {
		return nil, nil, sessionInvalid(fmt.Errorf("empty token"))
	}

	claims, verifyErr := m.tokens.Verify(token)

	s, err := m.repo.FindByToken(ctx, token)
	if apperror.Is(err, apperror.TypeNotFound) {
		if verifyErr != nil {
			return nil, nil, sessionInvalid(verifyErr)
		}
		return nil, nil, sessionInvalid(fmt.Errorf("no session for token"))
	}
	if err != nil {
		return nil, nil, storeError(err)
	}

	now := m.now()
	if apperror.Is(verifyErr, apperror.TypeTokenExpired) || (s.Active && !now.Before(s.ExpiresAt)) {
		m.expire(ctx, s)
		return nil, nil, sessionInvalid(fmt.Errorf("session %d expired", s.ID))
	}
	if verifyErr != nil {
		return nil, nil, sessionInvalid(verifyErr)
	}
	if !s.Active {
		return nil, nil, sessionInvalid(fmt.Errorf("session %d revoked", s.ID))
	}
	if s.UserID != claims.Subject {
		return nil, nil, sessionInvalid(fmt.Errorf("session %d owner mismatch", s.ID))
	}

	return claims, s, nil
}

// expire deactivates a session found past expiry. Failure is logged only;
// the session is rejected either way.
func (m *SessionManager) expire(ctx context.Context, s *Session) {
	if !s.Active {
		return
	}
	if err := m.repo.Expire(ctx, s.ID); err != nil {
		slog.Warn("failed to mark session expired",
			slog.Int64("session_id", s.ID),
			slog.Any("error", err),
		)
		return
	}
	s.Active = false
}

// Invalidate revokes the user's session for token. Revoking an already
// inactive or unknown session is not an error.
func (m *SessionManager) Invalidate(ctx context.Context, userID int64, token string) error {
	if err := m.repo.Revoke(ctx, userID, token); err != nil {
		return storeError(err)
	}
	return nil
}

// InvalidateAll revokes every active session of the user except the one
// holding exceptToken, when given. Returns how many were revoked.
func (m *SessionManager) InvalidateAll(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	n, err := m.repo.RevokeAllForUser(ctx, userID, exceptToken)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

// ListActive returns the user's live sessions with masked tokens.
func (m *SessionManager) ListActive(ctx context.Context, userID int64, currentToken string) ([]SessionView, error) {
	sessions, err := m.repo.ListActiveByUser(ctx, userID, m.now().UTC())
	if err != nil {
		return nil, storeError(err)
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:        s.ID,
			Token:     maskToken(s.Token),
			IPAddress: s.IPAddress,
			UserAgent: s.UserAgent,
			Device:    s.Device,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   currentToken != "" && s.Token == currentToken,
		})
	}
	return views, nil
}

// Terminate revokes one of the user's sessions by ID. Another user's session
// ID looks the same as an unknown one.
func (m *SessionManager) Terminate(ctx context.Context, userID, sessionID int64) error {
	ok, err := m.repo.RevokeByID(ctx, userID, sessionID)
	if err != nil {
		return storeError(err)
	}
	if !ok {
		return apperror.NewNotFound("session not found")
	}
	return nil
}

func sessionInvalid(cause error) *apperror.AppError {
	e := apperror.NewSessionInvalid()
	e.Internal = cause
	return e
}

// storeError passes domain errors through and wraps anything else as a
// StoreError.
func storeError(err error) error {
	if apperror.As(err) != nil {
		return err
	}
	return apperror.NewStore(err)
}
