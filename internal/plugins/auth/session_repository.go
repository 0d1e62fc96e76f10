package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// SessionRepository defines the data access contract for the sessions table.
// Sessions only ever move from active to inactive; there is no write that
// reactivates a row.
type SessionRepository interface {
	// Create inserts an active session and sets s.ID.
	Create(ctx context.Context, s *Session) error

	// FindByToken returns the session for the token regardless of state.
	FindByToken(ctx context.Context, token string) (*Session, error)

	// Revoke deactivates the user's session holding token. Idempotent.
	Revoke(ctx context.Context, userID int64, token string) error

	// RevokeByID deactivates one of the user's sessions. Reports whether an
	// active row owned by userID was found.
	RevokeByID(ctx context.Context, userID, sessionID int64) (bool, error)

	// RevokeAllForUser deactivates every active session of the user except
	// the one holding exceptToken (when non-empty). Returns the count.
	RevokeAllForUser(ctx context.Context, userID int64, exceptToken string) (int64, error)

	// ListActiveByUser returns the user's sessions that are active and not
	// past expiry at now, newest first.
	ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]Session, error)

	// Expire deactivates a session found past its expiry.
	Expire(ctx context.Context, sessionID int64) error
}

// sessionRepository implements SessionRepository with MariaDB queries.
type sessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session repository backed by the given DB pool.
func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepository{db: db}
}

const sessionColumns = `id, user_id, token, ip_address, user_agent, device, created_at, expires_at, active`

// Create inserts a new session row.
func (r *sessionRepository) Create(ctx context.Context, s *Session) error {
	query := `INSERT INTO sessions (user_id, token, ip_address, user_agent, device, created_at, expires_at, active)
	          VALUES (?, ?, ?, ?, ?, ?, ?, TRUE)`

	result, err := r.db.ExecContext(ctx, query,
		s.UserID, s.Token, nullIfEmpty(s.IPAddress), nullIfEmpty(s.UserAgent),
		s.Device, s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting session id: %w", err)
	}
	s.ID = id
	s.Active = true

	return nil
}

// FindByToken retrieves a session by its token.
// Returns apperror.NotFound if no row holds the token.
func (r *sessionRepository) FindByToken(ctx context.Context, token string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = ?`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	return s, nil
}

// Revoke deactivates a session by token.
func (r *sessionRepository) Revoke(ctx context.Context, userID int64, token string) error {
	query := `UPDATE sessions SET active = FALSE WHERE token = ? AND user_id = ? AND active = TRUE`

	if _, err := r.db.ExecContext(ctx, query, token, userID); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeByID deactivates a session by ID, scoped to its owner.
func (r *sessionRepository) RevokeByID(ctx context.Context, userID, sessionID int64) (bool, error) {
	query := `UPDATE sessions SET active = FALSE WHERE id = ? AND user_id = ? AND active = TRUE`

	result, err := r.db.ExecContext(ctx, query, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("revoking session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoking session: %w", err)
	}

	return n == 1, nil
}

// RevokeAllForUser deactivates all of a user's sessions, optionally keeping one.
func (r *sessionRepository) RevokeAllForUser(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	query := `UPDATE sessions SET active = FALSE WHERE user_id = ? AND active = TRUE`
	args := []any{userID}
	if exceptToken != "" {
		query += ` AND token <> ?`
		args = append(args, exceptToken)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}

	return n, nil
}

// ListActiveByUser returns the user's live sessions.
func (r *sessionRepository) ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
	          WHERE user_id = ? AND active = TRUE AND expires_at > ?
	          ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, *s)
	}

	return sessions, rows.Err()
}

// Expire deactivates a session that validation found past its expiry.
func (r *sessionRepository) Expire(ctx context.Context, sessionID int64) error {
	query := `UPDATE sessions SET active = FALSE WHERE id = ? AND active = TRUE`

	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("expiring session: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s  Session
		ip sql.NullString
		ua sql.NullString
	)
	if err := row.Scan(
		&s.ID, &s.UserID, &s.Token, &ip, &ua, &s.Device,
		&s.CreatedAt, &s.ExpiresAt, &s.Active,
	); err != nil {
		return nil, err
	}
	s.IPAddress = ip.String
	s.UserAgent = ua.String
	return &s, nil
}
