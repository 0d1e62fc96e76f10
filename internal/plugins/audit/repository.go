package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRepository defines the data access contract for auth_logs.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type AuditRepository interface {
	// Insert writes a new event row and sets event.ID.
	Insert(ctx context.Context, event *Event) error

	// ListByUser returns the most recent events for a user, newest first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]Event, error)
}

// auditRepository implements AuditRepository with MariaDB queries.
type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new repository backed by the given DB pool.
func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Insert stores an event. The details map is serialized to JSON before
// storage. Nil details are stored as SQL NULL.
func (r *auditRepository) Insert(ctx context.Context, event *Event) error {
	query := `INSERT INTO auth_logs (user_id, email, action, success, severity, ip_address, user_agent, details, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var detailsJSON []byte
	if event.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshaling audit details: %w", err)
		}
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}

	result, err := r.db.ExecContext(ctx, query,
		event.UserID, nullString(event.Email), event.Action, event.Success,
		string(event.Severity), nullString(event.IPAddress), nullString(event.UserAgent),
		detailsJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auth log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting auth log id: %w", err)
	}
	event.ID = id

	return nil
}

// ListByUser returns the user's most recent events.
func (r *auditRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]Event, error) {
	query := `SELECT id, user_id, email, action, success, severity,
	                 ip_address, user_agent, details, created_at
	          FROM auth_logs
	          WHERE user_id = ?
	          ORDER BY created_at DESC, id DESC
	          LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing auth logs: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e           Event
			uid         sql.NullInt64
			email       sql.NullString
			ip          sql.NullString
			ua          sql.NullString
			severity    string
			detailsJSON sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &uid, &email, &e.Action, &e.Success, &severity,
			&ip, &ua, &detailsJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning auth log: %w", err)
		}
		if uid.Valid {
			v := uid.Int64
			e.UserID = &v
		}
		e.Email = email.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.Severity = Severity(severity)

		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				// Non-fatal: keep the row in the feed.
				e.Details = map[string]any{"_parse_error": "invalid JSON"}
			}
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auth logs: %w", err)
	}

	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
