package audit

import (
	"context"
	"fmt"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

// defaultActivityLimit is the number of events returned when the caller
// does not ask for a specific amount.
const defaultActivityLimit = 20

// maxActivityLimit caps a single activity request.
const maxActivityLimit = 100

// AuditService exposes a user's own authentication history.
type AuditService interface {
	// RecentActivity returns the newest events for the user. limit <= 0
	// selects the default; larger values are clamped.
	RecentActivity(ctx context.Context, userID int64, limit int) ([]Event, error)
}

// auditService implements AuditService.
type auditService struct {
	repo AuditRepository
}

// NewAuditService creates a new audit service with the given repository.
func NewAuditService(repo AuditRepository) AuditService {
	return &auditService{repo: repo}
}

func (s *auditService) RecentActivity(ctx context.Context, userID int64, limit int) ([]Event, error) {
	if userID <= 0 {
		return nil, apperror.NewBadRequest("user ID is required")
	}
	switch {
	case limit <= 0:
		limit = defaultActivityLimit
	case limit > maxActivityLimit:
		limit = maxActivityLimit
	}

	events, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperror.NewStore(fmt.Errorf("listing activity: %w", err))
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}
