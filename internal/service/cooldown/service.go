package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/outflow/pacer/internal/domain"
)

// Repository is the persisted state the calculator reads and the one
// piece of state it writes (the profile's cooldown fields).
type Repository interface {
	// WaitingCountForGroup returns the number of waiting queue items
	// across every profile in the group.
	WaitingCountForGroup(ctx context.Context, groupID string) (int, error)

	// SentCountSince returns the number of successful deliveries for
	// the profile since the given time.
	SentCountSince(ctx context.Context, profileID string, since time.Time) (int, error)

	// SaveCooldownState records the computed cooldown on the profile's
	// statistics row.
	SaveCooldownState(ctx context.Context, profileID string, seconds int, mode string, expiresAt time.Time) error
}

// Service wraps the pure Compute with state loading and persistence.
// It is the only component permitted to write cooldown state.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a cooldown service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ForProfile computes and persists the cooldown for the profile's next
// send.
func (s *Service) ForProfile(ctx context.Context, group *domain.Group, profile *domain.Profile) (Result, error) {
	queueSize, err := s.repo.WaitingCountForGroup(ctx, group.ID)
	if err != nil {
		return Result{}, fmt.Errorf("group queue size: %w", err)
	}

	twoHoursAgo := s.now().Add(-2 * time.Hour)
	trailing, err := s.repo.SentCountSince(ctx, profile.ID, twoHoursAgo)
	if err != nil {
		return Result{}, fmt.Errorf("trailing send count: %w", err)
	}

	res := Compute(group, profile, queueSize, trailing)

	expires := s.now().Add(time.Duration(res.Seconds) * time.Second)
	if err := s.repo.SaveCooldownState(ctx, profile.ID, res.Seconds, string(res.Mode), expires); err != nil {
		return Result{}, fmt.Errorf("save cooldown state: %w", err)
	}
	return res, nil
}
