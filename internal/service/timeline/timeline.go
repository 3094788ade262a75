// Package timeline assigns absolute send times to queue items so that
// all profiles in a group share one coherent interleaved timeline.
//
// Every scheduling decision is derived from two persisted facts — the
// last waiting slot for the profile and the last waiting slot across
// the group — never from in-memory batch position. Each item is
// persisted before the next slot is computed. That is what makes a
// 9-recipient batch and nine 1-recipient requests converge to the same
// timeline given identical prior state, and what makes the schedule
// survive restarts.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/pkg/distlock"
)

// ErrSchedulingRace means the group's scheduling lock could not be
// acquired within the grace period. Callers retry transparently.
var ErrSchedulingRace = errors.New("scheduling lock contention for group")

// Repository is the persisted queue state the scheduler reads, plus the
// single write it performs (inserting one item at a time).
type Repository interface {
	// ActiveProfileIDs returns the IDs of the group's active profiles.
	ActiveProfileIDs(ctx context.Context, groupID string) ([]string, error)

	// LastWaitingSlot returns the latest scheduled_send_at among
	// waiting items for the given profiles, or nil if there are none.
	LastWaitingSlot(ctx context.Context, profileIDs []string) (*time.Time, error)

	// LastSendAt returns the profile's last actual send time, or nil.
	LastSendAt(ctx context.Context, profileID string) (*time.Time, error)

	// InsertQueueItem persists one scheduled item. It must be visible
	// to subsequent LastWaitingSlot calls before this returns.
	InsertQueueItem(ctx context.Context, item *domain.QueueItem) error
}

// LockFactory builds a distributed lock for the given key. Nil disables
// locking (single-writer deployments and tests).
type LockFactory func(key string) distlock.DistLock

// Service is the global queue scheduler.
type Service struct {
	repo  Repository
	locks LockFactory
	now   func() time.Time

	lockWait     time.Duration
	lockInterval time.Duration
}

// NewService creates a scheduler. locks may be nil.
func NewService(repo Repository, locks LockFactory) *Service {
	return &Service{
		repo:         repo,
		locks:        locks,
		now:          time.Now,
		lockWait:     5 * time.Second,
		lockInterval: 100 * time.Millisecond,
	}
}

// NextSlot computes the earliest time the profile may send, honoring
// both its own cooldown and the group-wide inter-profile gap of
// cooldown/active_profile_count.
func (s *Service) NextSlot(ctx context.Context, group *domain.Group, profileID string, cooldownSeconds int) (time.Time, error) {
	now := s.now()

	activeIDs, err := s.repo.ActiveProfileIDs(ctx, group.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("active profiles: %w", err)
	}
	numProfiles := len(activeIDs)
	if numProfiles < 1 {
		numProfiles = 1
	}

	cooldown := time.Duration(cooldownSeconds) * time.Second
	interGap := cooldown / time.Duration(numProfiles)

	// Profile constraint: cooldown after the later of its last waiting
	// slot and its last actual send.
	profileEarliest := now
	lastForProfile, err := s.repo.LastWaitingSlot(ctx, []string{profileID})
	if err != nil {
		return time.Time{}, fmt.Errorf("last slot for profile: %w", err)
	}
	if lastForProfile != nil {
		if after := lastForProfile.Add(cooldown); after.After(profileEarliest) {
			profileEarliest = after
		}
	}
	lastSend, err := s.repo.LastSendAt(ctx, profileID)
	if err != nil {
		return time.Time{}, fmt.Errorf("last send: %w", err)
	}
	if lastSend != nil {
		if after := lastSend.Add(cooldown); after.After(profileEarliest) {
			profileEarliest = after
		}
	}

	// Group constraint: inter-profile gap after the latest waiting
	// slot anywhere in the group.
	globalEarliest := now
	globalLast, err := s.repo.LastWaitingSlot(ctx, activeIDs)
	if err != nil {
		return time.Time{}, fmt.Errorf("last slot for group: %w", err)
	}
	if globalLast != nil {
		if after := globalLast.Add(interGap); after.After(globalEarliest) {
			globalEarliest = after
		}
	}

	sendAt := profileEarliest
	if globalEarliest.After(sendAt) {
		sendAt = globalEarliest
	}
	if sendAt.Before(now) {
		sendAt = now
	}
	return sendAt, nil
}

// Schedule creates and persists queue items for the whole distribution,
// interleaved round-robin across profiles and scheduled one at a time.
// The entire call runs under the group's scheduling lock so concurrent
// requests for the same group cannot observe the same last slot.
func (s *Service) Schedule(ctx context.Context, group *domain.Group, msg *domain.Message, distribution map[string][]string, cooldowns map[string]int) ([]domain.QueueItem, error) {
	if s.locks != nil {
		lock := s.locks("schedule:group:" + group.ID)
		acquired, err := s.acquire(ctx, lock)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrSchedulingRace
		}
		defer lock.Release(ctx)
	}

	items := make([]domain.QueueItem, 0, totalRecipients(distribution))
	for _, pair := range interleave(distribution) {
		cooldown, ok := cooldowns[pair.profileID]
		if !ok {
			cooldown = MinDefaultCooldown
		}

		sendAt, err := s.NextSlot(ctx, group, pair.profileID, cooldown)
		if err != nil {
			return nil, err
		}

		item := domain.QueueItem{
			ID:              uuid.New().String(),
			MessageID:       msg.ID,
			ProfileID:       pair.profileID,
			Recipient:       pair.recipient,
			ContentType:     msg.ContentType,
			Content:         msg.Content,
			MediaURL:        msg.MediaURL,
			Caption:         msg.Caption,
			Status:          domain.ItemWaiting,
			ScheduledSendAt: sendAt,
			MaxAttempts:     group.RetryAttempts,
			CreatedAt:       s.now(),
		}
		// Persist before computing the next slot: the item itself is
		// the memory the next decision reads.
		if err := s.repo.InsertQueueItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("insert queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// MinDefaultCooldown is used when a profile is missing from the
// cooldown map (should not happen in practice).
const MinDefaultCooldown = 600

func (s *Service) acquire(ctx context.Context, lock distlock.DistLock) (bool, error) {
	deadline := s.now().Add(s.lockWait)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire scheduling lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if s.now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.lockInterval):
		}
	}
}

type pair struct {
	profileID string
	recipient string
}

// interleave flattens a distribution into round-robin order:
// A1, B1, C1, A2, B2, C2, ... Profile order is sorted for determinism.
func interleave(distribution map[string][]string) []pair {
	ids := make([]string, 0, len(distribution))
	maxLen := 0
	for id, recs := range distribution {
		ids = append(ids, id)
		if len(recs) > maxLen {
			maxLen = len(recs)
		}
	}
	sort.Strings(ids)

	out := make([]pair, 0, totalRecipients(distribution))
	for i := 0; i < maxLen; i++ {
		for _, id := range ids {
			if recs := distribution[id]; i < len(recs) {
				out = append(out, pair{profileID: id, recipient: recs[i]})
			}
		}
	}
	return out
}

func totalRecipients(distribution map[string][]string) int {
	n := 0
	for _, recs := range distribution {
		n += len(recs)
	}
	return n
}
