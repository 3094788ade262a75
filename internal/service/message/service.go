// Package message orchestrates the send pipeline: distribution across
// profiles, per-profile cooldown, and global timeline scheduling for
// paced sends, plus the immediate reply path with sticky routing.
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/pkg/logger"
	"github.com/outflow/pacer/internal/service/cooldown"
	"github.com/outflow/pacer/internal/service/dispatch"
	"github.com/outflow/pacer/internal/transport"
)

// CooldownCalculator computes and persists a profile's next-send delay.
type CooldownCalculator interface {
	ForProfile(ctx context.Context, group *domain.Group, profile *domain.Profile) (cooldown.Result, error)
}

// Scheduler assigns absolute send times and persists queue items.
type Scheduler interface {
	Schedule(ctx context.Context, group *domain.Group, msg *domain.Message, distribution map[string][]string, cooldowns map[string]int) ([]domain.QueueItem, error)
}

// Service implements message business logic.
type Service struct {
	repo      Repository
	cooldowns CooldownCalculator
	scheduler Scheduler
	sender    transport.Sender
	now       func() time.Time
}

// NewService creates a message service.
func NewService(repo Repository, cooldowns CooldownCalculator, scheduler Scheduler, sender transport.Sender) *Service {
	return &Service{
		repo:      repo,
		cooldowns: cooldowns,
		scheduler: scheduler,
		sender:    sender,
		now:       time.Now,
	}
}

// SendInput describes one send request.
type SendInput struct {
	Recipients  []string
	ContentType string
	Content     string
	MediaURL    string
	Caption     string
}

// ProfileUsage reports a profile's limit consumption in a receipt.
type ProfileUsage struct {
	Assigned int    `json:"assigned"`
	Hourly   string `json:"hourly"`
	Daily    string `json:"daily"`
	Status   string `json:"status"`
}

// Receipt summarizes an accepted paced send.
type Receipt struct {
	MessageID    string                  `json:"message_id"`
	Status       domain.MessageStatus    `json:"status"`
	Recipients   int                     `json:"total_recipients"`
	Unassigned   []string                `json:"unassigned,omitempty"`
	Distribution map[string]ProfileUsage `json:"distribution"`
	FirstSendAt  *time.Time              `json:"first_send_at,omitempty"`
	LastSendAt   *time.Time              `json:"last_send_at,omitempty"`
}

// SendOpen runs the full pacing pipeline for an outbound send. The
// request either succeeds with a distribution summary or fails
// atomically: a scheduling failure removes the message's queue items
// and marks the message failed.
func (s *Service) SendOpen(ctx context.Context, groupID string, in SendInput) (*Receipt, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != domain.GroupActive {
		return nil, ErrGroupInactive
	}

	candidates, err := s.loadCandidates(ctx, groupID)
	if err != nil {
		return nil, err
	}

	// Distribute before creating the Message: a group with no eligible
	// profiles must not leave a record behind.
	result, err := dispatch.Distribute(group, candidates, in.Recipients)
	if err != nil {
		return nil, err
	}
	if len(result.Unassigned) > 0 {
		logger.Warn("partial distribution, group at capacity",
			"group_id", groupID, "unassigned", len(result.Unassigned))
	}

	msg := &domain.Message{
		ID:              uuid.New().String(),
		GroupID:         groupID,
		Mode:            domain.ModeOpen,
		ContentType:     in.ContentType,
		Content:         in.Content,
		MediaURL:        in.MediaURL,
		Caption:         in.Caption,
		Recipients:      in.Recipients,
		TotalRecipients: result.Total(),
		Status:          domain.MessageQueued,
		Distribution:    result.Assignments,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := s.repo.SetDistribution(ctx, msg.ID, result.Assignments); err != nil {
		return nil, fmt.Errorf("record distribution: %w", err)
	}

	cooldowns, err := s.computeCooldowns(ctx, group, result.Assignments)
	if err != nil {
		s.rollback(ctx, msg.ID)
		return nil, err
	}

	items, err := s.scheduler.Schedule(ctx, group, msg, result.Assignments, cooldowns)
	if err != nil {
		s.rollback(ctx, msg.ID)
		return nil, fmt.Errorf("schedule: %w", err)
	}

	return s.buildReceipt(group, msg, result, candidates, items), nil
}

// ReplyInput describes a direct reply to one recipient.
type ReplyInput struct {
	Recipient   string
	ContentType string
	Content     string
	MediaURL    string
	Caption     string
}

// ReplyReceipt summarizes an immediate reply send.
type ReplyReceipt struct {
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
	ProfileUsed    string `json:"profile_used"`
	ResponseTimeMs int    `json:"response_time_ms"`
}

// SendReply sends immediately through the profile that owns the
// conversation (sticky routing), bypassing pacing entirely. Falls back
// to the highest-weight active profile for unknown recipients.
func (s *Service) SendReply(ctx context.Context, groupID string, in ReplyInput) (*ReplyReceipt, error) {
	// Replies bypass group limits, but the group must exist.
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	var profile *domain.Profile
	var err error
	routing, err := s.repo.GetRouting(ctx, groupID, in.Recipient)
	if err != nil {
		return nil, fmt.Errorf("lookup routing: %w", err)
	}
	if routing != nil {
		profile, err = s.repo.GetProfile(ctx, routing.AssignedProfileID)
		if err != nil {
			return nil, err
		}
	}
	if profile == nil || profile.Status != domain.ProfileActive {
		profile, err = s.repo.TopWeightedActiveProfile(ctx, groupID)
		if err != nil {
			return nil, err
		}
	}
	if profile == nil {
		return nil, ErrNoActiveProfile
	}

	msg := &domain.Message{
		ID:              uuid.New().String(),
		GroupID:         groupID,
		Mode:            domain.ModeReply,
		ContentType:     in.ContentType,
		Content:         in.Content,
		MediaURL:        in.MediaURL,
		Caption:         in.Caption,
		Recipients:      []string{in.Recipient},
		TotalRecipients: 1,
		Status:          domain.MessageProcessing,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	res, err := s.sender.Send(ctx, profile, transport.Request{
		Recipient:   in.Recipient,
		ContentType: in.ContentType,
		Content:     in.Content,
		MediaURL:    in.MediaURL,
		Caption:     in.Caption,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	now := s.now()
	status := domain.MessageCompleted
	deliveryStatus := domain.DeliverySent
	var sentAt *time.Time
	if res.Success {
		sentAt = &now
	} else {
		status = domain.MessageFailed
		deliveryStatus = domain.DeliveryFailed
	}

	log := &domain.DeliveryLog{
		ID:                uuid.New().String(),
		MessageID:         msg.ID,
		ProfileID:         profile.ID,
		Recipient:         in.Recipient,
		Mode:              domain.ModeReply,
		Status:            deliveryStatus,
		ProviderMessageID: res.ProviderMessageID,
		AttemptCount:      1,
		ErrorMessage:      res.Error,
		ResponseTimeMs:    res.ResponseTimeMs,
		SentAt:            sentAt,
		CreatedAt:         now,
	}
	if err := s.repo.InsertDeliveryLog(ctx, log); err != nil {
		logger.Error("insert delivery log", "error", err)
	}

	if err := s.repo.UpdateMessageStatus(ctx, msg.ID, status); err != nil {
		logger.Error("update message status", "error", err)
	}
	if err := s.repo.UpdateMessageCounts(ctx, msg.ID, res.Success); err != nil {
		logger.Error("update message counts", "error", err)
	}
	if err := s.repo.RecordSendOutcome(ctx, profile.ID, res.Success, res.ResponseTimeMs); err != nil {
		logger.Error("record send outcome", "error", err)
	}

	if res.Success {
		if err := s.repo.UpsertRouting(ctx, &domain.Routing{
			GroupID:           groupID,
			Recipient:         in.Recipient,
			AssignedProfileID: profile.ID,
			LastInteractionAt: now,
		}); err != nil {
			logger.Error("upsert routing", "error", err)
		}
		if err := s.repo.TouchLastMessageAt(ctx, profile.ID, now); err != nil {
			logger.Error("touch last message at", "error", err)
		}
	}

	statusLabel := "sent"
	if !res.Success {
		statusLabel = "failed"
	}
	return &ReplyReceipt{
		MessageID:      msg.ID,
		Status:         statusLabel,
		ProfileUsed:    profile.Name,
		ResponseTimeMs: res.ResponseTimeMs,
	}, nil
}

// DeferInput describes a message to be sent at a future time.
type DeferInput struct {
	SendInput
	ScheduledAt  time.Time
	DripMode     bool
	DripInterval time.Duration
}

// Defer stores one or more scheduled messages for later promotion. In
// drip mode each recipient becomes its own message, staggered by the
// drip interval.
func (s *Service) Defer(ctx context.Context, groupID string, in DeferInput) ([]domain.Message, error) {
	if !in.ScheduledAt.After(s.now()) {
		return nil, ErrPastScheduleTime
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	interval := in.DripInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	var created []domain.Message
	if in.DripMode && len(in.Recipients) > 1 {
		for i, recipient := range in.Recipients {
			m := domain.Message{
				ID:              uuid.New().String(),
				GroupID:         groupID,
				Mode:            domain.ModeOpen,
				ContentType:     in.ContentType,
				Content:         in.Content,
				MediaURL:        in.MediaURL,
				Caption:         in.Caption,
				Recipients:      []string{recipient},
				TotalRecipients: 1,
				Status:          domain.MessageScheduled,
				CreatedAt:       s.now(),
			}
			at := in.ScheduledAt.Add(time.Duration(i) * interval)
			m.ScheduledAt = &at
			if err := s.repo.CreateMessage(ctx, &m); err != nil {
				return nil, fmt.Errorf("create drip message: %w", err)
			}
			created = append(created, m)
		}
		return created, nil
	}

	m := domain.Message{
		ID:              uuid.New().String(),
		GroupID:         groupID,
		Mode:            domain.ModeOpen,
		ContentType:     in.ContentType,
		Content:         in.Content,
		MediaURL:        in.MediaURL,
		Caption:         in.Caption,
		Recipients:      in.Recipients,
		TotalRecipients: len(in.Recipients),
		Status:          domain.MessageScheduled,
		ScheduledAt:     &in.ScheduledAt,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreateMessage(ctx, &m); err != nil {
		return nil, fmt.Errorf("create scheduled message: %w", err)
	}
	return []domain.Message{m}, nil
}

// PromoteDue pushes due scheduled messages through the normal
// distribute→cooldown→schedule pipeline. Returns how many were
// promoted. Failures affect only the message at hand.
func (s *Service) PromoteDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.DueScheduledMessages(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("due scheduled messages: %w", err)
	}

	promoted := 0
	for i := range due {
		msg := &due[i]
		if err := s.promote(ctx, msg); err != nil {
			logger.Error("promote scheduled message", "message_id", msg.ID, "error", err)
			if err := s.repo.UpdateMessageStatus(ctx, msg.ID, domain.MessageFailed); err != nil {
				logger.Error("mark scheduled message failed", "message_id", msg.ID, "error", err)
			}
			continue
		}
		promoted++
	}
	return promoted, nil
}

func (s *Service) promote(ctx context.Context, msg *domain.Message) error {
	group, err := s.repo.GetGroup(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	if group.Status != domain.GroupActive {
		return ErrGroupInactive
	}

	candidates, err := s.loadCandidates(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	result, err := dispatch.Distribute(group, candidates, msg.Recipients)
	if err != nil {
		return err
	}

	if err := s.repo.SetDistribution(ctx, msg.ID, result.Assignments); err != nil {
		return fmt.Errorf("record distribution: %w", err)
	}

	cooldowns, err := s.computeCooldowns(ctx, group, result.Assignments)
	if err != nil {
		return err
	}
	if _, err := s.scheduler.Schedule(ctx, group, msg, result.Assignments, cooldowns); err != nil {
		s.rollback(ctx, msg.ID)
		return fmt.Errorf("schedule: %w", err)
	}
	return s.repo.UpdateMessageStatus(ctx, msg.ID, domain.MessageQueued)
}

// GetMessage returns one message with its distribution and progress.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.repo.GetMessage(ctx, id)
}

// Cancel flips a message and its waiting queue items to cancelled.
// Other items in the group keep their slots.
func (s *Service) Cancel(ctx context.Context, messageID string) (int, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	switch msg.Status {
	case domain.MessageCompleted, domain.MessageCancelled, domain.MessageFailed:
		return 0, ErrNotCancellable
	}

	n, err := s.repo.CancelWaitingForMessage(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("cancel queue items: %w", err)
	}
	if err := s.repo.UpdateMessageStatus(ctx, messageID, domain.MessageCancelled); err != nil {
		return n, fmt.Errorf("cancel message: %w", err)
	}
	return n, nil
}

// CancelAllWaiting cancels every waiting queue item in the group.
func (s *Service) CancelAllWaiting(ctx context.Context, groupID string) (int, error) {
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return 0, err
	}
	return s.repo.CancelAllWaiting(ctx, groupID)
}

// QueueStatus returns the group's queue counters with the pressure
// mode derived the same way the cooldown calculator does.
func (s *Service) QueueStatus(ctx context.Context, groupID string) (*QueueStatus, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	st, err := s.repo.QueueStatus(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}

	switch {
	case st.Waiting >= cooldown.CriticalQueueSize:
		st.QueueMode = string(domain.CooldownCritical)
	case st.Waiting > group.RushThreshold:
		st.QueueMode = string(domain.CooldownRushHour)
	case st.Waiting <= group.QuietThreshold:
		st.QueueMode = string(domain.CooldownQuiet)
	default:
		st.QueueMode = string(domain.CooldownNormal)
	}
	return st, nil
}

// ListQueueItems returns a group's queue items for inspection.
func (s *Service) ListQueueItems(ctx context.Context, groupID string, status domain.QueueItemStatus, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListQueueItems(ctx, groupID, status, limit)
}

// loadCandidates builds the distribution snapshot: active profiles with
// their statistics and pending queue load.
func (s *Service) loadCandidates(ctx context.Context, groupID string) ([]dispatch.Candidate, error) {
	profiles, err := s.repo.ActiveProfiles(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("active profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, dispatch.ErrNoEligibleProfiles
	}

	ids := make([]string, len(profiles))
	for i := range profiles {
		ids[i] = profiles[i].ID
	}
	stats, err := s.repo.StatsForProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("profile stats: %w", err)
	}
	pending, err := s.repo.PendingCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("pending counts: %w", err)
	}

	candidates := make([]dispatch.Candidate, len(profiles))
	for i := range profiles {
		candidates[i] = dispatch.Candidate{
			Profile: &profiles[i],
			Stats:   stats[profiles[i].ID],
			Pending: pending[profiles[i].ID],
		}
	}
	return candidates, nil
}

func (s *Service) computeCooldowns(ctx context.Context, group *domain.Group, assignments map[string][]string) (map[string]int, error) {
	cooldowns := make(map[string]int, len(assignments))
	for profileID := range assignments {
		profile, err := s.repo.GetProfile(ctx, profileID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			continue
		}
		res, err := s.cooldowns.ForProfile(ctx, group, profile)
		if err != nil {
			return nil, fmt.Errorf("cooldown for %s: %w", profileID, err)
		}
		cooldowns[profileID] = res.Seconds
	}
	return cooldowns, nil
}

// rollback undoes a partially scheduled message: queue items go away,
// the message is marked failed.
func (s *Service) rollback(ctx context.Context, messageID string) {
	if _, err := s.repo.DeleteQueueItemsForMessage(ctx, messageID); err != nil {
		logger.Error("rollback queue items", "message_id", messageID, "error", err)
	}
	if err := s.repo.UpdateMessageStatus(ctx, messageID, domain.MessageFailed); err != nil {
		logger.Error("rollback message status", "message_id", messageID, "error", err)
	}
}

func (s *Service) buildReceipt(group *domain.Group, msg *domain.Message, result *dispatch.Result, candidates []dispatch.Candidate, items []domain.QueueItem) *Receipt {
	byID := make(map[string]*dispatch.Candidate, len(candidates))
	for i := range candidates {
		byID[candidates[i].Profile.ID] = &candidates[i]
	}

	usage := make(map[string]ProfileUsage, len(result.Assignments))
	for profileID, recs := range result.Assignments {
		c, ok := byID[profileID]
		if !ok {
			continue
		}
		sentHour, sentDay := 0, 0
		if c.Stats != nil {
			sentHour, sentDay = c.Stats.SentHour, c.Stats.SentToday
		}
		usage[profileID] = ProfileUsage{
			Assigned: len(recs),
			Hourly:   fmt.Sprintf("%d/%d", sentHour, c.Profile.EffectiveHourlyLimit(group)),
			Daily:    fmt.Sprintf("%d/%d", sentDay, c.Profile.EffectiveDailyLimit(group)),
			Status:   string(c.Profile.Status),
		}
	}

	receipt := &Receipt{
		MessageID:    msg.ID,
		Status:       domain.MessageQueued,
		Recipients:   msg.TotalRecipients,
		Unassigned:   result.Unassigned,
		Distribution: usage,
	}
	for i := range items {
		t := items[i].ScheduledSendAt
		if receipt.FirstSendAt == nil || t.Before(*receipt.FirstSendAt) {
			first := t
			receipt.FirstSendAt = &first
		}
		if receipt.LastSendAt == nil || t.After(*receipt.LastSendAt) {
			last := t
			receipt.LastSendAt = &last
		}
	}
	return receipt
}
