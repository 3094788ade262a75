package message

import (
	"context"
	"time"

	"github.com/outflow/pacer/internal/domain"
)

// Repository defines the data access contract for message
// orchestration. Implementations must be safe for concurrent use.
type Repository interface {
	// GetGroup returns a group. Returns ErrGroupNotFound if missing.
	GetGroup(ctx context.Context, id string) (*domain.Group, error)

	// ActiveProfiles returns the group's active profiles.
	ActiveProfiles(ctx context.Context, groupID string) ([]domain.Profile, error)

	// GetProfile returns one profile by ID, or nil if missing.
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)

	// TopWeightedActiveProfile returns the active profile with the
	// highest weight score, or nil if the group has none.
	TopWeightedActiveProfile(ctx context.Context, groupID string) (*domain.Profile, error)

	// StatsForProfiles returns statistics rows keyed by profile ID.
	// Profiles without a row are absent from the map.
	StatsForProfiles(ctx context.Context, profileIDs []string) (map[string]*domain.ProfileStats, error)

	// PendingCounts returns the number of waiting queue items per
	// profile. Every requested ID has an entry (zero when none).
	PendingCounts(ctx context.Context, profileIDs []string) (map[string]int, error)

	// CreateMessage persists a new message.
	CreateMessage(ctx context.Context, m *domain.Message) error

	// GetMessage returns a message. Returns ErrMessageNotFound if missing.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// UpdateMessageStatus transitions a message's status.
	UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error

	// SetDistribution records which profile got which recipients.
	SetDistribution(ctx context.Context, messageID string, dist map[string][]string) error

	// UpdateMessageCounts applies processed/success/failed deltas and
	// marks the message completed once every recipient is processed.
	UpdateMessageCounts(ctx context.Context, messageID string, success bool) error

	// DeleteQueueItemsForMessage removes all queue items belonging to
	// the message (scheduling rollback).
	DeleteQueueItemsForMessage(ctx context.Context, messageID string) (int, error)

	// CancelWaitingForMessage flips the message's waiting items to
	// cancelled and returns how many were affected.
	CancelWaitingForMessage(ctx context.Context, messageID string) (int, error)

	// CancelAllWaiting flips every waiting item in the group to
	// cancelled.
	CancelAllWaiting(ctx context.Context, groupID string) (int, error)

	// DueScheduledMessages returns scheduled messages whose time has
	// come, oldest first.
	DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)

	// GetRouting returns the sticky conversation routing for a
	// recipient, or nil when none exists.
	GetRouting(ctx context.Context, groupID, recipient string) (*domain.Routing, error)

	// UpsertRouting creates or refreshes a routing row.
	UpsertRouting(ctx context.Context, r *domain.Routing) error

	// InsertDeliveryLog records one send attempt outcome.
	InsertDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error

	// RecordSendOutcome bumps the profile's rolling counters and
	// recomputes its success rate and response-time average.
	RecordSendOutcome(ctx context.Context, profileID string, success bool, responseTimeMs int) error

	// TouchLastMessageAt sets the profile's last actual send time.
	TouchLastMessageAt(ctx context.Context, profileID string, t time.Time) error

	// QueueStatus returns queue counters for a group.
	QueueStatus(ctx context.Context, groupID string) (*QueueStatus, error)

	// ListQueueItems returns queue items for a group ordered by
	// scheduled send time, optionally filtered by status.
	ListQueueItems(ctx context.Context, groupID string, status domain.QueueItemStatus, limit int) ([]domain.QueueItem, error)
}

// QueueStatus summarizes a group's queue.
type QueueStatus struct {
	Waiting        int        `json:"waiting"`
	Processing     int        `json:"processing"`
	Sent           int        `json:"sent"`
	Failed         int        `json:"failed"`
	Cancelled      int        `json:"cancelled"`
	Scheduled      int        `json:"scheduled_messages"`
	ActiveProfiles int        `json:"active_profiles"`
	NextSendAt     *time.Time `json:"next_send_at,omitempty"`
	QueueMode      string     `json:"queue_mode"`
}
