package domain

import "time"

// GroupStatus is the lifecycle state of a sending group.
type GroupStatus string

const (
	GroupActive   GroupStatus = "active"
	GroupPaused   GroupStatus = "paused"
	GroupArchived GroupStatus = "archived"
)

// Strategy selects how recipients are partitioned across profiles.
type Strategy string

const (
	StrategyRotate   Strategy = "rotate"
	StrategyRandom   Strategy = "random"
	StrategyWeighted Strategy = "weighted"
	StrategySmart    Strategy = "smart"
)

// Group bundles sending profiles that share rate limits and a
// distribution strategy.
type Group struct {
	ID          string
	Name        string
	Description string
	Status      GroupStatus
	Strategy    Strategy

	// Default per-profile limits. Profiles may override them.
	MaxPerHour         int
	MaxPer3Hours       int
	MaxPerDay          int
	MaxConcurrentSends int

	// Daily window during which no messages go out.
	ActiveHoursStart string
	ActiveHoursEnd   string
	FreezeHours      int

	// Queue-pressure thresholds and multipliers for cooldown.
	RushThreshold   int
	RushMultiplier  float64
	QuietThreshold  int
	QuietMultiplier float64

	// Retry policy applied to queue items.
	RetryAttempts     int
	RetryDelaySeconds int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileStatus is the lifecycle state of a sending profile.
type ProfileStatus string

const (
	ProfileActive   ProfileStatus = "active"
	ProfilePaused   ProfileStatus = "paused"
	ProfileInactive ProfileStatus = "inactive"
)

// Profile is one sending identity. It belongs to exactly one Group and
// carries externally computed weight and risk signals.
type Profile struct {
	ID          string
	GroupID     string
	Name        string
	PhoneNumber string

	// Provider credentials used by the transport.
	ProviderUUID  string
	ProviderToken string

	Status      ProfileStatus
	PauseReason string
	ResumeAt    *time.Time

	// Signals refreshed by external scoring, read-only here.
	WeightScore float64
	HealthScore int
	RiskScore   int

	// Optional overrides; nil means "use the group default".
	MaxPerHour   *int
	MaxPer3Hours *int
	MaxPerDay    *int

	LastMessageAt *time.Time
	LastBlockAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveDailyLimit resolves the profile's daily cap, falling back to
// the group default when no override is set.
func (p *Profile) EffectiveDailyLimit(g *Group) int {
	if p.MaxPerDay != nil {
		return *p.MaxPerDay
	}
	return g.MaxPerDay
}

// EffectiveHourlyLimit resolves the profile's hourly cap.
func (p *Profile) EffectiveHourlyLimit(g *Group) int {
	if p.MaxPerHour != nil {
		return *p.MaxPerHour
	}
	return g.MaxPerHour
}

// Effective3HourLimit resolves the profile's rolling 3-hour cap.
func (p *Profile) Effective3HourLimit(g *Group) int {
	if p.MaxPer3Hours != nil {
		return *p.MaxPer3Hours
	}
	return g.MaxPer3Hours
}

// CooldownMode labels the queue-pressure regime a cooldown was computed
// under.
type CooldownMode string

const (
	CooldownQuiet    CooldownMode = "quiet"
	CooldownNormal   CooldownMode = "normal"
	CooldownRushHour CooldownMode = "rush_hour"
	CooldownCritical CooldownMode = "critical"
)

// ProfileStats holds the rolling counters and cooldown state for one
// profile. Counters are reset on fixed windows by housekeeping; the
// scheduling core only reads and increments them.
type ProfileStats struct {
	ProfileID string

	SentTotal  int64
	SentToday  int
	SentHour   int
	Sent3Hours int

	FailedToday int
	FailedHour  int

	SuccessRate24h    float64
	AvgResponseTimeMs float64

	CooldownSeconds   int
	CooldownMode      CooldownMode
	CooldownExpiresAt *time.Time

	LastHourResetAt  time.Time
	Last3HourResetAt time.Time
	LastDayResetAt   time.Time

	UpdatedAt time.Time
}

// MessageStatus is the lifecycle state of a logical send request.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageQueued     MessageStatus = "queued"
	MessageScheduled  MessageStatus = "scheduled"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageCancelled  MessageStatus = "cancelled"
)

// MessageMode distinguishes paced outbound sends from immediate replies.
type MessageMode string

const (
	ModeOpen  MessageMode = "open"
	ModeReply MessageMode = "reply"
)

// Message is one logical send request covering one or many recipients.
type Message struct {
	ID      string
	GroupID string

	Mode        MessageMode
	ContentType string
	Content     string
	MediaURL    string
	Caption     string

	Recipients      []string
	TotalRecipients int
	ProcessedCount  int
	SuccessCount    int
	FailedCount     int

	Status      MessageStatus
	ScheduledAt *time.Time

	// Which profile got which recipients, recorded for auditability.
	Distribution map[string][]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueItemStatus is the state of one scheduled (profile, recipient) send.
type QueueItemStatus string

const (
	ItemWaiting    QueueItemStatus = "waiting"
	ItemProcessing QueueItemStatus = "processing"
	ItemSent       QueueItemStatus = "sent"
	ItemFailed     QueueItemStatus = "failed"
	ItemCancelled  QueueItemStatus = "cancelled"
)

// QueueItem is the atomic unit the scheduler produces: one recipient
// bound to one profile with an absolute send time.
type QueueItem struct {
	ID        string
	MessageID string
	ProfileID string
	Recipient string

	ContentType string
	Content     string
	MediaURL    string
	Caption     string

	Status          QueueItemStatus
	ScheduledSendAt time.Time
	AttemptCount    int
	MaxAttempts     int
	LastError       string

	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryStatus is the recorded outcome of one send attempt.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryLog is an immutable record of one attempted send, written by
// the processor and consumed by downstream analytics and risk scoring.
type DeliveryLog struct {
	ID        string
	MessageID string
	ProfileID string
	Recipient string

	Mode              MessageMode
	Status            DeliveryStatus
	ProviderMessageID string
	AttemptCount      int
	ErrorMessage      string
	ResponseTimeMs    int

	SentAt    *time.Time
	CreatedAt time.Time
}

// Routing pins a recipient's conversation to the profile that last
// messaged them so replies reuse the same identity.
type Routing struct {
	ID                string
	GroupID           string
	Recipient         string
	AssignedProfileID string
	LastInteractionAt time.Time
	CreatedAt         time.Time
}
