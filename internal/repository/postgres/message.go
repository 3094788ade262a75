package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/service/message"
)

// MessageRepo implements message.Repository against PostgreSQL.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

func (r *MessageRepo) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	g := &domain.Group{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description,''), status, strategy,
		       max_per_hour, max_per_3_hours, max_per_day, max_concurrent_sends,
		       COALESCE(active_hours_start,''), COALESCE(active_hours_end,''), freeze_hours,
		       rush_threshold, rush_multiplier, quiet_threshold, quiet_multiplier,
		       retry_attempts, retry_delay_seconds, created_at, updated_at
		FROM pacing_groups
		WHERE id = $1
	`, id).Scan(
		&g.ID, &g.Name, &g.Description, &g.Status, &g.Strategy,
		&g.MaxPerHour, &g.MaxPer3Hours, &g.MaxPerDay, &g.MaxConcurrentSends,
		&g.ActiveHoursStart, &g.ActiveHoursEnd, &g.FreezeHours,
		&g.RushThreshold, &g.RushMultiplier, &g.QuietThreshold, &g.QuietMultiplier,
		&g.RetryAttempts, &g.RetryDelaySeconds, &g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, message.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

const profileColumns = `
	id, group_id, name, COALESCE(phone_number,''),
	COALESCE(provider_uuid,''), COALESCE(provider_token,''),
	status, COALESCE(pause_reason,''), resume_at,
	weight_score, health_score, risk_score,
	max_per_hour, max_per_3_hours, max_per_day,
	last_message_at, last_block_at, created_at, updated_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (*domain.Profile, error) {
	p := &domain.Profile{}
	var maxHour, max3Hours, maxDay sql.NullInt64
	err := row.Scan(
		&p.ID, &p.GroupID, &p.Name, &p.PhoneNumber,
		&p.ProviderUUID, &p.ProviderToken,
		&p.Status, &p.PauseReason, &p.ResumeAt,
		&p.WeightScore, &p.HealthScore, &p.RiskScore,
		&maxHour, &max3Hours, &maxDay,
		&p.LastMessageAt, &p.LastBlockAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maxHour.Valid {
		v := int(maxHour.Int64)
		p.MaxPerHour = &v
	}
	if max3Hours.Valid {
		v := int(max3Hours.Int64)
		p.MaxPer3Hours = &v
	}
	if maxDay.Valid {
		v := int(maxDay.Int64)
		p.MaxPerDay = &v
	}
	return p, nil
}

func (r *MessageRepo) ActiveProfiles(ctx context.Context, groupID string) ([]domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM pacing_profiles
		WHERE group_id = $1 AND status = 'active'
		ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("active profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *MessageRepo) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM pacing_profiles WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (r *MessageRepo) TopWeightedActiveProfile(ctx context.Context, groupID string) (*domain.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM pacing_profiles
		WHERE group_id = $1 AND status = 'active'
		ORDER BY weight_score DESC, id
		LIMIT 1
	`, groupID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("top weighted profile: %w", err)
	}
	return p, nil
}

func (r *MessageRepo) StatsForProfiles(ctx context.Context, profileIDs []string) (map[string]*domain.ProfileStats, error) {
	if len(profileIDs) == 0 {
		return map[string]*domain.ProfileStats{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT profile_id, sent_total, sent_today, sent_hour, sent_3_hours,
		       failed_today, failed_hour, success_rate_24h, avg_response_time_ms,
		       cooldown_seconds, COALESCE(cooldown_mode,''), cooldown_expires_at,
		       last_hour_reset_at, last_3_hour_reset_at, last_day_reset_at, updated_at
		FROM pacing_profile_stats
		WHERE profile_id = ANY($1)
	`, pq.Array(profileIDs))
	if err != nil {
		return nil, fmt.Errorf("stats for profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.ProfileStats, len(profileIDs))
	for rows.Next() {
		st := &domain.ProfileStats{}
		if err := rows.Scan(
			&st.ProfileID, &st.SentTotal, &st.SentToday, &st.SentHour, &st.Sent3Hours,
			&st.FailedToday, &st.FailedHour, &st.SuccessRate24h, &st.AvgResponseTimeMs,
			&st.CooldownSeconds, &st.CooldownMode, &st.CooldownExpiresAt,
			&st.LastHourResetAt, &st.Last3HourResetAt, &st.LastDayResetAt, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out[st.ProfileID] = st
	}
	return out, rows.Err()
}

func (r *MessageRepo) PendingCounts(ctx context.Context, profileIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(profileIDs))
	for _, id := range profileIDs {
		out[id] = 0
	}
	if len(profileIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT profile_id, COUNT(*)
		FROM pacing_queue
		WHERE profile_id = ANY($1) AND status = 'waiting'
		GROUP BY profile_id
	`, pq.Array(profileIDs))
	if err != nil {
		return nil, fmt.Errorf("pending counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r *MessageRepo) CreateMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pacing_messages (
			id, group_id, mode, content_type, content, media_url, caption,
			recipients, total_recipients, status, scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, m.ID, m.GroupID, m.Mode, m.ContentType, m.Content, m.MediaURL, m.Caption,
		pq.Array(m.Recipients), m.TotalRecipients, m.Status, m.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m := &domain.Message{}
	var distJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, group_id, mode, content_type, content,
		       COALESCE(media_url,''), COALESCE(caption,''),
		       recipients, total_recipients, processed_count, success_count, failed_count,
		       status, scheduled_at, COALESCE(distribution,'{}'::jsonb), created_at, updated_at
		FROM pacing_messages
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.GroupID, &m.Mode, &m.ContentType, &m.Content,
		&m.MediaURL, &m.Caption,
		pq.Array(&m.Recipients), &m.TotalRecipients, &m.ProcessedCount, &m.SuccessCount, &m.FailedCount,
		&m.Status, &m.ScheduledAt, &distJSON, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, message.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if len(distJSON) > 0 {
		if err := json.Unmarshal(distJSON, &m.Distribution); err != nil {
			return nil, fmt.Errorf("decode distribution: %w", err)
		}
	}
	return m, nil
}

func (r *MessageRepo) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pacing_messages SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return message.ErrMessageNotFound
	}
	return nil
}

func (r *MessageRepo) SetDistribution(ctx context.Context, messageID string, dist map[string][]string) error {
	data, err := json.Marshal(dist)
	if err != nil {
		return fmt.Errorf("encode distribution: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE pacing_messages SET distribution = $2, updated_at = NOW() WHERE id = $1
	`, messageID, data)
	if err != nil {
		return fmt.Errorf("set distribution: %w", err)
	}
	return nil
}

func (r *MessageRepo) UpdateMessageCounts(ctx context.Context, messageID string, success bool) error {
	successDelta, failedDelta := 0, 1
	if success {
		successDelta, failedDelta = 1, 0
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE pacing_messages
		SET processed_count = processed_count + 1,
		    success_count = success_count + $2,
		    failed_count = failed_count + $3,
		    status = CASE
		        WHEN processed_count + 1 >= total_recipients THEN 'completed'
		        ELSE status
		    END,
		    updated_at = NOW()
		WHERE id = $1
	`, messageID, successDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("update message counts: %w", err)
	}
	return nil
}

func (r *MessageRepo) DeleteQueueItemsForMessage(ctx context.Context, messageID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pacing_queue WHERE message_id = $1
	`, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) CancelWaitingForMessage(ctx context.Context, messageID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pacing_queue SET status = 'cancelled', updated_at = NOW()
		WHERE message_id = $1 AND status = 'waiting'
	`, messageID)
	if err != nil {
		return 0, fmt.Errorf("cancel waiting items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) CancelAllWaiting(ctx context.Context, groupID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pacing_queue q
		SET status = 'cancelled', updated_at = NOW()
		FROM pacing_profiles p
		WHERE q.profile_id = p.id AND p.group_id = $1 AND q.status = 'waiting'
	`, groupID)
	if err != nil {
		return 0, fmt.Errorf("cancel all waiting: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_id, mode, content_type, content,
		       COALESCE(media_url,''), COALESCE(caption,''),
		       recipients, total_recipients, status, scheduled_at, created_at, updated_at
		FROM pacing_messages
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID, &m.GroupID, &m.Mode, &m.ContentType, &m.Content,
			&m.MediaURL, &m.Caption,
			pq.Array(&m.Recipients), &m.TotalRecipients, &m.Status, &m.ScheduledAt,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepo) GetRouting(ctx context.Context, groupID, recipient string) (*domain.Routing, error) {
	rt := &domain.Routing{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, group_id, recipient, assigned_profile_id, last_interaction_at, created_at
		FROM pacing_routing
		WHERE group_id = $1 AND recipient = $2
	`, groupID, recipient).Scan(
		&rt.ID, &rt.GroupID, &rt.Recipient, &rt.AssignedProfileID, &rt.LastInteractionAt, &rt.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routing: %w", err)
	}
	return rt, nil
}

func (r *MessageRepo) UpsertRouting(ctx context.Context, rt *domain.Routing) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pacing_routing (id, group_id, recipient, assigned_profile_id, last_interaction_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (group_id, recipient) DO UPDATE
		SET assigned_profile_id = EXCLUDED.assigned_profile_id,
		    last_interaction_at = EXCLUDED.last_interaction_at
	`, rt.ID, rt.GroupID, rt.Recipient, rt.AssignedProfileID, rt.LastInteractionAt)
	if err != nil {
		return fmt.Errorf("upsert routing: %w", err)
	}
	return nil
}

func (r *MessageRepo) InsertDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pacing_delivery_logs (
			id, message_id, profile_id, recipient, mode, status,
			provider_message_id, attempt_count, error_message,
			response_time_ms, sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, l.ID, l.MessageID, l.ProfileID, l.Recipient, l.Mode, l.Status,
		l.ProviderMessageID, l.AttemptCount, l.ErrorMessage, l.ResponseTimeMs, l.SentAt)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// RecordSendOutcome counts one delivery attempt against the profile.
// Both outcomes advance the sent_* windows (they feed capacity checks,
// which track provider traffic, not successes); the 24h success rate is
// recomputed from today's totals.
func (r *MessageRepo) RecordSendOutcome(ctx context.Context, profileID string, success bool, responseTimeMs int) error {
	failedDelta := 0
	if !success {
		failedDelta = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE pacing_profile_stats
		SET sent_total = sent_total + 1,
		    sent_today = sent_today + 1,
		    sent_hour = sent_hour + 1,
		    sent_3_hours = sent_3_hours + 1,
		    failed_today = failed_today + $2,
		    failed_hour = failed_hour + $2,
		    success_rate_24h = (sent_today + 1 - failed_today - $2) * 100.0 / (sent_today + 1),
		    avg_response_time_ms = CASE
		        WHEN $3 <= 0 THEN avg_response_time_ms
		        WHEN avg_response_time_ms = 0 THEN $3
		        ELSE (avg_response_time_ms + $3) / 2
		    END,
		    updated_at = NOW()
		WHERE profile_id = $1
	`, profileID, failedDelta, responseTimeMs)
	if err != nil {
		return fmt.Errorf("record send outcome: %w", err)
	}
	return nil
}

func (r *MessageRepo) TouchLastMessageAt(ctx context.Context, profileID string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pacing_profiles SET last_message_at = $2, updated_at = NOW() WHERE id = $1
	`, profileID, t)
	if err != nil {
		return fmt.Errorf("touch last message at: %w", err)
	}
	return nil
}

func (r *MessageRepo) QueueStatus(ctx context.Context, groupID string) (*message.QueueStatus, error) {
	qs := &message.QueueStatus{}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN q.status = 'waiting' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN q.status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN q.status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN q.status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN q.status = 'cancelled' THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN q.status = 'waiting' THEN q.scheduled_send_at END)
		FROM pacing_queue q
		JOIN pacing_profiles p ON p.id = q.profile_id
		WHERE p.group_id = $1
	`, groupID).Scan(&qs.Waiting, &qs.Processing, &qs.Sent, &qs.Failed, &qs.Cancelled, &qs.NextSendAt)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pacing_profiles WHERE group_id = $1 AND status = 'active'
	`, groupID).Scan(&qs.ActiveProfiles); err != nil {
		return nil, fmt.Errorf("active profile count: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pacing_messages WHERE group_id = $1 AND status = 'scheduled'
	`, groupID).Scan(&qs.Scheduled); err != nil {
		return nil, fmt.Errorf("scheduled message count: %w", err)
	}

	return qs, nil
}

func (r *MessageRepo) ListQueueItems(ctx context.Context, groupID string, status domain.QueueItemStatus, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `
		SELECT q.id, q.message_id, q.profile_id, q.recipient,
		       q.content_type, q.content, COALESCE(q.media_url,''), COALESCE(q.caption,''),
		       q.status, q.scheduled_send_at, q.attempt_count, q.max_attempts,
		       COALESCE(q.last_error,''), q.sent_at, q.created_at, q.updated_at
		FROM pacing_queue q
		JOIN pacing_profiles p ON p.id = q.profile_id
		WHERE p.group_id = $1`
	args := []interface{}{groupID}
	idx := 2

	if status != "" {
		q += fmt.Sprintf(" AND q.status = $%d", idx)
		args = append(args, status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY q.scheduled_send_at ASC, q.id ASC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		if err := rows.Scan(
			&item.ID, &item.MessageID, &item.ProfileID, &item.Recipient,
			&item.ContentType, &item.Content, &item.MediaURL, &item.Caption,
			&item.Status, &item.ScheduledSendAt, &item.AttemptCount, &item.MaxAttempts,
			&item.LastError, &item.SentAt, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
