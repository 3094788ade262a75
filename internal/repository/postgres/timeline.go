package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/outflow/pacer/internal/domain"
)

// TimelineRepo implements timeline.Repository against PostgreSQL.
type TimelineRepo struct{ db *sql.DB }

// NewTimelineRepo creates a Postgres-backed timeline repository.
func NewTimelineRepo(db *sql.DB) *TimelineRepo { return &TimelineRepo{db: db} }

func (r *TimelineRepo) ActiveProfileIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM pacing_profiles
		WHERE group_id = $1 AND status = 'active'
		ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("active profile ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan profile id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *TimelineRepo) LastWaitingSlot(ctx context.Context, profileIDs []string) (*time.Time, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(scheduled_send_at)
		FROM pacing_queue
		WHERE profile_id = ANY($1) AND status = 'waiting'
	`, pq.Array(profileIDs)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last waiting slot: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

func (r *TimelineRepo) LastSendAt(ctx context.Context, profileID string) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT last_message_at FROM pacing_profiles WHERE id = $1
	`, profileID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last send at: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

func (r *TimelineRepo) InsertQueueItem(ctx context.Context, item *domain.QueueItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pacing_queue (
			id, message_id, profile_id, recipient,
			content_type, content, media_url, caption,
			status, scheduled_send_at, attempt_count, max_attempts,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, NOW(), NOW())
	`, item.ID, item.MessageID, item.ProfileID, item.Recipient,
		item.ContentType, item.Content, item.MediaURL, item.Caption,
		item.Status, item.ScheduledSendAt, item.MaxAttempts)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}
