package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CooldownRepo implements cooldown.Repository against PostgreSQL.
type CooldownRepo struct{ db *sql.DB }

// NewCooldownRepo creates a Postgres-backed cooldown repository.
func NewCooldownRepo(db *sql.DB) *CooldownRepo { return &CooldownRepo{db: db} }

func (r *CooldownRepo) WaitingCountForGroup(ctx context.Context, groupID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM pacing_queue q
		JOIN pacing_profiles p ON p.id = q.profile_id
		WHERE p.group_id = $1 AND q.status = 'waiting'
	`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("waiting count for group: %w", err)
	}
	return n, nil
}

func (r *CooldownRepo) SentCountSince(ctx context.Context, profileID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM pacing_delivery_logs
		WHERE profile_id = $1 AND status = 'sent' AND sent_at >= $2
	`, profileID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sent count since: %w", err)
	}
	return n, nil
}

func (r *CooldownRepo) SaveCooldownState(ctx context.Context, profileID string, seconds int, mode string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pacing_profile_stats
		SET cooldown_seconds = $2, cooldown_mode = $3, cooldown_expires_at = $4, updated_at = NOW()
		WHERE profile_id = $1
	`, profileID, seconds, mode, expiresAt)
	if err != nil {
		return fmt.Errorf("save cooldown state: %w", err)
	}
	return nil
}

// EnsureStatsRow creates the statistics row for a profile if missing.
// Called when profiles are provisioned so the hot paths can assume the
// row exists.
func (r *CooldownRepo) EnsureStatsRow(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pacing_profile_stats (
			profile_id, success_rate_24h,
			last_hour_reset_at, last_3_hour_reset_at, last_day_reset_at, updated_at
		) VALUES ($1, 100, NOW(), NOW(), NOW(), NOW())
		ON CONFLICT (profile_id) DO NOTHING
	`, profileID)
	if err != nil {
		return fmt.Errorf("ensure stats row: %w", err)
	}
	return nil
}
