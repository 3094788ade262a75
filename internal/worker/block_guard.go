package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlockGuard watches per-profile failure streaks and pauses a profile
// that looks blocked by the provider. Streaks live in Redis so every
// processor instance sees the same count; the pause itself is written
// to the database.
type BlockGuard struct {
	db    *sql.DB
	redis *redis.Client

	// Consecutive failures before the profile is paused.
	threshold int
	// How long a streak survives without new failures.
	window time.Duration
	// How long a paused profile stays down before it may resume.
	pauseFor time.Duration
}

// NewBlockGuard creates a guard with defaults tuned for human-paced
// messaging: five straight failures inside 30 minutes reads as a block.
func NewBlockGuard(db *sql.DB, redisClient *redis.Client) *BlockGuard {
	return &BlockGuard{
		db:        db,
		redis:     redisClient,
		threshold: 5,
		window:    30 * time.Minute,
		pauseFor:  2 * time.Hour,
	}
}

// SetThreshold overrides the failure streak threshold.
func (b *BlockGuard) SetThreshold(n int) {
	if n > 0 {
		b.threshold = n
	}
}

func (b *BlockGuard) streakKey(profileID string) string {
	return fmt.Sprintf("pacer:blockstreak:%s", profileID)
}

// RecordSuccess resets the profile's failure streak.
func (b *BlockGuard) RecordSuccess(ctx context.Context, profileID string) {
	if err := b.redis.Del(ctx, b.streakKey(profileID)).Err(); err != nil {
		log.Printf("[BlockGuard] Error resetting streak for %s: %v", profileID, err)
	}
}

// RecordFailure bumps the profile's failure streak and pauses the
// profile once the streak crosses the threshold.
func (b *BlockGuard) RecordFailure(ctx context.Context, profileID, errMsg string) {
	key := b.streakKey(profileID)

	streak, err := b.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[BlockGuard] Error bumping streak for %s: %v", profileID, err)
		return
	}
	if streak == 1 {
		b.redis.Expire(ctx, key, b.window)
	}

	if int(streak) < b.threshold {
		return
	}

	resumeAt := time.Now().Add(b.pauseFor)
	result, err := b.db.ExecContext(ctx, `
		UPDATE pacing_profiles
		SET status = 'paused',
		    pause_reason = $2,
		    resume_at = $3,
		    last_block_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, profileID, fmt.Sprintf("auto-paused after %d consecutive failures: %s", streak, errMsg), resumeAt)
	if err != nil {
		log.Printf("[BlockGuard] Error pausing profile %s: %v", profileID, err)
		return
	}

	if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[BlockGuard] Paused profile %s after %d consecutive failures (resume at %s)",
			profileID, streak, resumeAt.Format(time.RFC3339))
		b.redis.Del(ctx, key)
	}
}
