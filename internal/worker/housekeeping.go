package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Housekeeper runs the periodic maintenance sweeps the scheduling core
// depends on: rolling counter resets, stuck item recovery, auto-resume
// of paused profiles, and stale routing cleanup.
type Housekeeper struct {
	db           *sql.DB
	pollInterval time.Duration

	// Items stuck in processing longer than this are returned to
	// waiting. Covers processor crashes mid-send.
	stuckAfter time.Duration

	// Routing rows idle longer than this are dropped; the next reply
	// falls back to weight-based profile selection.
	routingTTL time.Duration

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewHousekeeper creates a housekeeper with default cadences.
func NewHousekeeper(db *sql.DB) *Housekeeper {
	return &Housekeeper{
		db:           db,
		pollInterval: time.Minute,
		stuckAfter:   10 * time.Minute,
		routingTTL:   30 * 24 * time.Hour,
	}
}

// Start begins the maintenance loop.
func (h *Housekeeper) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("housekeeper already running")
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	log.Printf("[Housekeeper] Starting with poll interval: %v", h.pollInterval)

	h.wg.Add(1)
	go h.loop()

	return nil
}

// Stop gracefully stops the housekeeper.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	log.Printf("[Housekeeper] Stopping...")
	h.cancel()
	h.wg.Wait()
	log.Printf("[Housekeeper] Stopped")
}

func (h *Housekeeper) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Housekeeper) sweep() {
	ctx, cancel := context.WithTimeout(h.ctx, 60*time.Second)
	defer cancel()

	h.resetCounters(ctx)
	h.recoverStuckItems(ctx)
	h.resumePausedProfiles(ctx)
	h.purgeStaleRouting(ctx)
}

// resetCounters rolls the per-profile windows over. Each window resets
// independently, keyed on its own last reset timestamp, so a missed
// sweep self-heals on the next one.
func (h *Housekeeper) resetCounters(ctx context.Context) {
	result, err := h.db.ExecContext(ctx, `
		UPDATE pacing_profile_stats
		SET sent_hour = 0, failed_hour = 0, last_hour_reset_at = NOW(), updated_at = NOW()
		WHERE last_hour_reset_at <= NOW() - INTERVAL '1 hour'
	`)
	if err != nil {
		log.Printf("[Housekeeper] Error resetting hourly counters: %v", err)
	} else if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Reset hourly counters for %d profiles", count)
	}

	result, err = h.db.ExecContext(ctx, `
		UPDATE pacing_profile_stats
		SET sent_3_hours = 0, last_3_hour_reset_at = NOW(), updated_at = NOW()
		WHERE last_3_hour_reset_at <= NOW() - INTERVAL '3 hours'
	`)
	if err != nil {
		log.Printf("[Housekeeper] Error resetting 3-hour counters: %v", err)
	} else if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Reset 3-hour counters for %d profiles", count)
	}

	result, err = h.db.ExecContext(ctx, `
		UPDATE pacing_profile_stats
		SET sent_today = 0, failed_today = 0, last_day_reset_at = NOW(), updated_at = NOW()
		WHERE last_day_reset_at::date < NOW()::date
	`)
	if err != nil {
		log.Printf("[Housekeeper] Error resetting daily counters: %v", err)
	} else if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Reset daily counters for %d profiles", count)
	}
}

// recoverStuckItems returns long-running processing items to waiting.
func (h *Housekeeper) recoverStuckItems(ctx context.Context) {
	result, err := h.db.ExecContext(ctx, `
		UPDATE pacing_queue
		SET status = 'waiting', updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at <= NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(h.stuckAfter.Seconds())))
	if err != nil {
		log.Printf("[Housekeeper] Error recovering stuck items: %v", err)
		return
	}
	if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Recovered %d stuck queue items", count)
	}
}

// resumePausedProfiles reactivates auto-paused profiles whose resume
// time has passed.
func (h *Housekeeper) resumePausedProfiles(ctx context.Context) {
	result, err := h.db.ExecContext(ctx, `
		UPDATE pacing_profiles
		SET status = 'active', pause_reason = '', resume_at = NULL, updated_at = NOW()
		WHERE status = 'paused'
		  AND resume_at IS NOT NULL
		  AND resume_at <= NOW()
	`)
	if err != nil {
		log.Printf("[Housekeeper] Error resuming paused profiles: %v", err)
		return
	}
	if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Resumed %d paused profiles", count)
	}
}

// purgeStaleRouting drops routing rows with no recent interaction.
func (h *Housekeeper) purgeStaleRouting(ctx context.Context) {
	result, err := h.db.ExecContext(ctx, `
		DELETE FROM pacing_routing
		WHERE last_interaction_at <= NOW() - $1::interval
	`, fmt.Sprintf("%d hours", int(h.routingTTL.Hours())))
	if err != nil {
		log.Printf("[Housekeeper] Error purging stale routing: %v", err)
		return
	}
	if count, _ := result.RowsAffected(); count > 0 {
		log.Printf("[Housekeeper] Purged %d stale routing entries", count)
	}
}
