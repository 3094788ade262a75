package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/transport"
)

// QueueProcessor drains the message queue. It claims due waiting items
// in scheduled order, delivers them through the transport, and applies
// the retry policy on failure. Multiple processor instances may run
// against the same database; FOR UPDATE SKIP LOCKED keeps them from
// claiming the same item twice.
type QueueProcessor struct {
	db           *sql.DB
	sender       transport.Sender
	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration

	// Optional collaborators
	limiter    *SendRateLimiter
	blockGuard BlockReporter

	// Stats
	totalSent    int64
	totalFailed  int64
	totalRetried int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// BlockReporter receives per-profile send outcomes so a detector can
// pause profiles that look blocked by the provider.
type BlockReporter interface {
	RecordFailure(ctx context.Context, profileID, errMsg string)
	RecordSuccess(ctx context.Context, profileID string)
}

// claimedItem is one queue row claimed for processing, joined with the
// profile and group fields the send path needs.
type claimedItem struct {
	ID          uuid.UUID
	MessageID   uuid.UUID
	ProfileID   uuid.UUID
	Recipient   string
	ContentType string
	Content     string
	MediaURL    sql.NullString
	Caption     sql.NullString

	AttemptCount int
	MaxAttempts  int
}

// NewQueueProcessor creates a processor with sane defaults. Queue
// volumes here are human-paced, so a small pool suffices.
func NewQueueProcessor(db *sql.DB, sender transport.Sender) *QueueProcessor {
	return &QueueProcessor{
		db:           db,
		sender:       sender,
		workerID:     fmt.Sprintf("processor-%s", uuid.New().String()[:8]),
		numWorkers:   4,
		batchSize:    20,
		pollInterval: 5 * time.Second,
	}
}

// SetRateLimiter attaches the Redis window limiter. Without it the
// processor relies on the scheduler's cooldown spacing alone.
func (p *QueueProcessor) SetRateLimiter(l *SendRateLimiter) {
	p.limiter = l
}

// SetBlockReporter attaches the block detector hook.
func (p *QueueProcessor) SetBlockReporter(b BlockReporter) {
	p.blockGuard = b
}

// SetPollInterval overrides the claim poll cadence.
func (p *QueueProcessor) SetPollInterval(d time.Duration) {
	p.pollInterval = d
}

// SetNumWorkers overrides the send worker count.
func (p *QueueProcessor) SetNumWorkers(n int) {
	if n > 0 {
		p.numWorkers = n
	}
}

// Start launches the claim loop and the send workers.
func (p *QueueProcessor) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("queue processor already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[QueueProcessor] Starting %s: %d workers, batch %d, poll %v",
		p.workerID, p.numWorkers, p.batchSize, p.pollInterval)

	items := make(chan claimedItem, p.batchSize*2)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.sendWorker(i, items)
	}

	p.wg.Add(1)
	go p.claimLoop(items)

	return nil
}

// Stop drains in-flight work and stops the loops.
func (p *QueueProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	log.Printf("[QueueProcessor] Stopping...")
	p.cancel()
	p.wg.Wait()
	log.Printf("[QueueProcessor] Stopped. Sent: %d, Failed: %d, Retried: %d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalRetried))
}

// claimLoop periodically claims due items and feeds the send workers.
func (p *QueueProcessor) claimLoop(items chan<- claimedItem) {
	defer p.wg.Done()
	defer close(items)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			claimed, err := p.claimBatch(p.ctx)
			if err != nil {
				log.Printf("[QueueProcessor] Claim error: %v", err)
				continue
			}
			for _, item := range claimed {
				select {
				case items <- item:
				case <-p.ctx.Done():
					return
				}
			}
		}
	}
}

// claimBatch flips the oldest due waiting items to processing and
// returns them. Ordering by (scheduled_send_at, id) keeps delivery
// order stable when several items share a slot.
func (p *QueueProcessor) claimBatch(ctx context.Context) ([]claimedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		UPDATE pacing_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM pacing_queue
			WHERE status = 'waiting'
			  AND scheduled_send_at <= NOW()
			ORDER BY scheduled_send_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, profile_id, recipient,
		          content_type, content, media_url, caption,
		          attempt_count, max_attempts
	`, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []claimedItem
	for rows.Next() {
		var item claimedItem
		if err := rows.Scan(
			&item.ID, &item.MessageID, &item.ProfileID, &item.Recipient,
			&item.ContentType, &item.Content, &item.MediaURL, &item.Caption,
			&item.AttemptCount, &item.MaxAttempts,
		); err != nil {
			log.Printf("[QueueProcessor] Scan error: %v", err)
			continue
		}
		claimed = append(claimed, item)
	}
	return claimed, rows.Err()
}

// sendWorker processes claimed items one at a time.
func (p *QueueProcessor) sendWorker(id int, items <-chan claimedItem) {
	defer p.wg.Done()

	for item := range items {
		select {
		case <-p.ctx.Done():
			// Shutdown mid-batch: release the claim so another
			// instance picks it up.
			p.releaseItem(item)
			return
		default:
		}
		p.processItem(p.ctx, item)
	}
}

// profileSnapshot is the subset of profile and group state the send
// path reads per item.
type profileSnapshot struct {
	Status            string
	ProviderUUID      string
	ProviderToken     string
	GroupID           uuid.UUID
	RetryDelaySeconds int
	MaxPerHour        int
	MaxPer3Hours      int
	MaxPerDay         int
}

func (p *QueueProcessor) loadProfile(ctx context.Context, profileID uuid.UUID) (*profileSnapshot, error) {
	var snap profileSnapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT pr.status, pr.provider_uuid, pr.provider_token, pr.group_id,
		       g.retry_delay_seconds,
		       COALESCE(pr.max_per_hour, g.max_per_hour),
		       COALESCE(pr.max_per_3_hours, g.max_per_3_hours),
		       COALESCE(pr.max_per_day, g.max_per_day)
		FROM pacing_profiles pr
		JOIN pacing_groups g ON g.id = pr.group_id
		WHERE pr.id = $1
	`, profileID).Scan(
		&snap.Status, &snap.ProviderUUID, &snap.ProviderToken, &snap.GroupID,
		&snap.RetryDelaySeconds, &snap.MaxPerHour, &snap.MaxPer3Hours, &snap.MaxPerDay,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// processItem runs one item through the full send path.
func (p *QueueProcessor) processItem(ctx context.Context, item claimedItem) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	snap, err := p.loadProfile(ctx, item.ProfileID)
	if errors.Is(err, sql.ErrNoRows) {
		p.failUnavailable(ctx, item, "profile unavailable: not found")
		return
	}
	if err != nil {
		p.handleFailure(ctx, item, nil, "profile lookup failed: "+err.Error(), 0)
		return
	}

	// A paused or deactivated profile cannot send, and retrying will not
	// change that: the item fails terminally right here.
	if snap.Status != string(domain.ProfileActive) {
		p.failUnavailable(ctx, item, "profile unavailable: status "+snap.Status)
		return
	}

	// The scheduler spaces sends out, but external actors (replies,
	// manual sends) share the same windows. The limiter is the final
	// gate before the provider call.
	if p.limiter != nil {
		verdict, err := p.limiter.Acquire(ctx, item.ProfileID.String(), ProfileWindowLimits{
			PerHour:   snap.MaxPerHour,
			Per3Hours: snap.MaxPer3Hours,
			PerDay:    snap.MaxPerDay,
		})
		if err != nil {
			log.Printf("[QueueProcessor] Rate limit check error for profile %s: %v", item.ProfileID, err)
		} else if !verdict.Allowed {
			// Not a failure: push the item out and release the claim.
			p.deferItem(ctx, item, verdict.RetryAfter)
			return
		}
	}

	profile := &domain.Profile{
		ID:            item.ProfileID.String(),
		ProviderUUID:  snap.ProviderUUID,
		ProviderToken: snap.ProviderToken,
	}
	req := transport.Request{
		Recipient:   item.Recipient,
		ContentType: item.ContentType,
		Content:     item.Content,
		MediaURL:    item.MediaURL.String,
		Caption:     item.Caption.String,
	}

	result, err := p.sender.Send(ctx, profile, req)
	if err != nil {
		p.handleFailure(ctx, item, snap, err.Error(), 0)
		return
	}
	if !result.Success {
		p.handleFailure(ctx, item, snap, result.Error, result.ResponseTimeMs)
		return
	}

	p.handleSuccess(ctx, item, snap, result)
}

// handleSuccess finalizes a delivered item: queue row, delivery log,
// message counters, profile stats, and sticky routing.
func (p *QueueProcessor) handleSuccess(ctx context.Context, item claimedItem, snap *profileSnapshot, result *transport.Result) {
	now := time.Now()

	_, err := p.db.ExecContext(ctx, `
		UPDATE pacing_queue
		SET status = 'sent', sent_at = $2, attempt_count = attempt_count + 1,
		    last_error = '', updated_at = NOW()
		WHERE id = $1
	`, item.ID, now)
	if err != nil {
		log.Printf("[QueueProcessor] Error marking item %s sent: %v", item.ID, err)
	}

	p.insertDeliveryLog(ctx, item, string(domain.DeliverySent), result.ProviderMessageID, "", item.AttemptCount+1, result.ResponseTimeMs, &now)
	p.bumpMessageCounts(ctx, item.MessageID, true)
	p.recordStats(ctx, item.ProfileID, true, result.ResponseTimeMs)

	// Sticky routing: future replies to this recipient reuse this
	// profile.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pacing_routing (id, group_id, recipient, assigned_profile_id, last_interaction_at, created_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (group_id, recipient) DO UPDATE
		SET assigned_profile_id = EXCLUDED.assigned_profile_id,
		    last_interaction_at = NOW()
	`, uuid.New(), snap.GroupID, item.Recipient, item.ProfileID)
	if err != nil {
		log.Printf("[QueueProcessor] Error updating routing for %s: %v", item.ID, err)
	}

	p.db.ExecContext(ctx, `
		UPDATE pacing_profiles SET last_message_at = $2, updated_at = NOW() WHERE id = $1
	`, item.ProfileID, now)

	if p.blockGuard != nil {
		p.blockGuard.RecordSuccess(ctx, item.ProfileID.String())
	}

	atomic.AddInt64(&p.totalSent, 1)
}

// handleFailure applies the retry policy: exponential backoff while
// attempts remain, terminal failure once they run out.
func (p *QueueProcessor) handleFailure(ctx context.Context, item claimedItem, snap *profileSnapshot, errMsg string, responseTimeMs int) {
	attempts := item.AttemptCount + 1

	if attempts >= item.MaxAttempts {
		_, err := p.db.ExecContext(ctx, `
			UPDATE pacing_queue
			SET status = 'failed', attempt_count = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1
		`, item.ID, attempts, errMsg)
		if err != nil {
			log.Printf("[QueueProcessor] Error marking item %s failed: %v", item.ID, err)
		}

		p.insertDeliveryLog(ctx, item, string(domain.DeliveryFailed), "", errMsg, attempts, responseTimeMs, nil)
		p.bumpMessageCounts(ctx, item.MessageID, false)
		p.recordStats(ctx, item.ProfileID, false, responseTimeMs)
		atomic.AddInt64(&p.totalFailed, 1)
	} else {
		retryDelay := 60
		if snap != nil && snap.RetryDelaySeconds > 0 {
			retryDelay = snap.RetryDelaySeconds
		}
		// Backoff doubles per attempt made, so the first retry already
		// waits twice the base delay.
		backoff := time.Duration(retryDelay) * time.Second
		for i := 0; i < attempts; i++ {
			backoff *= 2
		}

		_, err := p.db.ExecContext(ctx, `
			UPDATE pacing_queue
			SET status = 'waiting', attempt_count = $2, last_error = $3,
			    scheduled_send_at = $4, updated_at = NOW()
			WHERE id = $1
		`, item.ID, attempts, errMsg, time.Now().Add(backoff))
		if err != nil {
			log.Printf("[QueueProcessor] Error rescheduling item %s: %v", item.ID, err)
		}

		p.recordStats(ctx, item.ProfileID, false, responseTimeMs)
		atomic.AddInt64(&p.totalRetried, 1)
	}

	if p.blockGuard != nil {
		p.blockGuard.RecordFailure(ctx, item.ProfileID.String(), errMsg)
	}
}

// failUnavailable terminally fails an item whose profile cannot send
// anymore (paused, deactivated, or deleted). The retry loop is skipped:
// by the time an operator reactivates the profile the message is stale.
func (p *QueueProcessor) failUnavailable(ctx context.Context, item claimedItem, errMsg string) {
	attempts := item.AttemptCount + 1

	_, err := p.db.ExecContext(ctx, `
		UPDATE pacing_queue
		SET status = 'failed', attempt_count = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, item.ID, attempts, errMsg)
	if err != nil {
		log.Printf("[QueueProcessor] Error failing unavailable item %s: %v", item.ID, err)
	}

	p.insertDeliveryLog(ctx, item, string(domain.DeliveryFailed), "", errMsg, attempts, 0, nil)
	p.bumpMessageCounts(ctx, item.MessageID, false)
	atomic.AddInt64(&p.totalFailed, 1)
}

// deferItem pushes a rate-limited item forward without consuming an
// attempt.
func (p *QueueProcessor) deferItem(ctx context.Context, item claimedItem, wait time.Duration) {
	if wait <= 0 {
		wait = time.Minute
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE pacing_queue
		SET status = 'waiting', scheduled_send_at = $2, updated_at = NOW()
		WHERE id = $1
	`, item.ID, time.Now().Add(wait))
	if err != nil {
		log.Printf("[QueueProcessor] Error deferring item %s: %v", item.ID, err)
	}
}

// releaseItem returns a claimed item to waiting untouched (shutdown).
func (p *QueueProcessor) releaseItem(item claimedItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.db.ExecContext(ctx, `
		UPDATE pacing_queue SET status = 'waiting', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, item.ID)
}

func (p *QueueProcessor) insertDeliveryLog(ctx context.Context, item claimedItem, status, providerMessageID, errMsg string, attempts, responseTimeMs int, sentAt *time.Time) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pacing_delivery_logs (
			id, message_id, profile_id, recipient, mode, status,
			provider_message_id, attempt_count, error_message,
			response_time_ms, sent_at, created_at
		) VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $8, $9, $10, NOW())
	`, uuid.New(), item.MessageID, item.ProfileID, item.Recipient,
		status, providerMessageID, attempts, errMsg, responseTimeMs, sentAt)
	if err != nil {
		log.Printf("[QueueProcessor] Error inserting delivery log for %s: %v", item.ID, err)
	}
}

// bumpMessageCounts advances the parent message's progress counters and
// flips it to completed once every recipient is accounted for.
func (p *QueueProcessor) bumpMessageCounts(ctx context.Context, messageID uuid.UUID, success bool) {
	successDelta, failedDelta := 0, 1
	if success {
		successDelta, failedDelta = 1, 0
	}
	_, err := p.db.ExecContext(ctx, `
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
		log.Printf("[QueueProcessor] Error updating message %s counts: %v", messageID, err)
	}
}

// recordStats advances the profile's rolling counters. Every attempt
// counts as a send (the sent_* windows feed capacity checks, which care
// about provider traffic, not outcomes); the 24h success rate is
// recomputed from today's totals and the response-time average is a
// running blend of old and new.
func (p *QueueProcessor) recordStats(ctx context.Context, profileID uuid.UUID, success bool, responseTimeMs int) {
	failedDelta := 0
	if !success {
		failedDelta = 1
	}

	_, err := p.db.ExecContext(ctx, `
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
		log.Printf("[QueueProcessor] Error recording stats for profile %s: %v", profileID, err)
	}
}
