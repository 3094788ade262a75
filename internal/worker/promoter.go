package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPromoterPollInterval is how often the promoter checks for due
// scheduled messages.
const DefaultPromoterPollInterval = 30 * time.Second

// promoterBatchSize caps how many scheduled messages one sweep promotes.
const promoterBatchSize = 10

// MessagePromoter is the service-side entry point the promoter drives.
type MessagePromoter interface {
	PromoteDue(ctx context.Context, limit int) (int, error)
}

// ScheduledPromoter polls for scheduled messages whose time has come
// and pushes them through the normal distribution pipeline.
type ScheduledPromoter struct {
	svc          MessagePromoter
	pollInterval time.Duration

	// Stats
	promoted int64
	errors   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduledPromoter creates a promoter with the default poll cadence.
func NewScheduledPromoter(svc MessagePromoter) *ScheduledPromoter {
	return &ScheduledPromoter{
		svc:          svc,
		pollInterval: DefaultPromoterPollInterval,
	}
}

// SetPollInterval overrides the poll cadence.
func (sp *ScheduledPromoter) SetPollInterval(d time.Duration) {
	sp.pollInterval = d
}

// Start begins the promotion loop.
func (sp *ScheduledPromoter) Start() error {
	sp.mu.Lock()
	if sp.running {
		sp.mu.Unlock()
		return fmt.Errorf("promoter already running")
	}
	sp.running = true
	sp.ctx, sp.cancel = context.WithCancel(context.Background())
	sp.mu.Unlock()

	log.Printf("[ScheduledPromoter] Starting with poll interval: %v", sp.pollInterval)

	sp.wg.Add(1)
	go sp.loop()

	return nil
}

// Stop gracefully stops the promoter.
func (sp *ScheduledPromoter) Stop() {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return
	}
	sp.running = false
	sp.mu.Unlock()

	log.Printf("[ScheduledPromoter] Stopping...")
	sp.cancel()
	sp.wg.Wait()
	log.Printf("[ScheduledPromoter] Stopped. Promoted: %d, Errors: %d",
		atomic.LoadInt64(&sp.promoted), atomic.LoadInt64(&sp.errors))
}

func (sp *ScheduledPromoter) loop() {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.ctx.Done():
			return
		case <-ticker.C:
			sp.sweep()
		}
	}
}

func (sp *ScheduledPromoter) sweep() {
	ctx, cancel := context.WithTimeout(sp.ctx, 60*time.Second)
	defer cancel()

	n, err := sp.svc.PromoteDue(ctx, promoterBatchSize)
	if err != nil {
		log.Printf("[ScheduledPromoter] Sweep error: %v", err)
		atomic.AddInt64(&sp.errors, 1)
		return
	}
	if n > 0 {
		log.Printf("[ScheduledPromoter] Promoted %d scheduled messages", n)
		atomic.AddInt64(&sp.promoted, int64(n))
	}
}
