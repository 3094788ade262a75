package message_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/service/cooldown"
	"github.com/outflow/pacer/internal/service/dispatch"
	"github.com/outflow/pacer/internal/service/message"
	"github.com/outflow/pacer/internal/transport"
)

// memRepo is an in-memory Repository for exercising the service without
// a database.
type memRepo struct {
	mu sync.Mutex

	groups   map[string]*domain.Group
	profiles map[string]*domain.Profile
	stats    map[string]*domain.ProfileStats
	pending  map[string]int
	messages map[string]*domain.Message
	routing  map[string]*domain.Routing // key: groupID|recipient
	logs     []domain.DeliveryLog
	items    []domain.QueueItem

	deletedItemsFor []string
	outcomes        []string
	lastTouched     string
	status          *message.QueueStatus
}

func newMemRepo() *memRepo {
	return &memRepo{
		groups:   make(map[string]*domain.Group),
		profiles: make(map[string]*domain.Profile),
		stats:    make(map[string]*domain.ProfileStats),
		pending:  make(map[string]int),
		messages: make(map[string]*domain.Message),
		routing:  make(map[string]*domain.Routing),
	}
}

func (r *memRepo) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, message.ErrGroupNotFound
	}
	return g, nil
}

func (r *memRepo) ActiveProfiles(ctx context.Context, groupID string) ([]domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Profile
	for _, p := range r.profiles {
		if p.GroupID == groupID && p.Status == domain.ProfileActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memRepo) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles[id], nil
}

func (r *memRepo) TopWeightedActiveProfile(ctx context.Context, groupID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Profile
	for _, p := range r.profiles {
		if p.GroupID != groupID || p.Status != domain.ProfileActive {
			continue
		}
		if best == nil || p.WeightScore > best.WeightScore {
			best = p
		}
	}
	return best, nil
}

func (r *memRepo) StatsForProfiles(ctx context.Context, profileIDs []string) (map[string]*domain.ProfileStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.ProfileStats)
	for _, id := range profileIDs {
		if st, ok := r.stats[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (r *memRepo) PendingCounts(ctx context.Context, profileIDs []string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, id := range profileIDs {
		out[id] = r.pending[id]
	}
	return out, nil
}

func (r *memRepo) CreateMessage(ctx context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.messages[m.ID] = &cp
	return nil
}

func (r *memRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, message.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memRepo) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[id]; ok {
		m.Status = status
	}
	return nil
}

func (r *memRepo) SetDistribution(ctx context.Context, messageID string, dist map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[messageID]; ok {
		m.Distribution = dist
	}
	return nil
}

func (r *memRepo) UpdateMessageCounts(ctx context.Context, messageID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[messageID]; ok {
		m.ProcessedCount++
		if success {
			m.SuccessCount++
		} else {
			m.FailedCount++
		}
	}
	return nil
}

func (r *memRepo) DeleteQueueItemsForMessage(ctx context.Context, messageID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedItemsFor = append(r.deletedItemsFor, messageID)
	return 0, nil
}

func (r *memRepo) CancelWaitingForMessage(ctx context.Context, messageID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.items {
		if r.items[i].MessageID == messageID && r.items[i].Status == domain.ItemWaiting {
			r.items[i].Status = domain.ItemCancelled
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CancelAllWaiting(ctx context.Context, groupID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.items {
		if r.items[i].Status == domain.ItemWaiting {
			r.items[i].Status = domain.ItemCancelled
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.Status == domain.MessageScheduled && m.ScheduledAt != nil && !m.ScheduledAt.After(now) {
			out = append(out, *m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) GetRouting(ctx context.Context, groupID, recipient string) (*domain.Routing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routing[groupID+"|"+recipient], nil
}

func (r *memRepo) UpsertRouting(ctx context.Context, rt *domain.Routing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rt
	r.routing[rt.GroupID+"|"+rt.Recipient] = &cp
	return nil
}

func (r *memRepo) InsertDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *l)
	return nil
}

func (r *memRepo) RecordSendOutcome(ctx context.Context, profileID string, success bool, responseTimeMs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := profileID + ":fail"
	if success {
		label = profileID + ":ok"
	}
	r.outcomes = append(r.outcomes, label)
	return nil
}

func (r *memRepo) TouchLastMessageAt(ctx context.Context, profileID string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTouched = profileID
	return nil
}

func (r *memRepo) QueueStatus(ctx context.Context, groupID string) (*message.QueueStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != nil {
		cp := *r.status
		return &cp, nil
	}
	return &message.QueueStatus{}, nil
}

func (r *memRepo) ListQueueItems(ctx context.Context, groupID string, status domain.QueueItemStatus, limit int) ([]domain.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QueueItem(nil), r.items...), nil
}

// fakeCooldowns returns a fixed cooldown without touching storage.
type fakeCooldowns struct {
	seconds int
	err     error
}

func (f *fakeCooldowns) ForProfile(ctx context.Context, group *domain.Group, profile *domain.Profile) (cooldown.Result, error) {
	if f.err != nil {
		return cooldown.Result{}, f.err
	}
	return cooldown.Result{Seconds: f.seconds, Mode: domain.CooldownNormal}, nil
}

// fakeScheduler records its input and fabricates queue items.
type fakeScheduler struct {
	err   error
	calls int
	last  map[string][]string
}

func (f *fakeScheduler) Schedule(ctx context.Context, group *domain.Group, msg *domain.Message, distribution map[string][]string, cooldowns map[string]int) ([]domain.QueueItem, error) {
	f.calls++
	f.last = distribution
	if f.err != nil {
		return nil, f.err
	}
	var items []domain.QueueItem
	at := time.Now()
	for id, recs := range distribution {
		for _, rec := range recs {
			at = at.Add(time.Minute)
			items = append(items, domain.QueueItem{
				MessageID:       msg.ID,
				ProfileID:       id,
				Recipient:       rec,
				Status:          domain.ItemWaiting,
				ScheduledSendAt: at,
			})
		}
	}
	return items, nil
}

// fakeSender answers every send with a canned result.
type fakeSender struct {
	result transport.Result
	err    error
	sends  []string // profile IDs in send order
}

func (f *fakeSender) Send(ctx context.Context, profile *domain.Profile, req transport.Request) (*transport.Result, error) {
	f.sends = append(f.sends, profile.ID)
	if f.err != nil {
		return nil, f.err
	}
	cp := f.result
	return &cp, nil
}

func seedGroup(repo *memRepo, profileIDs ...string) *domain.Group {
	g := &domain.Group{
		ID:         "group-1",
		Status:     domain.GroupActive,
		Strategy:   domain.StrategyRotate,
		MaxPerHour: 20,
		MaxPerDay:  200,
	}
	repo.groups[g.ID] = g
	for i, id := range profileIDs {
		repo.profiles[id] = &domain.Profile{
			ID:          id,
			GroupID:     g.ID,
			Name:        "Profile " + id,
			Status:      domain.ProfileActive,
			WeightScore: float64(i + 1),
			HealthScore: 100,
		}
	}
	return g
}

func newService(repo *memRepo, sched *fakeScheduler, sender *fakeSender) *message.Service {
	return message.NewService(repo, &fakeCooldowns{seconds: 300}, sched, sender)
}

func TestSendOpenHappyPath(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a", "b")
	sched := &fakeScheduler{}
	svc := newService(repo, sched, &fakeSender{})

	receipt, err := svc.SendOpen(context.Background(), "group-1", message.SendInput{
		Recipients:  []string{"+15550001", "+15550002", "+15550003", "+15550004"},
		ContentType: "text",
		Content:     "hello",
	})
	if err != nil {
		t.Fatalf("SendOpen: %v", err)
	}

	if receipt.Status != domain.MessageQueued {
		t.Errorf("receipt status %s", receipt.Status)
	}
	if receipt.Recipients != 4 {
		t.Errorf("expected 4 recipients, got %d", receipt.Recipients)
	}
	if sched.calls != 1 {
		t.Errorf("scheduler called %d times", sched.calls)
	}
	if receipt.FirstSendAt == nil || receipt.LastSendAt == nil {
		t.Errorf("receipt missing send window")
	}

	msg, err := repo.GetMessage(context.Background(), receipt.MessageID)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Status != domain.MessageQueued {
		t.Errorf("message status %s", msg.Status)
	}
	if len(msg.Distribution) == 0 {
		t.Errorf("distribution not recorded")
	}
}

func TestSendOpenGroupNotFound(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.SendOpen(context.Background(), "missing", message.SendInput{Recipients: []string{"+15550001"}})
	if !errors.Is(err, message.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestSendOpenInactiveGroup(t *testing.T) {
	repo := newMemRepo()
	g := seedGroup(repo, "a")
	g.Status = domain.GroupPaused
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.SendOpen(context.Background(), "group-1", message.SendInput{Recipients: []string{"+15550001"}})
	if !errors.Is(err, message.ErrGroupInactive) {
		t.Fatalf("expected ErrGroupInactive, got %v", err)
	}
}

func TestSendOpenNoActiveProfiles(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo) // group without profiles
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.SendOpen(context.Background(), "group-1", message.SendInput{Recipients: []string{"+15550001"}})
	if !errors.Is(err, dispatch.ErrNoEligibleProfiles) {
		t.Fatalf("expected ErrNoEligibleProfiles, got %v", err)
	}
	if len(repo.messages) != 0 {
		t.Errorf("no message should be created when distribution fails")
	}
}

func TestSendOpenSchedulerFailureRollsBack(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	sched := &fakeScheduler{err: errors.New("lock contention")}
	svc := newService(repo, sched, &fakeSender{})

	_, err := svc.SendOpen(context.Background(), "group-1", message.SendInput{Recipients: []string{"+15550001"}})
	if err == nil {
		t.Fatalf("expected scheduling error")
	}

	if len(repo.deletedItemsFor) != 1 {
		t.Fatalf("queue items not rolled back")
	}
	msg, err := repo.GetMessage(context.Background(), repo.deletedItemsFor[0])
	if err != nil {
		t.Fatalf("rolled-back message missing: %v", err)
	}
	if msg.Status != domain.MessageFailed {
		t.Errorf("expected failed status after rollback, got %s", msg.Status)
	}
}

func TestSendReplyUsesStickyRouting(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a", "b") // b has the higher weight
	repo.routing["group-1|+15550009"] = &domain.Routing{
		GroupID:           "group-1",
		Recipient:         "+15550009",
		AssignedProfileID: "a",
	}
	sender := &fakeSender{result: transport.Result{Success: true, ResponseTimeMs: 40}}
	svc := newService(repo, &fakeScheduler{}, sender)

	receipt, err := svc.SendReply(context.Background(), "group-1", message.ReplyInput{
		Recipient: "+15550009",
		Content:   "hi again",
	})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	if receipt.Status != "sent" {
		t.Errorf("receipt status %s", receipt.Status)
	}
	if len(sender.sends) != 1 || sender.sends[0] != "a" {
		t.Errorf("expected routed profile a, sends: %v", sender.sends)
	}
	if repo.lastTouched != "a" {
		t.Errorf("last_message_at not touched for routed profile")
	}
	if len(repo.logs) != 1 || repo.logs[0].Status != domain.DeliverySent {
		t.Errorf("delivery log not recorded as sent")
	}
}

func TestSendReplyFallsBackToTopWeighted(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a", "b")
	// Routing points at a profile that is no longer active.
	repo.profiles["a"].Status = domain.ProfilePaused
	repo.routing["group-1|+15550009"] = &domain.Routing{
		GroupID:           "group-1",
		Recipient:         "+15550009",
		AssignedProfileID: "a",
	}
	sender := &fakeSender{result: transport.Result{Success: true}}
	svc := newService(repo, &fakeScheduler{}, sender)

	_, err := svc.SendReply(context.Background(), "group-1", message.ReplyInput{
		Recipient: "+15550009",
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if len(sender.sends) != 1 || sender.sends[0] != "b" {
		t.Errorf("expected fallback to top-weighted profile b, sends: %v", sender.sends)
	}

	// Routing re-pinned to the profile that actually sent.
	rt := repo.routing["group-1|+15550009"]
	if rt.AssignedProfileID != "b" {
		t.Errorf("routing not updated, still %s", rt.AssignedProfileID)
	}
}

func TestSendReplyNoActiveProfile(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo)
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.SendReply(context.Background(), "group-1", message.ReplyInput{Recipient: "+15550009", Content: "hi"})
	if !errors.Is(err, message.ErrNoActiveProfile) {
		t.Fatalf("expected ErrNoActiveProfile, got %v", err)
	}
}

func TestSendReplyFailureRecordedNotRouted(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	sender := &fakeSender{result: transport.Result{Success: false, Error: "blocked"}}
	svc := newService(repo, &fakeScheduler{}, sender)

	receipt, err := svc.SendReply(context.Background(), "group-1", message.ReplyInput{Recipient: "+15550009", Content: "hi"})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if receipt.Status != "failed" {
		t.Errorf("receipt status %s", receipt.Status)
	}
	if len(repo.routing) != 0 {
		t.Errorf("failed send must not pin routing")
	}
	if len(repo.logs) != 1 || repo.logs[0].Status != domain.DeliveryFailed {
		t.Errorf("delivery log not recorded as failed")
	}
}

func TestDeferRejectsPastTime(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.Defer(context.Background(), "group-1", message.DeferInput{
		SendInput:   message.SendInput{Recipients: []string{"+15550001"}, Content: "hi"},
		ScheduledAt: time.Now().Add(-time.Minute),
	})
	if !errors.Is(err, message.ErrPastScheduleTime) {
		t.Fatalf("expected ErrPastScheduleTime, got %v", err)
	}
}

func TestDeferSingleMessage(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	at := time.Now().Add(time.Hour)
	created, err := svc.Defer(context.Background(), "group-1", message.DeferInput{
		SendInput:   message.SendInput{Recipients: []string{"+15550001", "+15550002"}, Content: "hi"},
		ScheduledAt: at,
	})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 message, got %d", len(created))
	}
	if created[0].Status != domain.MessageScheduled {
		t.Errorf("status %s", created[0].Status)
	}
	if created[0].ScheduledAt == nil || !created[0].ScheduledAt.Equal(at) {
		t.Errorf("scheduled time not preserved")
	}
}

func TestDeferDripMode(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	at := time.Now().Add(time.Hour)
	created, err := svc.Defer(context.Background(), "group-1", message.DeferInput{
		SendInput:    message.SendInput{Recipients: []string{"+15550001", "+15550002", "+15550003"}, Content: "hi"},
		ScheduledAt:  at,
		DripMode:     true,
		DripInterval: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 drip messages, got %d", len(created))
	}
	for i, m := range created {
		if len(m.Recipients) != 1 {
			t.Errorf("drip message %d has %d recipients", i, len(m.Recipients))
		}
		want := at.Add(time.Duration(i) * 15 * time.Minute)
		if m.ScheduledAt == nil || !m.ScheduledAt.Equal(want) {
			t.Errorf("drip message %d scheduled at %v, want %v", i, m.ScheduledAt, want)
		}
	}
}

func TestPromoteDueRunsPipeline(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	past := time.Now().Add(-time.Minute)
	repo.messages["msg-due"] = &domain.Message{
		ID:          "msg-due",
		GroupID:     "group-1",
		Status:      domain.MessageScheduled,
		ScheduledAt: &past,
		Recipients:  []string{"+15550001"},
	}
	sched := &fakeScheduler{}
	svc := newService(repo, sched, &fakeSender{})

	n, err := svc.PromoteDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}
	if sched.calls != 1 {
		t.Errorf("scheduler not invoked")
	}
	m, _ := repo.GetMessage(context.Background(), "msg-due")
	if m.Status != domain.MessageQueued {
		t.Errorf("promoted message status %s", m.Status)
	}
}

func TestPromoteDueMarksFailedOnError(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	past := time.Now().Add(-time.Minute)
	repo.messages["msg-due"] = &domain.Message{
		ID:          "msg-due",
		GroupID:     "group-1",
		Status:      domain.MessageScheduled,
		ScheduledAt: &past,
		Recipients:  []string{"+15550001"},
	}
	sched := &fakeScheduler{err: errors.New("lock contention")}
	svc := newService(repo, sched, &fakeSender{})

	n, err := svc.PromoteDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("PromoteDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 promoted, got %d", n)
	}
	m, _ := repo.GetMessage(context.Background(), "msg-due")
	if m.Status != domain.MessageFailed {
		t.Errorf("failed promotion left status %s", m.Status)
	}
}

func TestCancelWaitingItems(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	repo.messages["msg-1"] = &domain.Message{ID: "msg-1", GroupID: "group-1", Status: domain.MessageQueued}
	repo.items = []domain.QueueItem{
		{MessageID: "msg-1", Status: domain.ItemWaiting},
		{MessageID: "msg-1", Status: domain.ItemWaiting},
		{MessageID: "msg-1", Status: domain.ItemSent},
		{MessageID: "msg-other", Status: domain.ItemWaiting},
	}
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	n, err := svc.Cancel(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}
	m, _ := repo.GetMessage(context.Background(), "msg-1")
	if m.Status != domain.MessageCancelled {
		t.Errorf("message status %s", m.Status)
	}
	// Unrelated items keep their slots.
	if repo.items[3].Status != domain.ItemWaiting {
		t.Errorf("other message's item was touched")
	}
}

func TestCancelTerminalMessage(t *testing.T) {
	repo := newMemRepo()
	seedGroup(repo, "a")
	repo.messages["msg-1"] = &domain.Message{ID: "msg-1", Status: domain.MessageCompleted}
	svc := newService(repo, &fakeScheduler{}, &fakeSender{})

	_, err := svc.Cancel(context.Background(), "msg-1")
	if !errors.Is(err, message.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestQueueStatusModeDerivation(t *testing.T) {
	cases := []struct {
		waiting int
		mode    domain.CooldownMode
	}{
		{0, domain.CooldownQuiet},
		{3, domain.CooldownQuiet},
		{10, domain.CooldownNormal},
		{16, domain.CooldownRushHour},
		{21, domain.CooldownCritical},
	}
	for _, tc := range cases {
		repo := newMemRepo()
		g := seedGroup(repo, "a")
		g.RushThreshold = 15
		g.QuietThreshold = 3
		repo.status = &message.QueueStatus{Waiting: tc.waiting}
		svc := newService(repo, &fakeScheduler{}, &fakeSender{})

		st, err := svc.QueueStatus(context.Background(), "group-1")
		if err != nil {
			t.Fatalf("QueueStatus: %v", err)
		}
		if st.QueueMode != string(tc.mode) {
			t.Errorf("waiting=%d: expected mode %s, got %s", tc.waiting, tc.mode, st.QueueMode)
		}
	}
}
