package worker

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/transport"
)

type stubSender struct {
	result *transport.Result
	err    error
	calls  int
}

func (s *stubSender) Send(ctx context.Context, p *domain.Profile, req transport.Request) (*transport.Result, error) {
	s.calls++
	return s.result, s.err
}

func newProcessorMock(t *testing.T, sender transport.Sender) (*QueueProcessor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewQueueProcessor(db, sender), mock
}

func testItem() claimedItem {
	return claimedItem{
		ID:          uuid.New(),
		MessageID:   uuid.New(),
		ProfileID:   uuid.New(),
		Recipient:   "+15550001",
		ContentType: "text",
		Content:     "hello",
		MaxAttempts: 3,
	}
}

func profileColumns() []string {
	return []string{
		"status", "provider_uuid", "provider_token", "group_id",
		"retry_delay_seconds", "max_per_hour", "max_per_3_hours", "max_per_day",
	}
}

func activeProfileRow(groupID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows(profileColumns()).
		AddRow("active", "device-1", "tok-1", groupID.String(), 60, 10, 25, 100)
}

// timeAround matches a time argument within a tolerance of the expected
// value, for timestamps the processor computes from its own clock.
type timeAround struct {
	want time.Time
	tol  time.Duration
}

func (m timeAround) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	if !ok {
		return false
	}
	d := ts.Sub(m.want)
	if d < 0 {
		d = -d
	}
	return d <= m.tol
}

func TestClaimBatchOrdersByScheduledTime(t *testing.T) {
	p, mock := newProcessorMock(t, &stubSender{})

	first, second := testItem(), testItem()
	mock.ExpectQuery(`UPDATE pacing_queue[\s\S]*ORDER BY scheduled_send_at ASC, id ASC[\s\S]*FOR UPDATE SKIP LOCKED`).
		WithArgs(p.batchSize).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "message_id", "profile_id", "recipient",
			"content_type", "content", "media_url", "caption",
			"attempt_count", "max_attempts",
		}).
			AddRow(first.ID.String(), first.MessageID.String(), first.ProfileID.String(), first.Recipient,
				"text", "hello", nil, nil, 0, 3).
			AddRow(second.ID.String(), second.MessageID.String(), second.ProfileID.String(), second.Recipient,
				"text", "hello", nil, nil, 1, 3))

	claimed, err := p.claimBatch(context.Background())
	if err != nil {
		t.Fatalf("claimBatch: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 items, got %d", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Errorf("claim order not preserved")
	}
	if claimed[1].AttemptCount != 1 {
		t.Errorf("attempt count not scanned: %d", claimed[1].AttemptCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A profile that is paused cannot recover the item by retrying; it must
// fail terminally without ever reaching the provider.
func TestProcessItemPausedProfileFailsTerminally(t *testing.T) {
	sender := &stubSender{}
	p, mock := newProcessorMock(t, sender)
	item := testItem()

	mock.ExpectQuery(`SELECT pr\.status`).
		WithArgs(item.ProfileID).
		WillReturnRows(sqlmock.NewRows(profileColumns()).
			AddRow("paused", "device-1", "tok-1", uuid.New().String(), 60, 10, 25, 100))

	mock.ExpectExec(`UPDATE pacing_queue\s+SET status = 'failed'`).
		WithArgs(item.ID, 1, "profile unavailable: status paused").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pacing_delivery_logs`).
		WithArgs(sqlmock.AnyArg(), item.MessageID, item.ProfileID, item.Recipient,
			"failed", "", 1, "profile unavailable: status paused", 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_messages`).
		WithArgs(item.MessageID, 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.processItem(context.Background(), item)

	if sender.calls != 0 {
		t.Errorf("provider called for a paused profile")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// The first retry waits twice the base delay, and each further attempt
// doubles it again.
func TestProcessItemRetryBackoffDoubles(t *testing.T) {
	sender := &stubSender{result: &transport.Result{Success: false, Error: "provider timeout", ResponseTimeMs: 500}}
	p, mock := newProcessorMock(t, sender)
	item := testItem()

	mock.ExpectQuery(`SELECT pr\.status`).
		WithArgs(item.ProfileID).
		WillReturnRows(activeProfileRow(uuid.New()))

	// retry_delay_seconds=60, attempt 1 of 3: next try in 60 * 2^1.
	mock.ExpectExec(`UPDATE pacing_queue\s+SET status = 'waiting'`).
		WithArgs(item.ID, 1, "provider timeout",
			timeAround{want: time.Now().Add(120 * time.Second), tol: 5 * time.Second}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_profile_stats`).
		WithArgs(item.ProfileID, 1, 500).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.processItem(context.Background(), item)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// The item flips to failed exactly when the incremented attempt count
// reaches max_attempts.
func TestProcessItemTerminalAtMaxAttempts(t *testing.T) {
	sender := &stubSender{result: &transport.Result{Success: false, Error: "still down"}}
	p, mock := newProcessorMock(t, sender)
	item := testItem()
	item.AttemptCount = 2

	mock.ExpectQuery(`SELECT pr\.status`).
		WithArgs(item.ProfileID).
		WillReturnRows(activeProfileRow(uuid.New()))

	mock.ExpectExec(`UPDATE pacing_queue\s+SET status = 'failed'`).
		WithArgs(item.ID, 3, "still down").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pacing_delivery_logs`).
		WithArgs(sqlmock.AnyArg(), item.MessageID, item.ProfileID, item.Recipient,
			"failed", "", 3, "still down", 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_messages`).
		WithArgs(item.MessageID, 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_profile_stats`).
		WithArgs(item.ProfileID, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.processItem(context.Background(), item)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessItemSuccessPath(t *testing.T) {
	sender := &stubSender{result: &transport.Result{
		Success: true, ProviderMessageID: "prov-9", ResponseTimeMs: 230,
	}}
	p, mock := newProcessorMock(t, sender)
	item := testItem()
	groupID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT pr\.status`).
		WithArgs(item.ProfileID).
		WillReturnRows(activeProfileRow(groupID))

	mock.ExpectExec(`UPDATE pacing_queue\s+SET status = 'sent'`).
		WithArgs(item.ID, timeAround{want: now, tol: 5 * time.Second}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pacing_delivery_logs`).
		WithArgs(sqlmock.AnyArg(), item.MessageID, item.ProfileID, item.Recipient,
			"sent", "prov-9", 1, "", 230, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_messages`).
		WithArgs(item.MessageID, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_profile_stats`).
		WithArgs(item.ProfileID, 0, 230).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pacing_routing`).
		WithArgs(sqlmock.AnyArg(), groupID, item.Recipient, item.ProfileID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pacing_profiles SET last_message_at`).
		WithArgs(item.ProfileID, timeAround{want: now, tol: 5 * time.Second}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.processItem(context.Background(), item)

	if sender.calls != 1 {
		t.Errorf("expected one provider call, got %d", sender.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// Both outcomes advance the sent windows; only failures move the failed
// counters.
func TestRecordStatsCountsEveryAttempt(t *testing.T) {
	p, mock := newProcessorMock(t, &stubSender{})
	profileID := uuid.New()

	mock.ExpectExec(`UPDATE pacing_profile_stats\s+SET sent_total = sent_total \+ 1`).
		WithArgs(profileID, 0, 180).
		WillReturnResult(sqlmock.NewResult(0, 1))
	p.recordStats(context.Background(), profileID, true, 180)

	mock.ExpectExec(`UPDATE pacing_profile_stats\s+SET sent_total = sent_total \+ 1`).
		WithArgs(profileID, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	p.recordStats(context.Background(), profileID, false, 0)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
