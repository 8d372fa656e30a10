package mail_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"boxoffice/internal/logger"
	"boxoffice/internal/mail"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
)

type recordingSender struct {
	sent []string
	fail map[string]bool
}

func (r *recordingSender) SendOrderMail(o *models.Order, subject, template string) error {
	if r.fail[o.Email] {
		return errors.New("mailbox full")
	}
	r.sent = append(r.sent, o.Email)
	return nil
}

func setupScheduler(t *testing.T) (*mail.Scheduler, *db.DB, *recordingSender) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	err = bunDB.ResetModel(context.Background(),
		(*models.Event)(nil),
		(*models.Subevent)(nil),
		(*models.Order)(nil),
		(*models.OrderPosition)(nil),
		(*models.MailRule)(nil),
		(*models.ScheduledMail)(nil),
	)
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })

	store := db.New(bunDB)
	log := logger.NewLogger("test")
	t.Cleanup(log.Close)
	sender := &recordingSender{fail: map[string]bool{}}
	return mail.NewScheduler(store, sender, log), store, sender
}

func insertEvent(t *testing.T, store *db.DB, from, to time.Time) *models.Event {
	t.Helper()
	event := &models.Event{
		ID:       uuid.New().String(),
		Slug:     "conf-" + uuid.New().String()[:8],
		Name:     "Test Conference",
		Currency: "EUR",
		DateFrom: from,
		DateTo:   to,
	}
	_, err := store.Bun.NewInsert().Model(event).Exec(context.Background())
	require.NoError(t, err)
	return event
}

func TestSendTimeAbsolute(t *testing.T) {
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	rule := &models.MailRule{SendDate: at}

	got := mail.SendTime(rule, &models.Event{}, nil)
	assert.Equal(t, at, got)
}

func TestSendTimeRelativeToStart(t *testing.T) {
	event := &models.Event{
		DateFrom: time.Date(2026, 9, 10, 18, 30, 0, 0, time.UTC),
	}
	rule := &models.MailRule{
		OffsetDays:     3,
		SendOffsetHour: 10,
	}

	// Three days before the event, at 10:00 UTC.
	got := mail.SendTime(rule, event, nil)
	assert.Equal(t, time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC), got)
}

func TestSendTimeAfterEnd(t *testing.T) {
	event := &models.Event{
		DateFrom: time.Date(2026, 9, 10, 18, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2026, 9, 12, 23, 0, 0, 0, time.UTC),
	}
	rule := &models.MailRule{
		OffsetDays:     1,
		OffsetIsAfter:  true,
		OffsetToEnd:    true,
		SendOffsetHour: 9,
	}

	got := mail.SendTime(rule, event, nil)
	assert.Equal(t, time.Date(2026, 9, 13, 9, 0, 0, 0, time.UTC), got)
}

func TestSendTimeUsesSubeventSchedule(t *testing.T) {
	event := &models.Event{
		DateFrom: time.Date(2026, 9, 10, 18, 0, 0, 0, time.UTC),
	}
	sub := &models.Subevent{
		DateFrom: time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC),
	}
	rule := &models.MailRule{
		OffsetDays:     2,
		SendOffsetHour: 8,
	}

	got := mail.SendTime(rule, event, sub)
	assert.Equal(t, time.Date(2026, 9, 29, 8, 0, 0, 0, time.UTC), got)
}

func TestRefreshCreatesAndRecomputes(t *testing.T) {
	scheduler, store, _ := setupScheduler(t)
	ctx := context.Background()

	event := insertEvent(t, store,
		time.Date(2026, 9, 10, 18, 0, 0, 0, time.UTC), time.Time{})
	rule := &models.MailRule{
		ID:             uuid.New().String(),
		EventID:        event.ID,
		Subject:        "See you soon",
		Template:       "reminder",
		SendTo:         models.MailToCustomers,
		OffsetDays:     3,
		SendOffsetHour: 10,
		UpdatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	_, err := store.Bun.NewInsert().Model(rule).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err := store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, mails, 1)
	assert.Equal(t, time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC), mails[0].ComputedAt.UTC())
	firstComputed := mails[0].LastComputed

	// A refresh without a rule change leaves the row alone.
	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err = store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, mails, 1)
	assert.Equal(t, firstComputed.UTC(), mails[0].LastComputed.UTC())

	// Editing the rule moves its UpdatedAt forward and triggers a recompute.
	rule.OffsetDays = 1
	rule.UpdatedAt = time.Now().UTC().Add(time.Minute)
	_, err = store.Bun.NewUpdate().Model(rule).WherePK().Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err = store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 9, 10, 0, 0, 0, time.UTC), mails[0].ComputedAt.UTC())
}

func TestRefreshNeverTouchesSentRows(t *testing.T) {
	scheduler, store, _ := setupScheduler(t)
	ctx := context.Background()

	event := insertEvent(t, store,
		time.Date(2026, 9, 10, 18, 0, 0, 0, time.UTC), time.Time{})
	rule := &models.MailRule{
		ID:             uuid.New().String(),
		EventID:        event.ID,
		Subject:        "See you soon",
		Template:       "reminder",
		SendTo:         models.MailToCustomers,
		OffsetDays:     3,
		SendOffsetHour: 10,
		UpdatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	_, err := store.Bun.NewInsert().Model(rule).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err := store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	mails[0].Sent = true
	require.NoError(t, store.UpdateScheduledMail(ctx, mails[0]))
	sentAt := mails[0].ComputedAt

	rule.UpdatedAt = time.Now().UTC().Add(time.Minute)
	_, err = store.Bun.NewUpdate().Model(rule).WherePK().Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err = store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, sentAt.UTC(), mails[0].ComputedAt.UTC())
	assert.True(t, mails[0].Sent)
}

func TestRefreshCreatesRowPerSubevent(t *testing.T) {
	scheduler, store, _ := setupScheduler(t)
	ctx := context.Background()

	event := insertEvent(t, store,
		time.Date(2026, 9, 10, 18, 0, 0, 0, time.UTC), time.Time{})
	for i := 0; i < 2; i++ {
		sub := &models.Subevent{
			ID:       uuid.New().String(),
			EventID:  event.ID,
			Name:     "Show",
			DateFrom: event.DateFrom.AddDate(0, 0, i),
		}
		_, err := store.Bun.NewInsert().Model(sub).Exec(ctx)
		require.NoError(t, err)
	}
	rule := &models.MailRule{
		ID:             uuid.New().String(),
		EventID:        event.ID,
		Subject:        "See you soon",
		Template:       "reminder",
		SendTo:         models.MailToCustomers,
		OffsetDays:     1,
		SendOffsetHour: 10,
		UpdatedAt:      time.Now().UTC(),
	}
	_, err := store.Bun.NewInsert().Model(rule).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, scheduler.Refresh(ctx, event.ID))
	mails, err := store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Len(t, mails, 2)
}

func TestSendDueDeliversAndMarksSent(t *testing.T) {
	scheduler, store, sender := setupScheduler(t)
	ctx := context.Background()

	event := insertEvent(t, store,
		time.Now().UTC().Add(24*time.Hour), time.Time{})
	rule := &models.MailRule{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		Subject:   "See you soon",
		Template:  "reminder",
		SendTo:    models.MailToCustomers,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := store.Bun.NewInsert().Model(rule).Exec(ctx)
	require.NoError(t, err)

	for i, tc := range []struct {
		email  string
		status models.OrderStatus
	}{
		{"paid@example.com", models.OrderStatusPaid},
		{"pending@example.com", models.OrderStatusPending},
		{"broken@example.com", models.OrderStatusPaid},
	} {
		o := &models.Order{
			ID:        uuid.New().String(),
			Code:      "ORD2" + string(rune('A'+i)),
			EventID:   event.ID,
			Status:    tc.status,
			Email:     tc.email,
			Total:     decimal.MustParse("23.00"),
			ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
			Secret:    uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		}
		_, err := store.Bun.NewInsert().Model(o).Exec(ctx)
		require.NoError(t, err)
	}
	sender.fail["broken@example.com"] = true

	due := &models.ScheduledMail{
		ID:           uuid.New().String(),
		RuleID:       rule.ID,
		EventID:      event.ID,
		LastComputed: time.Now().UTC(),
		ComputedAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.InsertScheduledMail(ctx, due))

	sent, err := scheduler.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Pending orders are excluded by this rule, and one failed delivery does
	// not hold back the rest.
	assert.Equal(t, []string{"paid@example.com"}, sender.sent)

	mails, err := store.ScheduledMailsForEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, mails[0].Sent)

	// A second sweep finds nothing due.
	sent, err = scheduler.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestSendDueIncludesPendingWhenConfigured(t *testing.T) {
	scheduler, store, sender := setupScheduler(t)
	ctx := context.Background()

	event := insertEvent(t, store,
		time.Now().UTC().Add(24*time.Hour), time.Time{})
	rule := &models.MailRule{
		ID:             uuid.New().String(),
		EventID:        event.ID,
		Subject:        "Pay up",
		Template:       "payment_reminder",
		SendTo:         models.MailToCustomers,
		IncludePending: true,
		UpdatedAt:      time.Now().UTC(),
	}
	_, err := store.Bun.NewInsert().Model(rule).Exec(ctx)
	require.NoError(t, err)

	o := &models.Order{
		ID:        uuid.New().String(),
		Code:      "PEN23",
		EventID:   event.ID,
		Status:    models.OrderStatusPending,
		Email:     "pending@example.com",
		Total:     decimal.MustParse("23.00"),
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
		Secret:    uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	_, err = store.Bun.NewInsert().Model(o).Exec(ctx)
	require.NoError(t, err)

	due := &models.ScheduledMail{
		ID:           uuid.New().String(),
		RuleID:       rule.ID,
		EventID:      event.ID,
		LastComputed: time.Now().UTC(),
		ComputedAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.InsertScheduledMail(ctx, due))

	sent, err := scheduler.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"pending@example.com"}, sender.sent)
}
