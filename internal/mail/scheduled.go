package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
)

// Sender delivers one mail. Satisfied by SMTPMailer via a small adapter in
// the scheduler so tests can swap it out.
type Sender interface {
	SendOrderMail(order *models.Order, subject, template string) error
}

// Scheduler maintains scheduled_mails rows for every mail rule and sends the
// ones whose time has come.
type Scheduler struct {
	Store  *db.DB
	Mailer Sender
	Log    *logger.Logger
}

func NewScheduler(store *db.DB, mailer Sender, log *logger.Logger) *Scheduler {
	return &Scheduler{Store: store, Mailer: mailer, Log: log}
}

// SendTime resolves when a rule fires for the given event or subevent.
// Relative rules count whole days from the schedule anchor and then pin the
// hour of day.
func SendTime(rule *models.MailRule, event *models.Event, sub *models.Subevent) time.Time {
	if rule.DateIsAbsolute() {
		return rule.SendDate
	}
	anchorFrom, anchorTo := event.DateFrom, event.DateTo
	if sub != nil {
		anchorFrom, anchorTo = sub.DateFrom, sub.DateTo
	}
	anchor := anchorFrom
	if rule.OffsetToEnd && !anchorTo.IsZero() {
		anchor = anchorTo
	}
	days := rule.OffsetDays
	if !rule.OffsetIsAfter {
		days = -days
	}
	d := anchor.UTC().AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), rule.SendOffsetHour, 0, 0, 0, time.UTC)
}

// Refresh creates missing scheduled_mails rows for an event and recomputes
// the send time of rows whose rule changed after they were last computed.
// Rows already sent are never touched.
func (s *Scheduler) Refresh(ctx context.Context, eventID string) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		event, err := repo.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		rules, err := repo.ListMailRules(ctx, eventID)
		if err != nil {
			return err
		}
		subevents, err := repo.ListSubevents(ctx, eventID)
		if err != nil {
			return err
		}
		existing, err := repo.ScheduledMailsForEvent(ctx, eventID)
		if err != nil {
			return err
		}

		type key struct{ rule, subevent string }
		byKey := make(map[key]*models.ScheduledMail, len(existing))
		for _, m := range existing {
			byKey[key{m.RuleID, m.SubeventID}] = m
		}

		now := time.Now().UTC()
		ensure := func(rule *models.MailRule, sub *models.Subevent) error {
			subID := ""
			if sub != nil {
				subID = sub.ID
			}
			m, ok := byKey[key{rule.ID, subID}]
			if !ok {
				m = &models.ScheduledMail{
					ID:           uuid.New().String(),
					RuleID:       rule.ID,
					EventID:      eventID,
					SubeventID:   subID,
					LastComputed: now,
					ComputedAt:   SendTime(rule, event, sub),
				}
				return repo.InsertScheduledMail(ctx, m)
			}
			if m.Sent || !rule.UpdatedAt.After(m.LastComputed) {
				return nil
			}
			m.ComputedAt = SendTime(rule, event, sub)
			m.LastComputed = now
			return repo.UpdateScheduledMail(ctx, m)
		}

		for _, rule := range rules {
			if len(subevents) == 0 {
				if err := ensure(rule, nil); err != nil {
					return err
				}
				continue
			}
			for _, sub := range subevents {
				if err := ensure(rule, sub); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SendDue delivers every scheduled mail whose computed time has passed.
// A failed delivery to one recipient does not hold back the others.
func (s *Scheduler) SendDue(ctx context.Context) (int, error) {
	due, err := s.Store.DueScheduledMails(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range due {
		if m.Rule == nil {
			continue
		}
		orders, err := s.Store.OrdersForMail(ctx, m.EventID, m.SubeventID, m.Rule.IncludePending)
		if err != nil {
			return sent, err
		}
		for _, o := range orders {
			if err := s.Mailer.SendOrderMail(o, m.Rule.Subject, m.Rule.Template); err != nil {
				s.Log.LogMail(o.Email, fmt.Sprintf("⚠️ scheduled mail failed: %v", err))
			}
		}
		m.Sent = true
		if err := s.Store.UpdateScheduledMail(ctx, m); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
