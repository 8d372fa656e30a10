package models

import (
	"time"

	"github.com/uptrace/bun"
)

type MailAudience string

const (
	MailToCustomers MailAudience = "orders"
	MailToAttendees MailAudience = "attendees"
	MailToBoth      MailAudience = "both"
)

// MailRule configures a scheduled bulk email, either at an absolute date or
// relative to the (sub)event start/end.
type MailRule struct {
	bun.BaseModel `bun:"table:mail_rules"`

	ID             string       `bun:"id,pk" json:"id"`
	EventID        string       `bun:"event_id,notnull" json:"event_id"`
	Subject        string       `bun:"subject,notnull" json:"subject"`
	Template       string       `bun:"template,notnull" json:"template"`
	SendTo         MailAudience `bun:"send_to,notnull" json:"send_to"`
	IncludePending bool         `bun:"include_pending,notnull" json:"include_pending"`
	SendDate       time.Time    `bun:"send_date,nullzero" json:"send_date,omitempty"`
	OffsetDays     int          `bun:"offset_days,notnull" json:"offset_days"`
	OffsetIsAfter  bool         `bun:"offset_is_after,notnull" json:"offset_is_after"`
	OffsetToEnd    bool         `bun:"offset_to_end,notnull" json:"offset_to_end"`
	SendOffsetHour int          `bun:"send_offset_hour,notnull" json:"send_offset_hour"`
	UpdatedAt      time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

// DateIsAbsolute reports whether the rule fires at a fixed point in time
// rather than relative to the event schedule.
func (r *MailRule) DateIsAbsolute() bool {
	return !r.SendDate.IsZero()
}

// ScheduledMail is one planned send of a rule for an event or subevent.
// LastComputed is set at row creation and is never zero.
type ScheduledMail struct {
	bun.BaseModel `bun:"table:scheduled_mails"`

	ID           string    `bun:"id,pk" json:"id"`
	RuleID       string    `bun:"rule_id,notnull" json:"rule_id"`
	EventID      string    `bun:"event_id,notnull" json:"event_id"`
	SubeventID   string    `bun:"subevent_id,nullzero" json:"subevent_id,omitempty"`
	Sent         bool      `bun:"sent,notnull" json:"sent"`
	LastComputed time.Time `bun:"last_computed,notnull" json:"last_computed"`
	ComputedAt   time.Time `bun:"computed_at,notnull" json:"computed_at"`

	Rule *MailRule `bun:"rel:belongs-to,join:rule_id=id" json:"-"`
}
