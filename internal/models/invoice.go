package models

import (
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/uptrace/bun"
)

// Invoice is a generated document capturing an order total at issue time. It
// is never edited in place: when the order total changes, the old invoice is
// canceled by a cancellation invoice and a fresh one is issued.
type Invoice struct {
	bun.BaseModel `bun:"table:invoices"`

	ID             string          `bun:"id,pk" json:"id"`
	OrderID        string          `bun:"order_id,notnull" json:"order_id"`
	EventID        string          `bun:"event_id,notnull" json:"event_id"`
	Prefix         string          `bun:"prefix,notnull" json:"prefix"`
	Number         int             `bun:"number,notnull" json:"number"`
	IsCancellation bool            `bun:"is_cancellation,notnull" json:"is_cancellation"`
	RefersToID     string          `bun:"refers_to_id,nullzero" json:"refers_to_id,omitempty"`
	Total          decimal.Decimal `bun:"total,notnull" json:"total"`
	IssuedAt       time.Time       `bun:"issued_at,notnull,default:current_timestamp" json:"issued_at"`
}

// FullNumber is the display number, e.g. "SF25-00042".
func (i *Invoice) FullNumber() string {
	return fmt.Sprintf("%s-%05d", i.Prefix, i.Number)
}
