package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuditEntry is one structured action record. Every order state transition
// and mutation appends exactly one entry.
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_log"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	EventID   string    `bun:"event_id,notnull" json:"event_id"`
	OrderID   string    `bun:"order_id,nullzero" json:"order_id,omitempty"`
	Action    string    `bun:"action,notnull" json:"action"`
	Actor     string    `bun:"actor" json:"actor"`
	Data      string    `bun:"data" json:"data,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
