package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"boxoffice/internal/models"
)

// Logger appends structured action records. Every order state transition and
// mutation writes exactly one entry; a failed append is reported to the
// caller, never swallowed.
type Logger struct {
	DB *bun.DB
}

func NewLogger(db *bun.DB) *Logger {
	return &Logger{DB: db}
}

// Log appends one action record. data is marshaled to JSON; pass nil for
// actions without a payload.
func (l *Logger) Log(ctx context.Context, eventID, orderID, action, actor string, data any) error {
	entry := &models.AuditEntry{
		EventID:   eventID,
		OrderID:   orderID,
		Action:    action,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		entry.Data = string(payload)
	}
	_, err := l.DB.NewInsert().Model(entry).Exec(ctx)
	return err
}

// ForOrder lists an order's audit trail, newest first.
func (l *Logger) ForOrder(ctx context.Context, orderID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := l.DB.NewSelect().
		Model(&entries).
		Where("order_id = ?", orderID).
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
