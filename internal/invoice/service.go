package invoice

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"boxoffice/internal/audit"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
)

// Service issues invoices and their cancellations. Numbers are handed out
// sequentially per event and prefix, with no gaps and no reuse; an invoice
// is never edited after issue.
type Service struct {
	Store  *db.DB
	Audit  *audit.Logger
	Log    *logger.Logger
	Prefix string
}

func NewService(store *db.DB, auditLog *audit.Logger, log *logger.Logger, prefix string) *Service {
	if prefix == "" {
		prefix = "INV"
	}
	return &Service{Store: store, Audit: auditLog, Log: log, Prefix: prefix}
}

// Generate issues an invoice over the order's current total.
func (s *Service) Generate(ctx context.Context, orderID, actor string) (*models.Invoice, error) {
	var inv *models.Invoice
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusCanceled {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is canceled, issue a cancellation instead", order.Code)
		}
		if active, err := s.activeInvoice(ctx, repo, order.ID); err != nil {
			return err
		} else if active != nil {
			return models.NewOrderError(models.KindStateConflict,
				"order %s already has invoice %s, cancel it first", order.Code, active.FullNumber())
		}
		inv, err = s.issue(ctx, repo, order, false, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, inv, actor, "invoice.issued")
	return inv, nil
}

// Cancel issues a cancellation invoice referring to the given invoice.
func (s *Service) Cancel(ctx context.Context, orderID, invoiceID, actor string) (*models.Invoice, error) {
	var inv *models.Invoice
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		target, err := s.find(ctx, repo, order.ID, invoiceID)
		if err != nil {
			return err
		}
		inv, err = s.issue(ctx, repo, order, true, target.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx, inv, actor, "invoice.canceled")
	return inv, nil
}

// ReissueForOrder cancels the active invoice and issues a fresh one over the
// new total, inside the caller's transaction. Orders without an active
// invoice are left alone.
func (s *Service) ReissueForOrder(ctx context.Context, repo *db.DB, order *models.Order) error {
	active, err := s.activeInvoice(ctx, repo, order.ID)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	if _, err := s.issue(ctx, repo, order, true, active.ID); err != nil {
		return err
	}
	_, err = s.issue(ctx, repo, order, false, "")
	return err
}

func (s *Service) issue(ctx context.Context, repo *db.DB, order *models.Order, cancellation bool, refersTo string) (*models.Invoice, error) {
	number, err := repo.NextInvoiceNumber(ctx, order.EventID, s.Prefix)
	if err != nil {
		return nil, err
	}
	inv := &models.Invoice{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		EventID:        order.EventID,
		Prefix:         s.Prefix,
		Number:         number,
		IsCancellation: cancellation,
		RefersToID:     refersTo,
		Total:          order.Total,
	}
	if cancellation {
		// The cancellation document negates the referenced invoice, so it
		// carries that invoice's total, not the order's current one.
		ref, err := s.find(ctx, repo, order.ID, refersTo)
		if err != nil {
			return nil, err
		}
		inv.Total = ref.Total
	}
	if err := repo.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// activeInvoice returns the newest invoice that has not been negated by a
// cancellation, or nil.
func (s *Service) activeInvoice(ctx context.Context, repo *db.DB, orderID string) (*models.Invoice, error) {
	invoices, err := repo.InvoicesForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	canceled := make(map[string]bool)
	for _, inv := range invoices {
		if inv.IsCancellation && inv.RefersToID != "" {
			canceled[inv.RefersToID] = true
		}
	}
	for i := len(invoices) - 1; i >= 0; i-- {
		inv := invoices[i]
		if !inv.IsCancellation && !canceled[inv.ID] {
			return inv, nil
		}
	}
	return nil, nil
}

func (s *Service) find(ctx context.Context, repo *db.DB, orderID, invoiceID string) (*models.Invoice, error) {
	invoices, err := repo.InvoicesForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if inv.ID == invoiceID {
			return inv, nil
		}
	}
	return nil, models.ErrNotFound
}

// List returns all invoices of an order, oldest first.
func (s *Service) List(ctx context.Context, orderID string) ([]*models.Invoice, error) {
	return s.Store.InvoicesForOrder(ctx, orderID)
}

func (s *Service) log(ctx context.Context, inv *models.Invoice, actor, action string) {
	s.Log.Info("INVOICE", fmt.Sprintf("🧾 %s %s (total %s)", action, inv.FullNumber(), inv.Total))
	if s.Audit != nil {
		if err := s.Audit.Log(ctx, inv.EventID, inv.OrderID, action, actor, map[string]any{"invoice": inv.FullNumber()}); err != nil {
			s.Log.Error("AUDIT", fmt.Sprintf("failed to record %s: %v", action, err))
		}
	}
}
