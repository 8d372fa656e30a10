package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
)

// The ledger side of the service: payments in, refunds out. Order totals are
// never touched here; only payment and refund rows move, and the order status
// follows from their sum.

// CreatePayment registers an intent to pay. Nothing is charged yet.
func (s *Service) CreatePayment(ctx context.Context, orderID, provider string, amount decimal.Decimal, info string) (*models.OrderPayment, error) {
	if _, err := s.Providers.Get(provider); err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, models.NewOrderError(models.KindValidation, "payment amount must be positive")
	}

	var p *models.OrderPayment
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusCanceled {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is canceled and cannot accept payments", order.Code)
		}
		p = &models.OrderPayment{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			State:     models.PaymentStateCreated,
			Amount:    amount,
			Provider:  provider,
			Info:      info,
			CreatedAt: time.Now().UTC(),
		}
		return repo.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.Log.LogPayment("create", p.ID, fmt.Sprintf("💳 payment of %s via %s created", amount, provider))
	return p, nil
}

type ConfirmOptions struct {
	Force    bool
	Overbook bool
	SendMail bool
}

// ConfirmPayment marks a payment as received. Confirming an already
// confirmed payment is a no-op, so providers may deliver their webhook twice.
// If the order's places were given up in the meantime, the quotas are checked
// again before the order flips to paid.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string, localID int, actor string, opts ConfirmOptions) (*models.Order, error) {
	var order *models.Order
	var alreadyConfirmed bool
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		p := findPayment(order, localID)
		if p == nil {
			return models.ErrNotFound
		}
		if p.State == models.PaymentStateConfirmed {
			alreadyConfirmed = true
			return nil
		}
		return s.confirmPaymentLocked(ctx, repo, order, p, opts.Force, opts.Overbook)
	})
	if err != nil {
		return nil, err
	}
	if alreadyConfirmed {
		return order, nil
	}

	s.Log.LogPayment("confirm", fmt.Sprintf("%s/%d", order.Code, localID), "💰 payment confirmed")
	s.auditLog(ctx, order, "payment.confirmed", actor, map[string]any{"payment": localID})
	if order.Status == models.OrderStatusPaid {
		s.publish(func() error { return s.Bus.PublishOrderPaid(order) })
		if opts.SendMail {
			s.sendMail(order, "Payment received for order "+order.Code, "order_paid")
		}
	}
	return order, nil
}

// confirmPaymentLocked does the state work under the caller's row lock.
func (s *Service) confirmPaymentLocked(ctx context.Context, repo *db.DB, order *models.Order, p *models.OrderPayment, force, overbook bool) error {
	if p.State == models.PaymentStateConfirmed {
		return nil
	}
	if p.State != models.PaymentStateCreated && p.State != models.PaymentStatePending {
		return models.NewOrderError(models.KindStateConflict,
			"payment #%d is %s and cannot be confirmed", p.LocalID, p.State)
	}

	// An expired or canceled order gave its places back, so claiming them
	// again must pass the quota gate unless the caller overrides it.
	needsQuota := order.Status == models.OrderStatusExpired || order.Status == models.OrderStatusCanceled
	if needsQuota && !force && !overbook {
		if err := s.checkQuota(ctx, repo, positionDemands(order.Positions)); err != nil {
			return err
		}
	}

	p.State = models.PaymentStateConfirmed
	p.ConfirmedAt = time.Now().UTC()
	if err := repo.UpdatePayment(ctx, p); err != nil {
		return err
	}

	pending, err := order.PendingSum()
	if err != nil {
		return err
	}
	if pending.Sign() <= 0 && order.Status != models.OrderStatusPaid {
		wasExpired := order.Status == models.OrderStatusExpired || order.Status == models.OrderStatusCanceled
		order.Status = models.OrderStatusPaid
		if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
			return err
		}
		if wasExpired {
			if err := s.touchQuotas(ctx, repo, positionDemands(order.Positions)); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelPayment voids an open payment with its provider.
func (s *Service) CancelPayment(ctx context.Context, orderID string, localID int, actor string) (*models.OrderPayment, error) {
	var order *models.Order
	var p *models.OrderPayment
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		p = findPayment(order, localID)
		if p == nil {
			return models.ErrNotFound
		}
		if p.State != models.PaymentStateCreated && p.State != models.PaymentStatePending {
			return models.NewOrderError(models.KindStateConflict,
				"payment #%d is %s and cannot be canceled", p.LocalID, p.State)
		}
		provider, err := s.Providers.Get(p.Provider)
		if err != nil {
			return err
		}
		if err := provider.CancelPayment(ctx, p); err != nil {
			return err
		}
		p.State = models.PaymentStateCanceled
		return repo.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.Log.LogPayment("cancel", p.ID, "🚫 payment canceled")
	s.auditLog(ctx, order, "payment.canceled", actor, map[string]any{"payment": localID})
	return p, nil
}

// ---------------- REFUNDS ----------------

type RefundRequest struct {
	PaymentLocalID int             `json:"payment"`
	Amount         decimal.Decimal `json:"amount"`
	Source         models.RefundSource
	Comment        string `json:"comment,omitempty"`
	// MarkCanceled cancels the order once the refund settles; MarkPending
	// reopens it as unpaid instead. At most one may be set.
	MarkCanceled bool `json:"mark_canceled,omitempty"`
	MarkPending  bool `json:"mark_pending,omitempty"`
}

// CreateRefund validates and opens a refund against a confirmed payment, then
// hands it to the payment provider. A provider failure leaves the refund in
// state failed and the order untouched.
func (s *Service) CreateRefund(ctx context.Context, orderID, actor string, req RefundRequest) (*models.OrderRefund, error) {
	if req.MarkCanceled && req.MarkPending {
		return nil, models.NewOrderError(models.KindValidation,
			"a refund can mark the order canceled or pending, not both")
	}

	var order *models.Order
	var refund *models.OrderRefund
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		p := findPayment(order, req.PaymentLocalID)
		if p == nil {
			return models.ErrNotFound
		}
		if p.State != models.PaymentStateConfirmed && p.State != models.PaymentStateRefunded {
			return models.NewOrderError(models.KindStateConflict,
				"payment #%d is %s, only confirmed payments can be refunded", p.LocalID, p.State)
		}

		provider, err := s.Providers.Get(p.Provider)
		if err != nil {
			return err
		}
		if !provider.RefundSupported(p) {
			return models.NewOrderError(models.KindValidation,
				"payments via %s do not support refunds", p.Provider)
		}

		refunded, err := models.RefundedAmount(p, order.Refunds)
		if err != nil {
			return err
		}
		available, err := p.Amount.Sub(refunded)
		if err != nil {
			return err
		}
		if req.Amount.Sign() <= 0 {
			return models.NewOrderError(models.KindValidation, "refund amount must be positive")
		}
		if req.Amount.Cmp(available) > 0 {
			return models.NewOrderError(models.KindValidation,
				"refund amount of %s exceeds the %s still refundable on payment #%d", req.Amount, available, p.LocalID)
		}
		if req.Amount.Cmp(p.Amount) != 0 && !provider.PartialRefundSupported(p) {
			return models.NewOrderError(models.KindValidation,
				"payments via %s can only be refunded in full", p.Provider)
		}

		source := req.Source
		if source == "" {
			source = models.RefundSourceAdmin
		}
		refund = &models.OrderRefund{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			PaymentID: p.ID,
			State:     models.RefundStateCreated,
			Source:    source,
			Amount:    req.Amount,
			Provider:  p.Provider,
			Comment:   req.Comment,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.InsertRefund(ctx, refund); err != nil {
			return err
		}
		order.Refunds = append(order.Refunds, refund)

		if err := provider.ExecuteRefund(ctx, p, refund); err != nil {
			refund.State = models.RefundStateFailed
			if uerr := repo.UpdateRefund(ctx, refund); uerr != nil {
				return uerr
			}
			s.Log.LogPayment("refund", refund.ID, fmt.Sprintf("⚠️ provider refused refund: %v", err))
			s.auditLog(ctx, order, "refund.failed", actor, map[string]any{"refund": refund.LocalID, "error": err.Error()})
			return nil
		}
		if err := repo.UpdateRefund(ctx, refund); err != nil {
			return err
		}

		if refund.State == models.RefundStateDone && available.Cmp(req.Amount) == 0 {
			p.State = models.PaymentStateRefunded
			if err := repo.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		return s.settleRefundLocked(ctx, repo, order, refund, req.MarkCanceled, req.MarkPending)
	})
	if err != nil {
		return nil, err
	}

	if refund.State == models.RefundStateFailed {
		return refund, models.NewOrderError(models.KindProvider,
			"the refund could not be executed, no money has been moved")
	}
	s.Log.LogPayment("refund", refund.ID, fmt.Sprintf("💸 refund of %s opened (%s)", refund.Amount, refund.State))
	s.auditLog(ctx, order, "refund.created", actor, map[string]any{"refund": refund.LocalID, "amount": refund.Amount})
	s.publish(func() error { return s.Bus.PublishRefundEvent(refund) })
	return refund, nil
}

// settleRefundLocked applies the requested follow-up transition once the
// refund has reached a settled state.
func (s *Service) settleRefundLocked(ctx context.Context, repo *db.DB, order *models.Order, refund *models.OrderRefund, markCanceled, markPending bool) error {
	if refund.State != models.RefundStateDone && refund.State != models.RefundStateTransit {
		return nil
	}
	switch {
	case markCanceled && order.Status != models.OrderStatusCanceled:
		order.Status = models.OrderStatusCanceled
		if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, positionDemands(order.Positions))
	case markPending && order.Status == models.OrderStatusPaid:
		order.Status = models.OrderStatusPending
		order.ExpiresAt = time.Now().UTC().Add(s.PaymentTerm)
		return repo.UpdateOrder(ctx, order, "status", "expires_at")
	}
	return nil
}

// ProcessRefund moves an externally observed refund into transit.
func (s *Service) ProcessRefund(ctx context.Context, orderID string, localID int, actor string) (*models.OrderRefund, error) {
	return s.advanceRefund(ctx, orderID, localID, actor, models.RefundStateTransit,
		[]models.RefundState{models.RefundStateCreated, models.RefundStateExternal})
}

// DoneRefund settles a refund that was in transit or reported externally.
func (s *Service) DoneRefund(ctx context.Context, orderID string, localID int, actor string) (*models.OrderRefund, error) {
	return s.advanceRefund(ctx, orderID, localID, actor, models.RefundStateDone,
		[]models.RefundState{models.RefundStateCreated, models.RefundStateTransit, models.RefundStateExternal})
}

// CancelRefund voids a refund that has not settled yet.
func (s *Service) CancelRefund(ctx context.Context, orderID string, localID int, actor string) (*models.OrderRefund, error) {
	return s.advanceRefund(ctx, orderID, localID, actor, models.RefundStateCanceled,
		[]models.RefundState{models.RefundStateCreated, models.RefundStateTransit, models.RefundStateExternal})
}

func (s *Service) advanceRefund(ctx context.Context, orderID string, localID int, actor string, target models.RefundState, from []models.RefundState) (*models.OrderRefund, error) {
	var order *models.Order
	var refund *models.OrderRefund
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		refund = findRefund(order, localID)
		if refund == nil {
			return models.ErrNotFound
		}
		allowed := false
		for _, st := range from {
			if refund.State == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return models.NewOrderError(models.KindStateConflict,
				"refund #%d is %s and cannot become %s", refund.LocalID, refund.State, target)
		}
		refund.State = target
		if target == models.RefundStateDone {
			refund.DoneAt = time.Now().UTC()
		}
		return repo.UpdateRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}
	s.Log.LogPayment("refund", refund.ID, fmt.Sprintf("refund #%d moved to %s", refund.LocalID, target))
	s.auditLog(ctx, order, "refund."+string(target), actor, map[string]any{"refund": refund.LocalID})
	s.publish(func() error { return s.Bus.PublishRefundEvent(refund) })
	return refund, nil
}

func findPayment(order *models.Order, localID int) *models.OrderPayment {
	for _, p := range order.Payments {
		if p.LocalID == localID {
			return p
		}
	}
	return nil
}

func findRefund(order *models.Order, localID int) *models.OrderRefund {
	for _, r := range order.Refunds {
		if r.LocalID == localID {
			return r
		}
	}
	return nil
}
