package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"boxoffice/internal/audit"
	"boxoffice/internal/eventbus"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
	"boxoffice/internal/payment"
	"boxoffice/internal/pricing"
	"boxoffice/internal/quota"
	"boxoffice/internal/utils"
)

// Mailer sends transactional order mails. Failures must never abort the
// transition that triggered them.
type Mailer interface {
	SendOrderMail(order *models.Order, subject, body string) error
}

// HoldReleaser drops a cart's quota reservations once the places they guarded
// have been committed to an order.
type HoldReleaser interface {
	Release(ctx context.Context, cartID string, quotaIDs []string) error
}

type Service struct {
	Store       *db.DB
	Quota       *quota.Evaluator
	Providers   *payment.Registry
	Bus         eventbus.Publisher
	Audit       *audit.Logger
	Mail        Mailer
	Invoices    Invoicer
	Carts       HoldReleaser
	Log         *logger.Logger
	PaymentTerm time.Duration
}

func NewService(store *db.DB, evaluator *quota.Evaluator, providers *payment.Registry, bus eventbus.Publisher, auditLog *audit.Logger, mail Mailer, log *logger.Logger, paymentTerm time.Duration) *Service {
	return &Service{
		Store:       store,
		Quota:       evaluator,
		Providers:   providers,
		Bus:         bus,
		Audit:       auditLog,
		Mail:        mail,
		Log:         log,
		PaymentTerm: paymentTerm,
	}
}

func (s *Service) sendMail(order *models.Order, subject, body string) {
	if s.Mail == nil {
		return
	}
	if err := s.Mail.SendOrderMail(order, subject, body); err != nil {
		s.Log.LogMail(order.Email, fmt.Sprintf("⚠️ failed to send %q for order %s: %v", subject, order.Code, err))
	}
}

func (s *Service) publish(fn func() error) {
	if s.Bus == nil {
		return
	}
	if err := fn(); err != nil {
		s.Log.Error("KAFKA", fmt.Sprintf("failed to publish order event: %v", err))
	}
}

func (s *Service) auditLog(ctx context.Context, order *models.Order, action, actor string, data any) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Log(ctx, order.EventID, order.ID, action, actor, data); err != nil {
		s.Log.Error("AUDIT", fmt.Sprintf("failed to record %s for order %s: %v", action, order.Code, err))
	}
}

// ---------------- QUOTA CHECKS ----------------

type demand struct {
	itemID      string
	variationID string
	subeventID  string
}

func positionDemands(positions []*models.OrderPosition) []demand {
	var out []demand
	for _, p := range positions {
		if p.Canceled {
			continue
		}
		out = append(out, demand{itemID: p.ItemID, variationID: p.VariationID, subeventID: p.SubeventID})
	}
	return out
}

// demandQuotas resolves the quotas each demand draws from and how many units
// every quota must supply in total.
func (s *Service) demandQuotas(ctx context.Context, repo *db.DB, demands []demand) ([]*models.Quota, map[string]int, error) {
	byID := make(map[string]*models.Quota)
	needed := make(map[string]int)
	for _, d := range demands {
		quotas, err := repo.QuotasForItem(ctx, d.itemID, d.variationID, d.subeventID)
		if err != nil {
			return nil, nil, err
		}
		if len(quotas) == 0 {
			return nil, nil, models.NewOrderError(models.KindValidation,
				"item %s is not available for sale as it is not assigned to a quota", d.itemID)
		}
		for _, q := range quotas {
			byID[q.ID] = q
			needed[q.ID]++
		}
	}
	list := make([]*models.Quota, 0, len(byID))
	for _, q := range byID {
		list = append(list, q)
	}
	return list, needed, nil
}

// checkQuota verifies that every quota the demands touch can still supply the
// requested units. The quota rows are locked first and the counts run through
// the transaction-bound repo, so the check sees the transaction's own writes
// and no concurrent order can claim the same places before this one commits.
func (s *Service) checkQuota(ctx context.Context, repo *db.DB, demands []demand) error {
	if len(demands) == 0 {
		return nil
	}
	quotas, needed, err := s.demandQuotas(ctx, repo, demands)
	if err != nil {
		return err
	}
	ids := make([]string, len(quotas))
	for i, q := range quotas {
		ids[i] = q.ID
	}
	if err := repo.LockQuotas(ctx, ids); err != nil {
		return err
	}
	results, err := s.Quota.WithStore(repo).Availability(ctx, quotas, quota.Options{IgnoreCache: true})
	if err != nil {
		return err
	}
	for _, q := range quotas {
		a, ok := results[q.ID]
		if !ok || a.Available == nil {
			continue
		}
		if *a.Available < needed[q.ID] {
			return models.NewOrderError(models.KindQuotaExceeded,
				"quota %q has only %d of the requested %d places left", q.Name, *a.Available, needed[q.ID])
		}
	}
	return nil
}

func (s *Service) touchQuotas(ctx context.Context, repo *db.DB, demands []demand) error {
	if len(demands) == 0 {
		return nil
	}
	quotas, _, err := s.demandQuotas(ctx, repo, demands)
	if err != nil {
		return err
	}
	ids := make([]string, len(quotas))
	for i, q := range quotas {
		ids[i] = q.ID
	}
	return repo.TouchQuotas(ctx, ids)
}

// ---------------- ORDER CREATION ----------------

type PositionRequest struct {
	ItemID      string `json:"item_id"`
	VariationID string `json:"variation_id,omitempty"`
	SubeventID  string `json:"subevent_id,omitempty"`
	VoucherCode string `json:"voucher_code,omitempty"`
}

type CreateRequest struct {
	EventID         string            `json:"event_id"`
	Email           string            `json:"email"`
	Locale          string            `json:"locale,omitempty"`
	Positions       []PositionRequest `json:"positions"`
	CartID          string            `json:"cart_id,omitempty"`
	RequireApproval bool              `json:"require_approval,omitempty"`
	Address         *models.InvoiceAddress
}

// Create places a new order. The quota check and the inserts run in one
// transaction, so two competing orders cannot both claim the last place.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Order, error) {
	if len(req.Positions) == 0 {
		return nil, models.NewOrderError(models.KindValidation, "an order requires at least one position")
	}

	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		code, err := s.freeOrderCode(ctx, repo, req.EventID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		order = &models.Order{
			ID:              uuid.New().String(),
			Code:            code,
			EventID:         req.EventID,
			Status:          models.OrderStatusPending,
			Email:           req.Email,
			Locale:          req.Locale,
			ExpiresAt:       now.Add(s.PaymentTerm),
			RequireApproval: req.RequireApproval,
			Secret:          utils.GenerateSecret(),
			CreatedAt:       now,
		}

		total := decimal.Zero
		var demands []demand
		for i, pr := range req.Positions {
			item, err := repo.GetItem(ctx, pr.ItemID)
			if err != nil {
				return err
			}
			var variation *models.ItemVariation
			if pr.VariationID != "" {
				for _, v := range item.Variations {
					if v.ID == pr.VariationID {
						variation = v
						break
					}
				}
				if variation == nil {
					return models.NewOrderError(models.KindValidation,
						"variation %s does not belong to item %s", pr.VariationID, pr.ItemID)
				}
			} else if item.HasVariations() {
				return models.NewOrderError(models.KindValidation,
					"item %s requires a variation to be selected", pr.ItemID)
			}

			var voucher *models.Voucher
			if pr.VoucherCode != "" {
				voucher, err = repo.GetVoucherByCode(ctx, req.EventID, pr.VoucherCode)
				if err != nil {
					return err
				}
				if !voucher.Active(now) {
					return models.NewOrderError(models.KindValidation, "voucher %s is no longer valid", pr.VoucherCode)
				}
			}

			price, err := pricing.Calculate(pricing.Input{
				Item:      item,
				Variation: variation,
				Voucher:   voucher,
				Address:   req.Address,
			})
			if err != nil {
				return err
			}

			pos := &models.OrderPosition{
				ID:          uuid.New().String(),
				OrderID:     order.ID,
				PositionID:  i + 1,
				ItemID:      pr.ItemID,
				VariationID: pr.VariationID,
				SubeventID:  pr.SubeventID,
				Price:       price.Gross,
				TaxRate:     price.Rate,
				TaxValue:    price.Tax,
				Secret:      utils.GenerateSecret(),
			}
			order.Positions = append(order.Positions, pos)
			demands = append(demands, demand{itemID: pr.ItemID, variationID: pr.VariationID, subeventID: pr.SubeventID})

			total, err = total.Add(price.Gross)
			if err != nil {
				return err
			}

			if voucher != nil && voucher.AppliesTo(item, variation) {
				if err := repo.RedeemVoucher(ctx, voucher.ID); err != nil {
					return err
				}
			}
		}
		order.Total = total

		if err := s.checkQuota(ctx, repo, demands); err != nil {
			return err
		}

		if err := repo.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, pos := range order.Positions {
			if err := repo.InsertPosition(ctx, pos); err != nil {
				return err
			}
		}
		if req.Address != nil {
			if req.Address.ID == "" {
				req.Address.ID = uuid.New().String()
			}
			req.Address.OrderID = order.ID
			if err := repo.InsertAddress(ctx, req.Address); err != nil {
				return err
			}
			order.Address = req.Address
		}

		// Free orders settle immediately unless they await approval.
		if total.IsZero() && !req.RequireApproval {
			p := &models.OrderPayment{
				ID:          uuid.New().String(),
				OrderID:     order.ID,
				State:       models.PaymentStateConfirmed,
				Amount:      decimal.Zero,
				Provider:    "free",
				CreatedAt:   now,
				ConfirmedAt: now,
			}
			if err := repo.InsertPayment(ctx, p); err != nil {
				return err
			}
			order.Payments = append(order.Payments, p)
			order.Status = models.OrderStatusPaid
			if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
				return err
			}
		}

		return s.touchQuotas(ctx, repo, demands)
	})
	if err != nil {
		return nil, err
	}

	if req.CartID != "" && s.Carts != nil {
		s.releaseCartHolds(ctx, order, req.CartID)
	}

	s.Log.LogOrder("create", order.Code, fmt.Sprintf("🛒 order placed with %d positions, total %s", len(order.Positions), order.Total))
	s.auditLog(ctx, order, "order.placed", "system", map[string]any{"total": order.Total, "positions": len(order.Positions)})
	s.publish(func() error { return s.Bus.PublishOrderPlaced(order) })
	s.sendMail(order, "Your order: "+order.Code, "order_placed")
	return order, nil
}

// releaseCartHolds frees the cart reservations backing a freshly placed
// order. The places are committed at this point, so a failed release only
// costs capacity until the holds expire.
func (s *Service) releaseCartHolds(ctx context.Context, order *models.Order, cartID string) {
	quotas, _, err := s.demandQuotas(ctx, s.Store, positionDemands(order.Positions))
	if err != nil {
		s.Log.LogOrder("create", order.Code, fmt.Sprintf("⚠️ could not resolve quotas to release cart %s: %v", cartID, err))
		return
	}
	ids := make([]string, len(quotas))
	for i, q := range quotas {
		ids[i] = q.ID
	}
	if err := s.Carts.Release(ctx, cartID, ids); err != nil {
		s.Log.LogOrder("create", order.Code, fmt.Sprintf("⚠️ failed to release cart %s holds: %v", cartID, err))
	}
}

// freeOrderCode draws random codes until one is unused for the event.
func (s *Service) freeOrderCode(ctx context.Context, repo *db.DB, eventID string) (string, error) {
	for i := 0; i < 20; i++ {
		code := utils.GenerateOrderCode()
		_, err := repo.GetOrderByCode(ctx, eventID, code)
		if err == models.ErrNotFound {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", models.NewOrderError(models.KindInternal, "could not generate a unique order code")
}

// ---------------- STATE TRANSITIONS ----------------

type MarkPaidOptions struct {
	Force    bool
	Overbook bool
	SendMail bool
}

// MarkPaid settles the outstanding balance with a manual payment and confirms
// it. Open payments are canceled first; a provider that refuses the cancel
// does not block the transition.
func (s *Service) MarkPaid(ctx context.Context, orderID, actor string, opts MarkPaidOptions) (*models.Order, error) {
	var order *models.Order
	var alreadyPaid bool
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusPaid {
			alreadyPaid = true
			return nil
		}
		if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusExpired {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s and cannot be marked as paid", order.Code, order.Status)
		}

		for _, p := range order.Payments {
			if p.State != models.PaymentStateCreated && p.State != models.PaymentStatePending {
				continue
			}
			if provider, perr := s.Providers.Get(p.Provider); perr == nil {
				if cerr := provider.CancelPayment(ctx, p); cerr != nil {
					s.Log.LogPayment("cancel", p.ID, fmt.Sprintf("⚠️ provider refused to cancel: %v", cerr))
					s.auditLog(ctx, order, "payment.cancel.failed", actor, map[string]any{"payment": p.LocalID, "error": cerr.Error()})
				}
			}
			p.State = models.PaymentStateCanceled
			if err := repo.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}

		pending, err := order.PendingSum()
		if err != nil {
			return err
		}
		p := &models.OrderPayment{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			State:     models.PaymentStateCreated,
			Amount:    pending,
			Provider:  "manual",
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.InsertPayment(ctx, p); err != nil {
			return err
		}
		order.Payments = append(order.Payments, p)

		return s.confirmPaymentLocked(ctx, repo, order, p, opts.Force, opts.Overbook)
	})
	if err != nil {
		return nil, err
	}
	if alreadyPaid {
		return order, nil
	}

	s.Log.LogOrder("mark_paid", order.Code, "💰 order marked as paid")
	s.auditLog(ctx, order, "order.paid", actor, nil)
	s.publish(func() error { return s.Bus.PublishOrderPaid(order) })
	if opts.SendMail {
		s.sendMail(order, "Payment received for order "+order.Code, "order_paid")
	}
	return order, nil
}

// Approve releases an order from the approval queue and starts its payment
// term. Free orders settle on the spot.
func (s *Service) Approve(ctx context.Context, orderID, actor string) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending || !order.RequireApproval {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is not waiting for approval", order.Code)
		}

		now := time.Now().UTC()
		order.RequireApproval = false
		order.ExpiresAt = now.Add(s.PaymentTerm)
		if order.Total.IsZero() {
			p := &models.OrderPayment{
				ID:          uuid.New().String(),
				OrderID:     order.ID,
				State:       models.PaymentStateConfirmed,
				Amount:      decimal.Zero,
				Provider:    "free",
				CreatedAt:   now,
				ConfirmedAt: now,
			}
			if err := repo.InsertPayment(ctx, p); err != nil {
				return err
			}
			order.Payments = append(order.Payments, p)
			order.Status = models.OrderStatusPaid
		}
		return repo.UpdateOrder(ctx, order, "status", "require_approval", "expires_at")
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("approve", order.Code, "✅ order approved")
	s.auditLog(ctx, order, "order.approved", actor, nil)
	s.publish(func() error { return s.Bus.PublishOrderChanged(order) })
	s.sendMail(order, "Your order has been approved: "+order.Code, "order_approved")
	return order, nil
}

// Deny rejects an order waiting for approval and releases its places.
func (s *Service) Deny(ctx context.Context, orderID, actor, comment string) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending || !order.RequireApproval {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is not waiting for approval", order.Code)
		}
		order.Status = models.OrderStatusCanceled
		if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, positionDemands(order.Positions))
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("deny", order.Code, "🚫 order denied")
	s.auditLog(ctx, order, "order.denied", actor, map[string]any{"comment": comment})
	s.publish(func() error { return s.Bus.PublishOrderCanceled(order) })
	s.sendMail(order, "Your order was not approved: "+order.Code, "order_denied")
	return order, nil
}

// MarkPending reverts a paid order to pending, for when a payment was
// recorded in error. The ledger is left untouched.
func (s *Service) MarkPending(ctx context.Context, orderID, actor string) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPaid {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s, only paid orders can be marked as pending", order.Code, order.Status)
		}
		order.Status = models.OrderStatusPending
		return repo.UpdateOrder(ctx, order, "status")
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("mark_pending", order.Code, "↩️ order reverted to pending")
	s.auditLog(ctx, order, "order.unpaid", actor, nil)
	s.publish(func() error { return s.Bus.PublishOrderChanged(order) })
	return order, nil
}

// MarkExpired expires a pending order whose payment term has run out.
func (s *Service) MarkExpired(ctx context.Context, orderID, actor string) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s and cannot expire", order.Code, order.Status)
		}
		if order.ValidIfPending {
			return models.NewOrderError(models.KindStateConflict,
				"order %s stays valid while pending and cannot expire", order.Code)
		}
		order.Status = models.OrderStatusExpired
		if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, positionDemands(order.Positions))
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("expire", order.Code, "⌛ order expired")
	s.auditLog(ctx, order, "order.expired", actor, nil)
	s.publish(func() error { return s.Bus.PublishOrderExpired(order) })
	return order, nil
}

// MarkRefunded records that a paid order was fully refunded outside the
// ledger and cancels it.
func (s *Service) MarkRefunded(ctx context.Context, orderID, actor string) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPaid {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s, only paid orders can be marked as refunded", order.Code, order.Status)
		}
		order.Status = models.OrderStatusCanceled
		if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, positionDemands(order.Positions))
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("mark_refunded", order.Code, "💸 order marked as refunded")
	s.auditLog(ctx, order, "order.refunded", actor, nil)
	s.publish(func() error { return s.Bus.PublishOrderCanceled(order) })
	return order, nil
}

// Cancel cancels an order. With a cancellation fee the order keeps its
// status: all positions and fees are voided, the fee becomes the new total
// and any surplus the buyer already paid is left on the ledger for a refund.
func (s *Service) Cancel(ctx context.Context, orderID, actor string, fee decimal.Decimal) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CancelAllowed() {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is already canceled", order.Code)
		}

		if fee.Sign() < 0 {
			return models.NewOrderError(models.KindValidation, "cancellation fee cannot be negative")
		}
		if fee.Cmp(order.Total) > 0 {
			return models.NewOrderError(models.KindValidation,
				"cancellation fee of %s exceeds the order total of %s", fee, order.Total)
		}

		if fee.Sign() == 0 {
			order.Status = models.OrderStatusCanceled
			if err := repo.UpdateOrder(ctx, order, "status"); err != nil {
				return err
			}
			return s.touchQuotas(ctx, repo, positionDemands(order.Positions))
		}

		demands := positionDemands(order.Positions)
		for _, pos := range order.Positions {
			if pos.Canceled {
				continue
			}
			pos.Canceled = true
			if err := repo.UpdatePosition(ctx, pos); err != nil {
				return err
			}
		}
		for _, f := range order.Fees {
			if f.Canceled {
				continue
			}
			f.Canceled = true
			if err := repo.UpdateFee(ctx, f); err != nil {
				return err
			}
		}
		cancelFee := &models.OrderFee{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			Type:        models.FeeTypeCancellation,
			Description: "Cancellation fee",
			Value:       fee,
		}
		if err := repo.InsertFee(ctx, cancelFee); err != nil {
			return err
		}
		order.Fees = append(order.Fees, cancelFee)
		order.Total = fee
		if err := repo.UpdateOrder(ctx, order, "total"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, demands)
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("cancel", order.Code, fmt.Sprintf("❌ order canceled (fee %s)", fee))
	s.auditLog(ctx, order, "order.canceled", actor, map[string]any{"cancellation_fee": fee})
	s.publish(func() error { return s.Bus.PublishOrderCanceled(order) })
	s.sendMail(order, "Your order has been canceled: "+order.Code, "order_canceled")
	return order, nil
}

// Reactivate restores a canceled order. Places are re-checked against the
// quotas because they were already released.
func (s *Service) Reactivate(ctx context.Context, orderID, actor string, force bool) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusCanceled {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s, only canceled orders can be reactivated", order.Code, order.Status)
		}

		demands := positionDemands(order.Positions)
		if !force {
			if err := s.checkQuota(ctx, repo, demands); err != nil {
				return err
			}
		}

		paid, err := order.PaymentRefundSum()
		if err != nil {
			return err
		}
		if paid.Cmp(order.Total) >= 0 {
			order.Status = models.OrderStatusPaid
		} else {
			order.Status = models.OrderStatusPending
			order.ExpiresAt = time.Now().UTC().Add(s.PaymentTerm)
		}
		if err := repo.UpdateOrder(ctx, order, "status", "expires_at"); err != nil {
			return err
		}
		return s.touchQuotas(ctx, repo, demands)
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("reactivate", order.Code, "♻️ order reactivated as "+string(order.Status))
	s.auditLog(ctx, order, "order.reactivated", actor, map[string]any{"status": order.Status})
	s.publish(func() error { return s.Bus.PublishOrderChanged(order) })
	return order, nil
}

// ExtendExpiry moves the payment deadline. An expired order returns to
// pending, which needs a quota check since its places were given up.
func (s *Service) ExtendExpiry(ctx context.Context, orderID, actor string, newDate time.Time, force bool) (*models.Order, error) {
	if !newDate.After(time.Now().UTC()) {
		return nil, models.NewOrderError(models.KindValidation, "the new expiry date must be in the future")
	}

	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case models.OrderStatusPending:
			order.ExpiresAt = newDate
			return repo.UpdateOrder(ctx, order, "expires_at")
		case models.OrderStatusExpired:
			demands := positionDemands(order.Positions)
			if !force {
				if err := s.checkQuota(ctx, repo, demands); err != nil {
					return err
				}
			}
			order.Status = models.OrderStatusPending
			order.ExpiresAt = newDate
			if err := repo.UpdateOrder(ctx, order, "status", "expires_at"); err != nil {
				return err
			}
			return s.touchQuotas(ctx, repo, demands)
		default:
			return models.NewOrderError(models.KindStateConflict,
				"order %s is %s, its expiry date cannot be changed", order.Code, order.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("extend", order.Code, "📅 expiry extended to "+newDate.Format(time.RFC3339))
	s.auditLog(ctx, order, "order.expirychanged", actor, map[string]any{"expires_at": newDate})
	return order, nil
}

// SetPositionBlocked blocks or unblocks one position. A blocked position stays
// on the order and keeps its place, but no ticket is issued for it.
func (s *Service) SetPositionBlocked(ctx context.Context, orderID string, positionID int, actor string, blocked bool) (*models.Order, error) {
	var order *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, pos := range order.Positions {
			if pos.PositionID != positionID || pos.Canceled {
				continue
			}
			if pos.Blocked == blocked {
				return nil
			}
			pos.Blocked = blocked
			return repo.UpdatePosition(ctx, pos)
		}
		return models.NewOrderError(models.KindNotFound,
			"order %s has no active position %d", order.Code, positionID)
	})
	if err != nil {
		return nil, err
	}

	action := "position.blocked"
	if !blocked {
		action = "position.unblocked"
	}
	s.Log.LogOrder("block", order.Code, fmt.Sprintf("⛔ position %d: %s", positionID, action))
	s.auditLog(ctx, order, action, actor, map[string]any{"position": positionID})
	s.publish(func() error { return s.Bus.PublishOrderChanged(order) })
	return order, nil
}

// ExpireOverdue sweeps pending orders past their deadline. Each order is
// re-checked under its row lock so a payment racing the sweep wins.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.Store.PendingOrdersPastExpiry(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range overdue {
		if _, err := s.MarkExpired(ctx, o.ID, "system"); err != nil {
			if models.KindOf(err) == models.KindStateConflict {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}
