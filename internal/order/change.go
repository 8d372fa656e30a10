package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
	"boxoffice/internal/pricing"
	"boxoffice/internal/utils"
)

// TaxRecalcKeepGross recalculates taxes holding gross prices constant, so
// buyers keep paying the same amount. TaxRecalcKeepNet holds net prices
// constant instead, moving the difference to the buyer.
const (
	TaxRecalcKeepGross = "keep_gross"
	TaxRecalcKeepNet   = "keep_net"
)

// Invoicer regenerates invoices after an order changed. Implemented by the
// invoice service; wired in at startup.
type Invoicer interface {
	ReissueForOrder(ctx context.Context, repo *db.DB, order *models.Order) error
}

type itemChange struct {
	positionID  int
	itemID      string
	variationID string
}

type priceChange struct {
	positionID int
	price      decimal.Decimal
}

type subeventChange struct {
	positionID int
	subeventID string
}

type feeAdd struct {
	feeType     models.FeeType
	description string
	value       decimal.Decimal
}

type feeChange struct {
	feeID string
	value decimal.Decimal
}

// ChangeManager queues modifications to one order and applies them in a
// single transaction. Cancellations are applied first so the places they
// free count toward the quota checks; the tax recalculation always runs
// last, over the final set of positions.
type ChangeManager struct {
	svc     *Service
	orderID string
	actor   string

	cancelPositions []int
	cancelFees      []string
	splitPositions  []int
	itemChanges     []itemChange
	priceChanges    []priceChange
	subeventChanges []subeventChange
	newPositions    []PositionRequest
	newFees         []feeAdd
	feeChanges      []feeChange
	taxRecalc       string

	reissueInvoice bool
	notify         bool
}

func (s *Service) NewChange(orderID, actor string) *ChangeManager {
	return &ChangeManager{svc: s, orderID: orderID, actor: actor}
}

func (c *ChangeManager) CancelPosition(positionID int) *ChangeManager {
	c.cancelPositions = append(c.cancelPositions, positionID)
	return c
}

func (c *ChangeManager) ChangeItem(positionID int, itemID, variationID string) *ChangeManager {
	c.itemChanges = append(c.itemChanges, itemChange{positionID: positionID, itemID: itemID, variationID: variationID})
	return c
}

func (c *ChangeManager) ChangePrice(positionID int, price decimal.Decimal) *ChangeManager {
	c.priceChanges = append(c.priceChanges, priceChange{positionID: positionID, price: price})
	return c
}

func (c *ChangeManager) ChangeSubevent(positionID int, subeventID string) *ChangeManager {
	c.subeventChanges = append(c.subeventChanges, subeventChange{positionID: positionID, subeventID: subeventID})
	return c
}

// SplitPosition moves a position into a fresh order of its own.
func (c *ChangeManager) SplitPosition(positionID int) *ChangeManager {
	c.splitPositions = append(c.splitPositions, positionID)
	return c
}

func (c *ChangeManager) AddPosition(req PositionRequest) *ChangeManager {
	c.newPositions = append(c.newPositions, req)
	return c
}

func (c *ChangeManager) CancelFee(feeID string) *ChangeManager {
	c.cancelFees = append(c.cancelFees, feeID)
	return c
}

func (c *ChangeManager) AddFee(t models.FeeType, description string, value decimal.Decimal) *ChangeManager {
	c.newFees = append(c.newFees, feeAdd{feeType: t, description: description, value: value})
	return c
}

func (c *ChangeManager) ChangeFee(feeID string, value decimal.Decimal) *ChangeManager {
	c.feeChanges = append(c.feeChanges, feeChange{feeID: feeID, value: value})
	return c
}

func (c *ChangeManager) RecalculateTaxes(mode string) *ChangeManager {
	c.taxRecalc = mode
	return c
}

func (c *ChangeManager) ReissueInvoice() *ChangeManager {
	c.reissueInvoice = true
	return c
}

func (c *ChangeManager) NotifyBuyer() *ChangeManager {
	c.notify = true
	return c
}

func (c *ChangeManager) empty() bool {
	return len(c.cancelPositions) == 0 && len(c.cancelFees) == 0 && len(c.splitPositions) == 0 &&
		len(c.itemChanges) == 0 && len(c.priceChanges) == 0 && len(c.subeventChanges) == 0 &&
		len(c.newPositions) == 0 && len(c.newFees) == 0 && len(c.feeChanges) == 0 && c.taxRecalc == ""
}

// Commit applies every queued operation atomically. If any step fails the
// order is left exactly as it was.
func (c *ChangeManager) Commit(ctx context.Context) (*models.Order, error) {
	if c.empty() {
		return nil, models.NewOrderError(models.KindValidation, "no changes were requested")
	}
	if c.taxRecalc != "" && c.taxRecalc != TaxRecalcKeepGross && c.taxRecalc != TaxRecalcKeepNet {
		return nil, models.NewOrderError(models.KindValidation,
			"unknown tax recalculation mode %q", c.taxRecalc)
	}

	s := c.svc
	var order *models.Order
	var split *models.Order
	err := s.Store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		var err error
		order, err = repo.LockOrder(ctx, c.orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusCanceled {
			return models.NewOrderError(models.KindStateConflict,
				"order %s is canceled and cannot be changed", order.Code)
		}

		if err := c.applyCancellations(ctx, repo, order); err != nil {
			return err
		}

		// Quotas are checked for demands the order does not hold yet:
		// added positions and patches that move to a different quota set.
		newDemands, err := c.addedDemands(ctx, repo, order)
		if err != nil {
			return err
		}
		if err := s.checkQuota(ctx, repo, newDemands); err != nil {
			return err
		}

		split, err = c.applySplit(ctx, repo, order)
		if err != nil {
			return err
		}
		if err := c.applyPatches(ctx, repo, order); err != nil {
			return err
		}
		if err := c.applyAdditions(ctx, repo, order); err != nil {
			return err
		}
		if c.taxRecalc != "" {
			if err := c.applyTaxRecalc(ctx, repo, order); err != nil {
				return err
			}
		}

		if err := recomputeTotal(ctx, repo, order); err != nil {
			return err
		}
		if split != nil {
			if err := recomputeTotal(ctx, repo, split); err != nil {
				return err
			}
		}

		if err := s.touchQuotas(ctx, repo, append(positionDemands(order.Positions), newDemands...)); err != nil {
			return err
		}

		if c.reissueInvoice && s.Invoices != nil {
			if err := s.Invoices.ReissueForOrder(ctx, repo, order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.LogOrder("change", order.Code, fmt.Sprintf("✏️ order changed, new total %s", order.Total))
	s.auditLog(ctx, order, "order.changed", c.actor, map[string]any{"total": order.Total})
	s.publish(func() error { return s.Bus.PublishOrderChanged(order) })
	if split != nil {
		s.auditLog(ctx, split, "order.placed.split", c.actor, map[string]any{"from": order.Code})
		s.publish(func() error { return s.Bus.PublishOrderPlaced(split) })
	}
	if c.notify {
		s.sendMail(order, "Your order has been changed: "+order.Code, "order_changed")
	}
	return order, nil
}

func (c *ChangeManager) position(order *models.Order, positionID int) (*models.OrderPosition, error) {
	for _, p := range order.Positions {
		if p.PositionID == positionID && !p.Canceled {
			return p, nil
		}
	}
	return nil, models.NewOrderError(models.KindNotFound,
		"order %s has no active position %d", order.Code, positionID)
}

func (c *ChangeManager) fee(order *models.Order, feeID string) (*models.OrderFee, error) {
	for _, f := range order.Fees {
		if f.ID == feeID && !f.Canceled {
			return f, nil
		}
	}
	return nil, models.NewOrderError(models.KindNotFound,
		"order %s has no active fee %s", order.Code, feeID)
}

func (c *ChangeManager) applyCancellations(ctx context.Context, repo *db.DB, order *models.Order) error {
	for _, id := range c.cancelPositions {
		pos, err := c.position(order, id)
		if err != nil {
			return err
		}
		pos.Canceled = true
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}
	for _, id := range c.cancelFees {
		f, err := c.fee(order, id)
		if err != nil {
			return err
		}
		f.Canceled = true
		if err := repo.UpdateFee(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// addedDemands lists quota demands the queued operations introduce. For item
// and subevent patches only quotas outside the position's current set count,
// since the position keeps its current claim until the patch lands.
func (c *ChangeManager) addedDemands(ctx context.Context, repo *db.DB, order *models.Order) ([]demand, error) {
	var out []demand
	for _, req := range c.newPositions {
		out = append(out, demand{itemID: req.ItemID, variationID: req.VariationID, subeventID: req.SubeventID})
	}
	for _, ch := range c.itemChanges {
		pos, err := c.position(order, ch.positionID)
		if err != nil {
			return nil, err
		}
		added, err := c.quotaDiff(ctx, repo,
			demand{itemID: pos.ItemID, variationID: pos.VariationID, subeventID: pos.SubeventID},
			demand{itemID: ch.itemID, variationID: ch.variationID, subeventID: pos.SubeventID})
		if err != nil {
			return nil, err
		}
		out = append(out, added...)
	}
	for _, ch := range c.subeventChanges {
		pos, err := c.position(order, ch.positionID)
		if err != nil {
			return nil, err
		}
		added, err := c.quotaDiff(ctx, repo,
			demand{itemID: pos.ItemID, variationID: pos.VariationID, subeventID: pos.SubeventID},
			demand{itemID: pos.ItemID, variationID: pos.VariationID, subeventID: ch.subeventID})
		if err != nil {
			return nil, err
		}
		out = append(out, added...)
	}
	return out, nil
}

// quotaDiff returns the target demand if it draws from any quota the current
// demand does not already hold a place in.
func (c *ChangeManager) quotaDiff(ctx context.Context, repo *db.DB, current, target demand) ([]demand, error) {
	currentQuotas, err := repo.QuotasForItem(ctx, current.itemID, current.variationID, current.subeventID)
	if err != nil {
		return nil, err
	}
	targetQuotas, err := repo.QuotasForItem(ctx, target.itemID, target.variationID, target.subeventID)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(currentQuotas))
	for _, q := range currentQuotas {
		held[q.ID] = true
	}
	for _, q := range targetQuotas {
		if !held[q.ID] {
			return []demand{target}, nil
		}
	}
	return nil, nil
}

func (c *ChangeManager) applySplit(ctx context.Context, repo *db.DB, order *models.Order) (*models.Order, error) {
	if len(c.splitPositions) == 0 {
		return nil, nil
	}

	s := c.svc
	code, err := s.freeOrderCode(ctx, repo, order.EventID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	split := &models.Order{
		ID:        uuid.New().String(),
		Code:      code,
		EventID:   order.EventID,
		Status:    models.OrderStatusPending,
		Email:     order.Email,
		Locale:    order.Locale,
		ExpiresAt: now.Add(s.PaymentTerm),
		// A split off a settled order must not expire while the money
		// stays on the original.
		ValidIfPending: order.Status == models.OrderStatusPaid,
		Secret:         utils.GenerateSecret(),
		CreatedAt:      now,
	}
	if err := repo.InsertOrder(ctx, split); err != nil {
		return nil, err
	}

	next := 1
	var kept []*models.OrderPosition
	for _, id := range c.splitPositions {
		pos, err := c.position(order, id)
		if err != nil {
			return nil, err
		}
		pos.OrderID = split.ID
		pos.PositionID = next
		pos.Secret = utils.GenerateSecret()
		next++
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return nil, err
		}
		split.Positions = append(split.Positions, pos)
	}
	for _, pos := range order.Positions {
		if pos.OrderID == order.ID {
			kept = append(kept, pos)
		}
	}
	order.Positions = kept

	if order.Address != nil {
		addr := *order.Address
		addr.ID = uuid.New().String()
		addr.OrderID = split.ID
		if err := repo.InsertAddress(ctx, &addr); err != nil {
			return nil, err
		}
		split.Address = &addr
	}
	return split, nil
}

func (c *ChangeManager) applyPatches(ctx context.Context, repo *db.DB, order *models.Order) error {
	for _, ch := range c.itemChanges {
		pos, err := c.position(order, ch.positionID)
		if err != nil {
			return err
		}
		item, err := repo.GetItem(ctx, ch.itemID)
		if err != nil {
			return err
		}
		var variation *models.ItemVariation
		if ch.variationID != "" {
			for _, v := range item.Variations {
				if v.ID == ch.variationID {
					variation = v
					break
				}
			}
			if variation == nil {
				return models.NewOrderError(models.KindValidation,
					"variation %s does not belong to item %s", ch.variationID, ch.itemID)
			}
		} else if item.HasVariations() {
			return models.NewOrderError(models.KindValidation,
				"item %s requires a variation to be selected", ch.itemID)
		}

		price, err := pricing.Calculate(pricing.Input{Item: item, Variation: variation, Address: order.Address})
		if err != nil {
			return err
		}
		pos.ItemID = ch.itemID
		pos.VariationID = ch.variationID
		pos.Price = price.Gross
		pos.TaxRate = price.Rate
		pos.TaxValue = price.Tax
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}

	for _, ch := range c.subeventChanges {
		pos, err := c.position(order, ch.positionID)
		if err != nil {
			return err
		}
		pos.SubeventID = ch.subeventID
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}

	for _, ch := range c.priceChanges {
		if ch.price.Sign() < 0 {
			return models.NewOrderError(models.KindValidation, "position prices cannot be negative")
		}
		pos, err := c.position(order, ch.positionID)
		if err != nil {
			return err
		}
		if err := repriceAtRate(pos, ch.price, pos.TaxRate); err != nil {
			return err
		}
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}

	for _, ch := range c.feeChanges {
		if ch.value.Sign() < 0 {
			return models.NewOrderError(models.KindValidation, "fees cannot be negative")
		}
		f, err := c.fee(order, ch.feeID)
		if err != nil {
			return err
		}
		f.Value = ch.value
		tax, err := taxAtRate(ch.value, f.TaxRate)
		if err != nil {
			return err
		}
		f.TaxValue = tax
		if err := repo.UpdateFee(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChangeManager) applyAdditions(ctx context.Context, repo *db.DB, order *models.Order) error {
	next := 0
	for _, pos := range order.Positions {
		if pos.PositionID > next {
			next = pos.PositionID
		}
	}
	for _, req := range c.newPositions {
		item, err := repo.GetItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		var variation *models.ItemVariation
		if req.VariationID != "" {
			for _, v := range item.Variations {
				if v.ID == req.VariationID {
					variation = v
					break
				}
			}
			if variation == nil {
				return models.NewOrderError(models.KindValidation,
					"variation %s does not belong to item %s", req.VariationID, req.ItemID)
			}
		}
		price, err := pricing.Calculate(pricing.Input{Item: item, Variation: variation, Address: order.Address})
		if err != nil {
			return err
		}
		next++
		pos := &models.OrderPosition{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			PositionID:  next,
			ItemID:      req.ItemID,
			VariationID: req.VariationID,
			SubeventID:  req.SubeventID,
			Price:       price.Gross,
			TaxRate:     price.Rate,
			TaxValue:    price.Tax,
			Secret:      utils.GenerateSecret(),
		}
		if err := repo.InsertPosition(ctx, pos); err != nil {
			return err
		}
		order.Positions = append(order.Positions, pos)
	}

	for _, add := range c.newFees {
		if add.value.Sign() < 0 {
			return models.NewOrderError(models.KindValidation, "fees cannot be negative")
		}
		f := &models.OrderFee{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			Type:        add.feeType,
			Description: add.description,
			Value:       add.value,
		}
		if err := repo.InsertFee(ctx, f); err != nil {
			return err
		}
		order.Fees = append(order.Fees, f)
	}
	return nil
}

// applyTaxRecalc reprices every active position under the tax rate its item's
// rule yields for the order's current invoice address.
func (c *ChangeManager) applyTaxRecalc(ctx context.Context, repo *db.DB, order *models.Order) error {
	for _, pos := range order.Positions {
		if pos.Canceled {
			continue
		}
		item, err := repo.GetItem(ctx, pos.ItemID)
		if err != nil {
			return err
		}
		rate := pricing.RateFor(item.TaxRule, order.Address)
		if rate.Cmp(pos.TaxRate) == 0 {
			continue
		}

		gross := pos.Price
		if c.taxRecalc == TaxRecalcKeepNet {
			net, err := pos.Price.Sub(pos.TaxValue)
			if err != nil {
				return err
			}
			gross, err = grossFromNet(net, rate)
			if err != nil {
				return err
			}
		}
		if err := repriceAtRate(pos, gross, rate); err != nil {
			return err
		}
		if err := repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// repriceAtRate sets a position's gross price and derives its tax fields.
func repriceAtRate(pos *models.OrderPosition, gross, rate decimal.Decimal) error {
	tax, err := taxAtRate(gross, rate)
	if err != nil {
		return err
	}
	pos.Price = gross
	pos.TaxRate = rate
	pos.TaxValue = tax
	return nil
}

var hundred = decimal.MustParse("100")

// taxAtRate extracts the tax share contained in a gross amount.
func taxAtRate(gross, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsZero() {
		return decimal.Zero, nil
	}
	frac, err := rate.Quo(hundred)
	if err != nil {
		return decimal.Zero, err
	}
	onePlus, err := decimal.One.Add(frac)
	if err != nil {
		return decimal.Zero, err
	}
	net, err := gross.Quo(onePlus)
	if err != nil {
		return decimal.Zero, err
	}
	tax, err := gross.Sub(net.Rescale(2))
	if err != nil {
		return decimal.Zero, err
	}
	return tax, nil
}

func grossFromNet(net, rate decimal.Decimal) (decimal.Decimal, error) {
	frac, err := rate.Quo(hundred)
	if err != nil {
		return decimal.Zero, err
	}
	onePlus, err := decimal.One.Add(frac)
	if err != nil {
		return decimal.Zero, err
	}
	gross, err := net.Mul(onePlus)
	if err != nil {
		return decimal.Zero, err
	}
	return gross.Rescale(2), nil
}

// recomputeTotal sums the active positions and fees and persists the result.
func recomputeTotal(ctx context.Context, repo *db.DB, order *models.Order) error {
	total := decimal.Zero
	var err error
	for _, pos := range order.Positions {
		if pos.Canceled {
			continue
		}
		total, err = total.Add(pos.Price)
		if err != nil {
			return err
		}
	}
	for _, f := range order.Fees {
		if f.Canceled {
			continue
		}
		total, err = total.Add(f.Value)
		if err != nil {
			return err
		}
	}
	order.Total = total
	return repo.UpdateOrder(ctx, order, "total")
}
