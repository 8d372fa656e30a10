package order_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/models"
	"boxoffice/internal/order"
)

func TestChangeCancelPosition(t *testing.T) {
	svc, store, fx, bus, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 2)
	changed, err := svc.NewChange(o.ID, "admin").CancelPosition(1).Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "23.00", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	var canceled, active int
	for _, pos := range got.Positions {
		if pos.Canceled {
			canceled++
		} else {
			active++
		}
	}
	assert.Equal(t, 1, canceled)
	assert.Equal(t, 1, active)
	assert.Contains(t, bus.Published, "order_changed:"+o.ID)
}

func TestChangeRollsBackOnError(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 2)
	_, err := svc.NewChange(o.ID, "admin").
		CancelPosition(1).
		CancelPosition(99).
		Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	// The valid cancellation must not have leaked out of the transaction.
	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "46.00", got.Total.String())
	for _, pos := range got.Positions {
		assert.False(t, pos.Canceled)
	}
}

func TestChangeRejectsEmptyRequest(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	o := placeOrder(t, svc, fx, 1)

	_, err := svc.NewChange(o.ID, "admin").Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestChangeAddPositionChecksQuota(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 2)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 2)
	_, err := svc.NewChange(o.ID, "admin").
		AddPosition(order.PositionRequest{ItemID: fx.item.ID}).
		Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, models.KindQuotaExceeded, models.KindOf(err))
}

func TestChangeCancelFreesPlaceForAddition(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 2)
	ctx := context.Background()

	// The quota is full, but the canceled position frees a place before the
	// new one is checked.
	o := placeOrder(t, svc, fx, 2)
	changed, err := svc.NewChange(o.ID, "admin").
		CancelPosition(1).
		AddPosition(order.PositionRequest{ItemID: fx.item.ID}).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "46.00", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Positions, 3)
}

func TestChangeItemReprices(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	premium := &models.Item{
		ID:           uuid.New().String(),
		EventID:      fx.event.ID,
		Name:         "Premium Ticket",
		DefaultPrice: decimal.MustParse("50.00"),
		TaxRuleID:    fx.rule.ID,
		Active:       true,
	}
	_, err := store.Bun.NewInsert().Model(premium).Exec(ctx)
	require.NoError(t, err)
	qi := &models.QuotaItem{QuotaID: fx.quota.ID, ItemID: premium.ID}
	_, err = store.Bun.NewInsert().Model(qi).Exec(ctx)
	require.NoError(t, err)

	o := placeOrder(t, svc, fx, 1)
	changed, err := svc.NewChange(o.ID, "admin").
		ChangeItem(1, premium.ID, "").
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "50.00", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, premium.ID, got.Positions[0].ItemID)
	assert.Equal(t, "50.00", got.Positions[0].Price.String())
}

func TestChangePriceKeepsTaxRate(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	changed, err := svc.NewChange(o.ID, "admin").
		ChangePrice(1, decimal.MustParse("30.00")).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "30.00", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	pos := got.Positions[0]
	assert.Equal(t, "30.00", pos.Price.String())
	assert.Equal(t, "19", pos.TaxRate.String())
	// 30.00 gross at 19% included: net 25.21, tax 4.79.
	assert.Equal(t, "4.79", pos.TaxValue.String())
}

func TestChangeRejectsNegativePrice(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	o := placeOrder(t, svc, fx, 1)

	_, err := svc.NewChange(o.ID, "admin").
		ChangePrice(1, decimal.MustParse("-1.00")).
		Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestChangeFees(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	changed, err := svc.NewChange(o.ID, "admin").
		AddFee(models.FeeTypeShipping, "Shipping", decimal.MustParse("4.50")).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "27.50", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Fees, 1)
	feeID := got.Fees[0].ID

	changed, err = svc.NewChange(o.ID, "admin").
		ChangeFee(feeID, decimal.MustParse("2.00")).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "25.00", changed.Total.String())

	changed, err = svc.NewChange(o.ID, "admin").
		CancelFee(feeID).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "23.00", changed.Total.String())
}

func TestChangeSplitPosition(t *testing.T) {
	svc, store, fx, bus, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 2)
	_, err := svc.MarkPaid(ctx, o.ID, "admin", order.MarkPaidOptions{})
	require.NoError(t, err)

	changed, err := svc.NewChange(o.ID, "admin").
		SplitPosition(2).
		Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "23.00", changed.Total.String())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Positions, 1)

	// The split-off order holds the moved position, renumbered from one.
	orders, err := store.ListOrders(ctx, fx.event.ID)
	require.NoError(t, err)
	var split *models.Order
	for _, cand := range orders {
		if cand.ID != o.ID {
			split = cand
		}
	}
	require.NotNil(t, split)

	split, err = store.GetOrder(ctx, split.ID)
	require.NoError(t, err)
	require.Len(t, split.Positions, 1)
	assert.Equal(t, 1, split.Positions[0].PositionID)
	assert.Equal(t, "23.00", split.Total.String())
	assert.Equal(t, models.OrderStatusPending, split.Status)
	// The money stays on the original, so the split must not expire.
	assert.True(t, split.ValidIfPending)
	assert.NotEqual(t, o.Code, split.Code)
	assert.Contains(t, bus.Published, "order_placed:"+split.ID)
}

func TestRecalculateTaxesKeepGross(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	// Switch the rule to reverse charge so a validated US business pays 0%.
	fx.rule.EUReverseCharge = true
	fx.rule.HomeCountry = "DE"
	_, err := store.Bun.NewUpdate().Model(fx.rule).WherePK().Exec(ctx)
	require.NoError(t, err)

	o, err := svc.Create(ctx, order.CreateRequest{
		EventID:   fx.event.ID,
		Email:     "buyer@example.com",
		Positions: []order.PositionRequest{{ItemID: fx.item.ID}},
		Address: &models.InvoiceAddress{
			Company:        "Acme Corp",
			Country:        "US",
			IsBusiness:     true,
			VatIDValidated: true,
		},
	})
	require.NoError(t, err)

	// The address already zeroed the rate at purchase; force it back to 19%
	// to simulate an address edit after the fact.
	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	pos := got.Positions[0]
	pos.TaxRate = decimal.MustParse("19")
	pos.TaxValue = decimal.MustParse("3.67")
	_, err = store.Bun.NewUpdate().Model(pos).WherePK().Exec(ctx)
	require.NoError(t, err)

	changed, err := svc.NewChange(o.ID, "admin").
		RecalculateTaxes(order.TaxRecalcKeepGross).
		Commit(ctx)
	require.NoError(t, err)

	reloaded, err := store.GetOrder(ctx, changed.ID)
	require.NoError(t, err)
	pos = reloaded.Positions[0]
	// keep_gross: the buyer pays the same, the tax share disappears.
	assert.Equal(t, "0", pos.TaxRate.String())
	assert.True(t, pos.TaxValue.IsZero())
	assert.Equal(t, reloaded.Total.String(), pos.Price.String())
}

func TestRecalculateTaxesKeepNet(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	fx.rule.EUReverseCharge = true
	fx.rule.HomeCountry = "DE"
	_, err := store.Bun.NewUpdate().Model(fx.rule).WherePK().Exec(ctx)
	require.NoError(t, err)

	o := placeOrder(t, svc, fx, 1)
	addr := &models.InvoiceAddress{
		ID:             uuid.New().String(),
		OrderID:        o.ID,
		Company:        "Acme Corp",
		Country:        "US",
		IsBusiness:     true,
		VatIDValidated: true,
	}
	_, err = store.Bun.NewInsert().Model(addr).Exec(ctx)
	require.NoError(t, err)

	changed, err := svc.NewChange(o.ID, "admin").
		RecalculateTaxes(order.TaxRecalcKeepNet).
		Commit(ctx)
	require.NoError(t, err)

	// keep_net: 23.00 gross at 19% held a net of 19.33, which becomes the
	// new gross at 0%.
	got, err := store.GetOrder(ctx, changed.ID)
	require.NoError(t, err)
	pos := got.Positions[0]
	assert.Equal(t, "19.33", pos.Price.String())
	assert.True(t, pos.TaxValue.IsZero())
	assert.Equal(t, "19.33", got.Total.String())
}

func TestRecalculateTaxesRejectsUnknownMode(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	o := placeOrder(t, svc, fx, 1)

	_, err := svc.NewChange(o.ID, "admin").
		RecalculateTaxes("split_the_difference").
		Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestChangeRejectedOnCanceledOrder(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	_, err := svc.Cancel(ctx, o.ID, "admin", decimal.Zero)
	require.NoError(t, err)

	_, err = svc.NewChange(o.ID, "admin").CancelPosition(1).Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, models.KindStateConflict, models.KindOf(err))
}
