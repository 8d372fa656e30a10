package order_test

import (
	"context"
	"errors"
	"testing"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/models"
	"boxoffice/internal/order"
	"boxoffice/internal/payment"
)

// flakyProvider refuses every refund, like a gateway that is down.
type flakyProvider struct {
	payment.Manual
}

func (flakyProvider) Identifier() string { return "flaky" }

func (flakyProvider) ExecuteRefund(ctx context.Context, p *models.OrderPayment, r *models.OrderRefund) error {
	return errors.New("gateway timeout")
}

func TestConfirmPaymentFlipsOrderToPaid(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "manual", decimal.MustParse("23.00"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.LocalID)

	got, err := svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	reloaded, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	pending, err := reloaded.PendingSum()
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	svc, store, fx, bus, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "manual", decimal.MustParse("23.00"), "")
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)
	published := len(bus.Published)

	// The duplicate webhook delivery changes nothing.
	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)
	assert.Len(t, bus.Published, published)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Payments, 1)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}

func TestPartialPaymentKeepsOrderPending(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 2)
	p, err := svc.CreatePayment(ctx, o.ID, "manual", decimal.MustParse("20.00"), "")
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	pending, err := got.PendingSum()
	require.NoError(t, err)
	assert.Equal(t, "26.00", pending.String())
}

func TestConfirmOnExpiredOrderChecksQuota(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 1)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "manual", decimal.MustParse("23.00"), "")
	require.NoError(t, err)
	_, err = svc.MarkExpired(ctx, o.ID, "system")
	require.NoError(t, err)

	// The freed place went to someone else, so the late payment may not
	// silently claim it back.
	placeOrder(t, svc, fx, 1)

	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.Error(t, err)
	assert.Equal(t, models.KindQuotaExceeded, models.KindOf(err))

	got, err := svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	reloaded, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStateConfirmed, reloaded.Payments[0].State)
}

func TestCancelPayment(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "manual", decimal.MustParse("23.00"), "")
	require.NoError(t, err)

	canceled, err := svc.CancelPayment(ctx, o.ID, p.LocalID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStateCanceled, canceled.State)

	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	assert.Equal(t, models.KindStateConflict, models.KindOf(err))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestRefundSettlesImmediatelyForManualPayments(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	paid, err := svc.MarkPaid(ctx, o.ID, "admin", order.MarkPaidOptions{})
	require.NoError(t, err)

	r, err := svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: paid.Payments[0].LocalID,
		Amount:         decimal.MustParse("23.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStateDone, r.State)
	assert.Equal(t, 1, r.LocalID)
	assert.False(t, r.DoneAt.IsZero())

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	// A fully refunded payment is marked as such; the order status is left
	// to the caller via MarkCanceled/MarkPending.
	assert.Equal(t, models.PaymentStateRefunded, got.Payments[0].State)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}

func TestRefundAmountValidation(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	paid, err := svc.MarkPaid(ctx, o.ID, "admin", order.MarkPaidOptions{})
	require.NoError(t, err)
	localID := paid.Payments[0].LocalID

	_, err = svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: localID,
		Amount:         decimal.MustParse("10.00"),
	})
	require.NoError(t, err)

	// 13.00 remain refundable; asking for more is rejected with the exact
	// numbers so the admin can correct the form.
	_, err = svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: localID,
		Amount:         decimal.MustParse("20.00"),
	})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	assert.Contains(t, err.Error(), "refund amount of 20.00 exceeds the 13.00 still refundable")

	_, err = svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: localID,
		Amount:         decimal.Zero,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestFailedRefundLeavesOrderUntouched(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()
	svc.Providers.Register(flakyProvider{})

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "flaky", decimal.MustParse("23.00"), "")
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)

	r, err := svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: p.LocalID,
		Amount:         decimal.MustParse("23.00"),
		MarkCanceled:   true,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindProvider, models.KindOf(err))
	assert.Contains(t, err.Error(), "no money has been moved")
	require.NotNil(t, r)
	assert.Equal(t, models.RefundStateFailed, r.State)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, models.PaymentStateConfirmed, got.Payments[0].State)
	require.Len(t, got.Refunds, 1)
	assert.Equal(t, models.RefundStateFailed, got.Refunds[0].State)
}

func TestRefundMarkCanceled(t *testing.T) {
	svc, store, fx, bus, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	paid, err := svc.MarkPaid(ctx, o.ID, "admin", order.MarkPaidOptions{})
	require.NoError(t, err)

	_, err = svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: paid.Payments[0].LocalID,
		Amount:         decimal.MustParse("23.00"),
		MarkCanceled:   true,
	})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, got.Status)
	assert.NotEmpty(t, bus.Published)
}

func TestRefundMarkPending(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()

	o := placeOrder(t, svc, fx, 1)
	paid, err := svc.MarkPaid(ctx, o.ID, "admin", order.MarkPaidOptions{})
	require.NoError(t, err)

	_, err = svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: paid.Payments[0].LocalID,
		Amount:         decimal.MustParse("23.00"),
		MarkPending:    true,
	})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.True(t, got.ExpiresAt.After(o.CreatedAt))
}

func TestRefundMarkFlagsAreExclusive(t *testing.T) {
	svc, _, fx, _, _ := newService(t, 10)
	o := placeOrder(t, svc, fx, 1)

	_, err := svc.CreateRefund(context.Background(), o.ID, "admin", order.RefundRequest{
		PaymentLocalID: 1,
		Amount:         decimal.MustParse("5.00"),
		MarkCanceled:   true,
		MarkPending:    true,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestRefundLifecycleTransitions(t *testing.T) {
	svc, store, fx, _, _ := newService(t, 10)
	ctx := context.Background()
	svc.Providers.Register(transitProvider{})

	o := placeOrder(t, svc, fx, 1)
	p, err := svc.CreatePayment(ctx, o.ID, "transit", decimal.MustParse("23.00"), "")
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, o.ID, p.LocalID, "admin", order.ConfirmOptions{})
	require.NoError(t, err)

	r, err := svc.CreateRefund(ctx, o.ID, "admin", order.RefundRequest{
		PaymentLocalID: p.LocalID,
		Amount:         decimal.MustParse("23.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStateTransit, r.State)

	done, err := svc.DoneRefund(ctx, o.ID, r.LocalID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStateDone, done.State)
	assert.False(t, done.DoneAt.IsZero())

	// A settled refund cannot be re-opened or canceled.
	_, err = svc.CancelRefund(ctx, o.ID, r.LocalID, "admin")
	assert.Equal(t, models.KindStateConflict, models.KindOf(err))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStateDone, got.Refunds[0].State)
}

// transitProvider hands refunds to an external system and reports them in
// transit, like a bank transfer.
type transitProvider struct {
	payment.Manual
}

func (transitProvider) Identifier() string { return "transit" }

func (transitProvider) ExecuteRefund(ctx context.Context, p *models.OrderPayment, r *models.OrderRefund) error {
	r.State = models.RefundStateTransit
	return nil
}
