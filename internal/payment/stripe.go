package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"

	"boxoffice/internal/logger"
	"boxoffice/internal/models"
)

// InitStripe sets the global Stripe API key.
func InitStripe(secretKey string) {
	stripe.Key = secretKey
}

// stripeInfo is what a Stripe payment stores in its info column.
type stripeInfo struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type Stripe struct {
	Logger *logger.Logger
}

func NewStripe(log *logger.Logger) *Stripe {
	return &Stripe{Logger: log}
}

func (s *Stripe) Identifier() string { return "stripe" }

func (s *Stripe) RefundSupported(*models.OrderPayment) bool { return true }

func (s *Stripe) PartialRefundSupported(*models.OrderPayment) bool { return true }

func (s *Stripe) ExecuteRefund(ctx context.Context, payment *models.OrderPayment, ref *models.OrderRefund) error {
	var info stripeInfo
	if err := json.Unmarshal([]byte(payment.Info), &info); err != nil || info.PaymentIntentID == "" {
		return models.NewOrderError(models.KindProvider, "payment %s has no stripe payment intent", payment.ID)
	}

	cents, err := amountToCents(ref.Amount)
	if err != nil {
		return models.WrapOrderError(models.KindProvider, err, "invalid refund amount")
	}

	s.Logger.LogPayment("REFUND", payment.ID, fmt.Sprintf("refunding %s via stripe intent %s", ref.Amount, info.PaymentIntentID))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(info.PaymentIntentID),
		Amount:        stripe.Int64(cents),
	}
	params.Context = ctx

	result, err := refund.New(params)
	if err != nil {
		return models.WrapOrderError(models.KindProvider, err, fmt.Sprintf("External error: %v", err))
	}

	// Stripe settles asynchronously; the webhook or the process endpoint
	// moves the refund to done.
	ref.State = models.RefundStateTransit
	if result.Status == stripe.RefundStatusSucceeded {
		ref.State = models.RefundStateDone
		ref.DoneAt = time.Now().UTC()
	}
	return nil
}

func (s *Stripe) CancelPayment(ctx context.Context, payment *models.OrderPayment) error {
	var info stripeInfo
	if err := json.Unmarshal([]byte(payment.Info), &info); err != nil || info.PaymentIntentID == "" {
		// Nothing was created on the Stripe side yet.
		return nil
	}

	s.Logger.LogPayment("CANCEL", payment.ID, "cancelling stripe intent "+info.PaymentIntentID)

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx

	if _, err := paymentintent.Cancel(info.PaymentIntentID, params); err != nil {
		return models.WrapOrderError(models.KindProvider, err, fmt.Sprintf("External error: %v", err))
	}
	return nil
}

// amountToCents converts a decimal money amount to Stripe's integer cents
// without going through a float.
func amountToCents(amount decimal.Decimal) (int64, error) {
	whole, frac, ok := amount.Int64(2)
	if !ok {
		return 0, fmt.Errorf("amount out of range: %s", amount)
	}
	return whole*100 + frac, nil
}
