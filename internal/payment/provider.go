package payment

import (
	"context"
	"time"

	"boxoffice/internal/models"
)

// Provider executes payment-side effects for one payment method. Refund
// capability is a per-provider flag, never assumed: the ledger checks it
// before creating a refund row.
type Provider interface {
	Identifier() string
	RefundSupported(p *models.OrderPayment) bool
	PartialRefundSupported(p *models.OrderPayment) bool
	// ExecuteRefund performs the external refund and moves refund.State to
	// done or transit. Errors are surfaced as provider-kind domain errors.
	ExecuteRefund(ctx context.Context, payment *models.OrderPayment, refund *models.OrderRefund) error
	// CancelPayment voids an uncompleted payment attempt with the external
	// system.
	CancelPayment(ctx context.Context, payment *models.OrderPayment) error
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Identifier()] = p
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Identifier()] = p
}

func (r *Registry) Get(identifier string) (Provider, error) {
	p, ok := r.providers[identifier]
	if !ok {
		return nil, models.NewOrderError(models.KindValidation, "unknown payment provider %q", identifier)
	}
	return p, nil
}

// Manual is the admin-recorded payment method (bank transfer, cash box).
// There is no external system, so refunds settle immediately.
type Manual struct{}

func (Manual) Identifier() string { return "manual" }

func (Manual) RefundSupported(*models.OrderPayment) bool { return true }

func (Manual) PartialRefundSupported(*models.OrderPayment) bool { return true }

func (Manual) ExecuteRefund(ctx context.Context, payment *models.OrderPayment, refund *models.OrderRefund) error {
	refund.State = models.RefundStateDone
	refund.DoneAt = time.Now().UTC()
	return nil
}

func (Manual) CancelPayment(ctx context.Context, payment *models.OrderPayment) error {
	return nil
}

// Free covers zero-total orders. Nothing to refund or cancel.
type Free struct{}

func (Free) Identifier() string { return "free" }

func (Free) RefundSupported(*models.OrderPayment) bool { return true }

func (Free) PartialRefundSupported(*models.OrderPayment) bool { return false }

func (Free) ExecuteRefund(ctx context.Context, payment *models.OrderPayment, refund *models.OrderRefund) error {
	refund.State = models.RefundStateDone
	refund.DoneAt = time.Now().UTC()
	return nil
}

func (Free) CancelPayment(ctx context.Context, payment *models.OrderPayment) error {
	return nil
}
