package models

import (
	"time"

	"github.com/govalues/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusCanceled OrderStatus = "canceled"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID              string          `bun:"id,pk" json:"id"`
	Code            string          `bun:"code,notnull" json:"code"`
	EventID         string          `bun:"event_id,notnull" json:"event_id"`
	Status          OrderStatus     `bun:"status,notnull" json:"status"`
	Email           string          `bun:"email" json:"email"`
	Locale          string          `bun:"locale" json:"locale"`
	Total           decimal.Decimal `bun:"total,notnull" json:"total"`
	ExpiresAt       time.Time       `bun:"expires_at,notnull" json:"expires_at"`
	RequireApproval bool            `bun:"require_approval,notnull" json:"require_approval"`
	ValidIfPending  bool            `bun:"valid_if_pending,notnull" json:"valid_if_pending"`
	Secret          string          `bun:"secret,notnull" json:"-"`
	CreatedAt       time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`

	Event     *Event           `bun:"rel:belongs-to,join:event_id=id" json:"-"`
	Positions []*OrderPosition `bun:"rel:has-many,join:id=order_id" json:"positions,omitempty"`
	Fees      []*OrderFee      `bun:"rel:has-many,join:id=order_id" json:"fees,omitempty"`
	Payments  []*OrderPayment  `bun:"rel:has-many,join:id=order_id" json:"payments,omitempty"`
	Refunds   []*OrderRefund   `bun:"rel:has-many,join:id=order_id" json:"refunds,omitempty"`
	Address   *InvoiceAddress  `bun:"rel:has-one,join:id=order_id" json:"invoice_address,omitempty"`
}

// PaymentRefundSum is confirmed payments minus done refunds. Requires
// Payments and Refunds to be loaded.
func (o *Order) PaymentRefundSum() (decimal.Decimal, error) {
	sum := decimal.Zero
	var err error
	for _, p := range o.Payments {
		if p.State == PaymentStateConfirmed || p.State == PaymentStateRefunded {
			sum, err = sum.Add(p.Amount)
			if err != nil {
				return decimal.Zero, err
			}
		}
	}
	for _, r := range o.Refunds {
		if r.State == RefundStateDone || r.State == RefundStateTransit {
			sum, err = sum.Sub(r.Amount)
			if err != nil {
				return decimal.Zero, err
			}
		}
	}
	return sum, nil
}

// PendingSum is the amount still owed on the order.
func (o *Order) PendingSum() (decimal.Decimal, error) {
	paid, err := o.PaymentRefundSum()
	if err != nil {
		return decimal.Zero, err
	}
	return o.Total.Sub(paid)
}

// CancelAllowed reports whether the order may transition to canceled.
func (o *Order) CancelAllowed() bool {
	return o.Status != OrderStatusCanceled
}

type OrderPosition struct {
	bun.BaseModel `bun:"table:order_positions"`

	ID          string          `bun:"id,pk" json:"id"`
	OrderID     string          `bun:"order_id,notnull" json:"order_id"`
	PositionID  int             `bun:"position_id,notnull" json:"position_id"`
	ItemID      string          `bun:"item_id,notnull" json:"item_id"`
	VariationID string          `bun:"variation_id,nullzero" json:"variation_id,omitempty"`
	SubeventID  string          `bun:"subevent_id,nullzero" json:"subevent_id,omitempty"`
	AddonToID   string          `bun:"addon_to_id,nullzero" json:"addon_to_id,omitempty"`
	Price       decimal.Decimal `bun:"price,notnull" json:"price"`
	TaxRate     decimal.Decimal `bun:"tax_rate,notnull" json:"tax_rate"`
	TaxValue    decimal.Decimal `bun:"tax_value,notnull" json:"tax_value"`
	Secret      string          `bun:"secret,notnull" json:"secret"`
	Blocked     bool            `bun:"blocked,notnull" json:"blocked"`
	ValidFrom   time.Time       `bun:"valid_from,nullzero" json:"valid_from,omitempty"`
	ValidUntil  time.Time       `bun:"valid_until,nullzero" json:"valid_until,omitempty"`
	Canceled    bool            `bun:"canceled,notnull" json:"canceled"`

	Item      *Item          `bun:"rel:belongs-to,join:item_id=id" json:"-"`
	Variation *ItemVariation `bun:"rel:belongs-to,join:variation_id=id" json:"-"`
}

type FeeType string

const (
	FeeTypePayment      FeeType = "payment"
	FeeTypeShipping     FeeType = "shipping"
	FeeTypeCancellation FeeType = "cancellation"
	FeeTypeOther        FeeType = "other"
)

type OrderFee struct {
	bun.BaseModel `bun:"table:order_fees"`

	ID          string          `bun:"id,pk" json:"id"`
	OrderID     string          `bun:"order_id,notnull" json:"order_id"`
	Type        FeeType         `bun:"fee_type,notnull" json:"fee_type"`
	Description string          `bun:"description" json:"description"`
	Value       decimal.Decimal `bun:"value,notnull" json:"value"`
	TaxRate     decimal.Decimal `bun:"tax_rate,notnull" json:"tax_rate"`
	TaxValue    decimal.Decimal `bun:"tax_value,notnull" json:"tax_value"`
	Canceled    bool            `bun:"canceled,notnull" json:"canceled"`
}

type PaymentState string

const (
	PaymentStateCreated   PaymentState = "created"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateCanceled  PaymentState = "canceled"
	PaymentStateFailed    PaymentState = "failed"
	PaymentStateRefunded  PaymentState = "refunded"
)

type OrderPayment struct {
	bun.BaseModel `bun:"table:order_payments"`

	ID          string          `bun:"id,pk" json:"id"`
	OrderID     string          `bun:"order_id,notnull" json:"order_id"`
	LocalID     int             `bun:"local_id,notnull" json:"local_id"`
	State       PaymentState    `bun:"state,notnull" json:"state"`
	Amount      decimal.Decimal `bun:"amount,notnull" json:"amount"`
	Provider    string          `bun:"provider,notnull" json:"provider"`
	Info        string          `bun:"info" json:"-"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	ConfirmedAt time.Time       `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
}

type RefundState string

const (
	RefundStateCreated  RefundState = "created"
	RefundStateTransit  RefundState = "transit"
	RefundStateExternal RefundState = "external"
	RefundStateDone     RefundState = "done"
	RefundStateCanceled RefundState = "canceled"
	RefundStateFailed   RefundState = "failed"
)

type RefundSource string

const (
	RefundSourceAdmin    RefundSource = "admin"
	RefundSourceBuyer    RefundSource = "buyer"
	RefundSourceExternal RefundSource = "external"
)

type OrderRefund struct {
	bun.BaseModel `bun:"table:order_refunds"`

	ID        string          `bun:"id,pk" json:"id"`
	OrderID   string          `bun:"order_id,notnull" json:"order_id"`
	PaymentID string          `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
	LocalID   int             `bun:"local_id,notnull" json:"local_id"`
	State     RefundState     `bun:"state,notnull" json:"state"`
	Source    RefundSource    `bun:"source,notnull" json:"source"`
	Amount    decimal.Decimal `bun:"amount,notnull" json:"amount"`
	Provider  string          `bun:"provider,notnull" json:"provider"`
	Comment   string          `bun:"comment" json:"comment,omitempty"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	DoneAt    time.Time       `bun:"done_at,nullzero" json:"done_at,omitempty"`
}

// RefundedAmount sums done and in-transit refunds drawn against this payment.
func RefundedAmount(p *OrderPayment, refunds []*OrderRefund) (decimal.Decimal, error) {
	sum := decimal.Zero
	var err error
	for _, r := range refunds {
		if r.PaymentID != p.ID {
			continue
		}
		switch r.State {
		case RefundStateDone, RefundStateTransit, RefundStateCreated:
			sum, err = sum.Add(r.Amount)
			if err != nil {
				return decimal.Zero, err
			}
		}
	}
	return sum, nil
}
