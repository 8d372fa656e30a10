package models

import (
	"time"

	"github.com/govalues/decimal"
	"github.com/uptrace/bun"
)

// Quota is a capacity limit shared by one or more items/variations, optionally
// scoped to one subevent. Size nil means unlimited. Availability is always a
// derived value, never stored here; Version is bumped whenever an order,
// voucher or hold affecting this quota changes so cached results drop out.
type Quota struct {
	bun.BaseModel `bun:"table:quotas"`

	ID         string `bun:"id,pk" json:"id"`
	EventID    string `bun:"event_id,notnull" json:"event_id"`
	SubeventID string `bun:"subevent_id,nullzero" json:"subevent_id,omitempty"`
	Name       string `bun:"name,notnull" json:"name"`
	Size       *int   `bun:"size" json:"size"`
	Version    int64  `bun:"version,notnull,default:0" json:"-"`

	Items []*QuotaItem `bun:"rel:has-many,join:id=quota_id" json:"items,omitempty"`
}

// Unlimited reports whether this quota never runs out.
func (q *Quota) Unlimited() bool {
	return q.Size == nil || *q.Size < 0
}

// QuotaItem links a quota to an item or a single variation of it.
type QuotaItem struct {
	bun.BaseModel `bun:"table:quota_items"`

	ID          int64  `bun:"id,pk,autoincrement" json:"-"`
	QuotaID     string `bun:"quota_id,notnull" json:"quota_id"`
	ItemID      string `bun:"item_id,notnull" json:"item_id"`
	VariationID string `bun:"variation_id,nullzero" json:"variation_id,omitempty"`
}

type VoucherPriceMode string

const (
	VoucherPriceNone     VoucherPriceMode = "none"
	VoucherPriceSet      VoucherPriceMode = "set"
	VoucherPriceSubtract VoucherPriceMode = "subtract"
	VoucherPricePercent  VoucherPriceMode = "percent"
)

// Voucher grants discounted pricing or quota bypass for specific items. A
// voucher with BlockQuota reserves capacity while it is valid and unredeemed.
type Voucher struct {
	bun.BaseModel `bun:"table:vouchers"`

	ID          string           `bun:"id,pk" json:"id"`
	EventID     string           `bun:"event_id,notnull" json:"event_id"`
	Code        string           `bun:"code,unique,notnull" json:"code"`
	ItemID      string           `bun:"item_id,nullzero" json:"item_id,omitempty"`
	VariationID string           `bun:"variation_id,nullzero" json:"variation_id,omitempty"`
	QuotaID     string           `bun:"quota_id,nullzero" json:"quota_id,omitempty"`
	PriceMode   VoucherPriceMode `bun:"price_mode,notnull" json:"price_mode"`
	Value       decimal.Decimal  `bun:"value,notnull,default:0" json:"value"`
	BlockQuota  bool             `bun:"block_quota,notnull" json:"block_quota"`
	MaxUsages   int              `bun:"max_usages,notnull,default:1" json:"max_usages"`
	Redeemed    int              `bun:"redeemed,notnull,default:0" json:"redeemed"`
	ValidUntil  time.Time        `bun:"valid_until,nullzero" json:"valid_until,omitempty"`
}

// AppliesTo reports whether the voucher matches the given item/variation. A
// voucher restricted to a quota applies to every item covered by that quota,
// which the caller resolves; here only direct restrictions are checked.
func (v *Voucher) AppliesTo(item *Item, variation *ItemVariation) bool {
	if v.ItemID != "" && v.ItemID != item.ID {
		return false
	}
	if v.VariationID != "" {
		if variation == nil || v.VariationID != variation.ID {
			return false
		}
	}
	return true
}

// Active reports whether the voucher can still be redeemed at t.
func (v *Voucher) Active(t time.Time) bool {
	if v.Redeemed >= v.MaxUsages {
		return false
	}
	if !v.ValidUntil.IsZero() && v.ValidUntil.Before(t) {
		return false
	}
	return true
}
