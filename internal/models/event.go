package models

import (
	"time"

	"github.com/govalues/decimal"
	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID        string    `bun:"id,pk" json:"id"`
	Slug      string    `bun:"slug,unique,notnull" json:"slug"`
	Name      string    `bun:"name,notnull" json:"name"`
	Currency  string    `bun:"currency,notnull" json:"currency"`
	DateFrom  time.Time `bun:"date_from,notnull" json:"date_from"`
	DateTo    time.Time `bun:"date_to,nullzero" json:"date_to,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// Subevent is one concrete date of an event series. Quotas, positions and
// scheduled mails may be scoped to a single subevent.
type Subevent struct {
	bun.BaseModel `bun:"table:subevents"`

	ID       string    `bun:"id,pk" json:"id"`
	EventID  string    `bun:"event_id,notnull" json:"event_id"`
	Name     string    `bun:"name" json:"name"`
	DateFrom time.Time `bun:"date_from,notnull" json:"date_from"`
	DateTo   time.Time `bun:"date_to,nullzero" json:"date_to,omitempty"`

	Event *Event `bun:"rel:belongs-to,join:event_id=id" json:"-"`
}

type Item struct {
	bun.BaseModel `bun:"table:items"`

	ID           string          `bun:"id,pk" json:"id"`
	EventID      string          `bun:"event_id,notnull" json:"event_id"`
	Name         string          `bun:"name,notnull" json:"name"`
	DefaultPrice decimal.Decimal `bun:"default_price,notnull" json:"default_price"`
	TaxRuleID    string          `bun:"tax_rule_id,nullzero" json:"tax_rule_id,omitempty"`
	Active       bool            `bun:"active,notnull" json:"active"`

	Event      *Event           `bun:"rel:belongs-to,join:event_id=id" json:"-"`
	TaxRule    *TaxRule         `bun:"rel:belongs-to,join:tax_rule_id=id" json:"-"`
	Variations []*ItemVariation `bun:"rel:has-many,join:id=item_id" json:"variations,omitempty"`
}

func (i *Item) HasVariations() bool {
	return len(i.Variations) > 0
}

type ItemVariation struct {
	bun.BaseModel `bun:"table:item_variations"`

	ID           string          `bun:"id,pk" json:"id"`
	ItemID       string          `bun:"item_id,notnull" json:"item_id"`
	Name         string          `bun:"name,notnull" json:"name"`
	DefaultPrice decimal.Decimal `bun:"default_price,notnull,default:0" json:"default_price"`
	HasOwnPrice  bool            `bun:"has_own_price,notnull" json:"has_own_price"`
}

// TaxRule describes how tax is derived for an item. If PriceIncludesTax is
// set, listed prices are gross and the net amount is computed by grossing
// down; otherwise listed prices are net and tax is added on top.
type TaxRule struct {
	bun.BaseModel `bun:"table:tax_rules"`

	ID               string          `bun:"id,pk" json:"id"`
	EventID          string          `bun:"event_id,notnull" json:"event_id"`
	Name             string          `bun:"name,notnull" json:"name"`
	Rate             decimal.Decimal `bun:"rate,notnull" json:"rate"`
	PriceIncludesTax bool            `bun:"price_includes_tax,notnull" json:"price_includes_tax"`
	EUReverseCharge  bool            `bun:"eu_reverse_charge,notnull" json:"eu_reverse_charge"`
	HomeCountry      string          `bun:"home_country" json:"home_country"`
}

// InvoiceAddress is the tax-relevant billing address attached to an order.
type InvoiceAddress struct {
	bun.BaseModel `bun:"table:invoice_addresses"`

	ID             string `bun:"id,pk" json:"id"`
	OrderID        string `bun:"order_id,unique,nullzero" json:"order_id,omitempty"`
	Company        string `bun:"company" json:"company"`
	Name           string `bun:"name" json:"name"`
	Street         string `bun:"street" json:"street"`
	City           string `bun:"city" json:"city"`
	Country        string `bun:"country" json:"country"`
	IsBusiness     bool   `bun:"is_business,notnull" json:"is_business"`
	VatID          string `bun:"vat_id" json:"vat_id"`
	VatIDValidated bool   `bun:"vat_id_validated,notnull" json:"vat_id_validated"`
}
