package pricing

import (
	"fmt"

	"github.com/govalues/decimal"

	"boxoffice/internal/models"
)

// TaxedPrice is the result of a price calculation.
type TaxedPrice struct {
	Gross decimal.Decimal `json:"gross"`
	Net   decimal.Decimal `json:"net"`
	Tax   decimal.Decimal `json:"tax"`
	Rate  decimal.Decimal `json:"rate"`
	Name  string          `json:"name"`
}

// Input collects everything a price depends on. Calculate is a pure function
// over this struct; it is used both for live pricing and for validating
// submitted prices, so it must stay free of side effects.
type Input struct {
	Item      *models.Item
	Variation *models.ItemVariation
	Subevent  *models.Subevent
	// SubeventPrice is a per-date price override, when the event series
	// defines one for this item.
	SubeventPrice *decimal.Decimal
	Voucher       *models.Voucher
	// TaxRule overrides the item's configured rule when set.
	TaxRule *models.TaxRule
	Address *models.InvoiceAddress
}

var hundred = decimal.MustParse("100")

// Calculate resolves the listed price, applies the voucher discount, then
// derives net/gross/tax from the tax rule and the address's jurisdiction.
// A voucher that does not apply to the resolved item/variation is silently
// dropped, not treated as an error.
func Calculate(in Input) (TaxedPrice, error) {
	if in.Item == nil {
		return TaxedPrice{}, models.NewOrderError(models.KindValidation, "no item given")
	}

	base := in.Item.DefaultPrice
	if in.Variation != nil && in.Variation.HasOwnPrice {
		base = in.Variation.DefaultPrice
	}
	if in.SubeventPrice != nil {
		base = *in.SubeventPrice
	}

	voucher := in.Voucher
	if voucher != nil && !voucher.AppliesTo(in.Item, in.Variation) {
		voucher = nil
	}
	if voucher != nil {
		var err error
		base, err = applyVoucher(base, voucher)
		if err != nil {
			return TaxedPrice{}, err
		}
	}

	rule := in.TaxRule
	if rule == nil {
		rule = in.Item.TaxRule
	}
	return taxedFromBase(base, rule, in.Address)
}

func applyVoucher(base decimal.Decimal, v *models.Voucher) (decimal.Decimal, error) {
	switch v.PriceMode {
	case models.VoucherPriceSet:
		return v.Value, nil
	case models.VoucherPriceSubtract:
		reduced, err := base.Sub(v.Value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("voucher math: %w", err)
		}
		if reduced.Sign() < 0 {
			return decimal.Zero, nil
		}
		return reduced, nil
	case models.VoucherPricePercent:
		factor, err := v.Value.Quo(hundred)
		if err != nil {
			return decimal.Zero, fmt.Errorf("voucher math: %w", err)
		}
		discount, err := base.Mul(factor)
		if err != nil {
			return decimal.Zero, fmt.Errorf("voucher math: %w", err)
		}
		reduced, err := base.Sub(discount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("voucher math: %w", err)
		}
		return reduced.Rescale(2), nil
	default:
		return base, nil
	}
}

func taxedFromBase(base decimal.Decimal, rule *models.TaxRule, addr *models.InvoiceAddress) (TaxedPrice, error) {
	if rule == nil {
		b := base.Rescale(2)
		return TaxedPrice{Gross: b, Net: b, Tax: decimal.Zero, Rate: decimal.Zero}, nil
	}

	effRate := RateFor(rule, addr)

	var net decimal.Decimal
	var err error
	if rule.PriceIncludesTax {
		// Listed price is gross under the rule's own rate; gross down with
		// that rate even when the address reduces the effective rate.
		divisor, err2 := onePlusRate(rule.Rate)
		if err2 != nil {
			return TaxedPrice{}, err2
		}
		net, err = base.Quo(divisor)
		if err != nil {
			return TaxedPrice{}, fmt.Errorf("tax math: %w", err)
		}
	} else {
		net = base
	}
	net = net.Rescale(2)

	factor, err := onePlusRate(effRate)
	if err != nil {
		return TaxedPrice{}, err
	}
	gross, err := net.Mul(factor)
	if err != nil {
		return TaxedPrice{}, fmt.Errorf("tax math: %w", err)
	}
	gross = gross.Rescale(2)

	tax, err := gross.Sub(net)
	if err != nil {
		return TaxedPrice{}, fmt.Errorf("tax math: %w", err)
	}

	return TaxedPrice{Gross: gross, Net: net, Tax: tax, Rate: effRate, Name: rule.Name}, nil
}

func onePlusRate(rate decimal.Decimal) (decimal.Decimal, error) {
	frac, err := rate.Quo(hundred)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tax math: %w", err)
	}
	factor, err := decimal.One.Add(frac)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tax math: %w", err)
	}
	return factor, nil
}

// RateFor returns the tax rate that applies for the given address under the
// rule. Reverse charge zeroes the rate for validated businesses in another EU
// country and for anyone outside the EU.
func RateFor(rule *models.TaxRule, addr *models.InvoiceAddress) decimal.Decimal {
	if !rule.EUReverseCharge || addr == nil || addr.Country == "" {
		return rule.Rate
	}
	if addr.Country == rule.HomeCountry {
		return rule.Rate
	}
	if !euCountries[addr.Country] {
		return decimal.Zero
	}
	if addr.IsBusiness && addr.VatIDValidated {
		return decimal.Zero
	}
	return rule.Rate
}

var euCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true,
}
