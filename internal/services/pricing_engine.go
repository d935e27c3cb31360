package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals lines that cannot be priced (negative prices, zero quantity).
	ErrPricingInvalidInput = errors.New("pricing: invalid input")

	hundred = decimal.NewFromInt(100)
)

// WholesaleSettingsProvider supplies the current wholesale pricing settings.
type WholesaleSettingsProvider interface {
	Current(ctx context.Context) (WholesaleSettings, error)
}

// PricingEngineDeps configures the retail constants and the wholesale settings source.
type PricingEngineDeps struct {
	RetailShipping   decimal.Decimal
	RetailTaxPercent decimal.Decimal
	Settings         WholesaleSettingsProvider
}

// PricingEngine computes order totals for the retail and wholesale tiers. It never rounds
// intermediate values; Quote.Rounded is applied once before persistence.
type PricingEngine struct {
	retailShipping   decimal.Decimal
	retailTaxPercent decimal.Decimal
	settings         WholesaleSettingsProvider
}

// Quote is the priced result for a set of lines.
type Quote struct {
	Tier     OrderTier
	Lines    []OrderLine
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// NewPricingEngine builds a pricing engine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.Settings == nil {
		return nil, errors.New("pricing engine: wholesale settings provider is required")
	}
	if deps.RetailShipping.IsNegative() || deps.RetailTaxPercent.IsNegative() {
		return nil, errors.New("pricing engine: retail shipping and tax must not be negative")
	}
	return &PricingEngine{
		retailShipping:   deps.RetailShipping,
		retailTaxPercent: deps.RetailTaxPercent,
		settings:         deps.Settings,
	}, nil
}

// ResolveTier returns wholesale when there is at least one product and every product is tagged
// wholesale, retail otherwise.
func ResolveTier(products []Product) OrderTier {
	if len(products) == 0 {
		return domain.OrderTierRetail
	}
	for _, product := range products {
		if !product.IsWholesale() {
			return domain.OrderTierRetail
		}
	}
	return domain.OrderTierWholesale
}

// Price quotes lines for tier, loading wholesale settings when needed.
func (e *PricingEngine) Price(ctx context.Context, tier OrderTier, lines []OrderLine) (Quote, error) {
	switch tier {
	case domain.OrderTierWholesale:
		settings, err := e.settings.Current(ctx)
		if err != nil {
			return Quote{}, fmt.Errorf("pricing: load wholesale settings: %w", err)
		}
		return e.Wholesale(lines, settings)
	default:
		return e.Retail(lines)
	}
}

// Retail prices lines with flat shipping and tax on the subtotal.
func (e *PricingEngine) Retail(lines []OrderLine) (Quote, error) {
	priced, subtotal, err := sumLines(lines)
	if err != nil {
		return Quote{}, err
	}
	rate := e.retailTaxPercent.Div(hundred)
	applyLineTax(priced, decimal.NewFromInt(1), rate)

	tax := subtotal.Mul(rate)
	return Quote{
		Tier:     domain.OrderTierRetail,
		Lines:    priced,
		Subtotal: subtotal,
		Discount: decimal.Zero,
		Shipping: e.retailShipping,
		Tax:      tax,
		Total:    subtotal.Add(e.retailShipping).Add(tax),
	}, nil
}

// Wholesale applies the discount first and computes tax on the discounted subtotal.
func (e *PricingEngine) Wholesale(lines []OrderLine, settings WholesaleSettings) (Quote, error) {
	priced, subtotal, err := sumLines(lines)
	if err != nil {
		return Quote{}, err
	}
	discountRate := settings.DiscountPercent.Div(hundred)
	taxRate := settings.TaxPercent.Div(hundred)
	applyLineTax(priced, decimal.NewFromInt(1).Sub(discountRate), taxRate)

	discount := subtotal.Mul(discountRate)
	discounted := subtotal.Sub(discount)
	tax := discounted.Mul(taxRate)
	return Quote{
		Tier:     domain.OrderTierWholesale,
		Lines:    priced,
		Subtotal: subtotal,
		Discount: discount,
		Shipping: settings.ShippingCharge,
		Tax:      tax,
		Total:    discounted.Add(settings.ShippingCharge).Add(tax),
	}, nil
}

// Rounded returns the quote with every money field rounded to 2 decimals. Total is re-derived
// from the rounded components so the persisted identity holds exactly.
func (q Quote) Rounded() Quote {
	out := q
	out.Subtotal = q.Subtotal.Round(2)
	out.Discount = q.Discount.Round(2)
	out.Shipping = q.Shipping.Round(2)
	out.Tax = q.Tax.Round(2)
	out.Total = out.Subtotal.Sub(out.Discount).Add(out.Shipping).Add(out.Tax)
	out.Lines = make([]OrderLine, len(q.Lines))
	for i, line := range q.Lines {
		line.UnitPrice = line.UnitPrice.Round(2)
		line.LineTotal = line.LineTotal.Round(2)
		line.TaxOnLine = line.TaxOnLine.Round(2)
		line.PriceWithTax = line.PriceWithTax.Round(2)
		out.Lines[i] = line
	}
	return out
}

// sumLines recomputes each line total and sums the active ones. Cancelled lines stay in the
// result with zero tax but do not contribute to the subtotal.
func sumLines(lines []OrderLine) ([]OrderLine, decimal.Decimal, error) {
	priced := make([]OrderLine, len(lines))
	subtotal := decimal.Zero
	for i, line := range lines {
		if line.Quantity < 1 {
			return nil, decimal.Zero, fmt.Errorf("%w: quantity must be at least 1 for %s", ErrPricingInvalidInput, line.ProductID)
		}
		if line.UnitPrice.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: negative price for %s", ErrPricingInvalidInput, line.ProductID)
		}
		line.LineTotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if line.Status == "" {
			line.Status = domain.LineStatusActive
		}
		if line.Status != domain.LineStatusCancelled {
			subtotal = subtotal.Add(line.LineTotal)
		}
		priced[i] = line
	}
	return priced, subtotal, nil
}

func applyLineTax(lines []OrderLine, taxableShare, rate decimal.Decimal) {
	for i := range lines {
		if lines[i].Status == domain.LineStatusCancelled {
			lines[i].TaxOnLine = decimal.Zero
			lines[i].PriceWithTax = lines[i].LineTotal
			continue
		}
		lines[i].TaxOnLine = lines[i].LineTotal.Mul(taxableShare).Mul(rate)
		lines[i].PriceWithTax = lines[i].LineTotal.Add(lines[i].TaxOnLine)
	}
}
