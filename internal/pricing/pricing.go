package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"distribuidora/backend/internal/domain"
)

const WarningProductNotFound = "PRODUCT_NOT_FOUND"

// MoneyPlaces is the precision amounts are rounded to when persisted.
const MoneyPlaces = 2

// Upper bounds for a single line. Together they keep a line's base units,
// and the stock columns they are subtracted from, well inside int32.
const (
	MaxLineQuantity = 100_000
	MaxUnitsPerCase = 10_000
)

var hundred = decimal.NewFromInt(100)

type Totals struct {
	Lines           []domain.PricedLine
	Subtotal        decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	ShippingCost    decimal.Decimal
	Total           decimal.Decimal
	Warnings        []domain.PricingWarning
}

// ComputeOrderTotals prices cart lines against a catalog snapshot. It does no
// rounding and has no side effects; lines whose product is missing from the
// catalog are left out of the totals and reported as warnings.
func ComputeOrderTotals(
	lines []domain.CartLine,
	customer *domain.Customer,
	catalog map[string]domain.Product,
	shippingCost decimal.Decimal,
	discountPercent decimal.Decimal,
) Totals {
	totals := Totals{
		Lines:           make([]domain.PricedLine, 0, len(lines)),
		Subtotal:        decimal.Zero,
		DiscountPercent: discountPercent,
		ShippingCost:    shippingCost,
		Warnings:        []domain.PricingWarning{},
	}

	for _, line := range lines {
		product, ok := catalog[line.ProductID]
		if !ok {
			totals.Warnings = append(totals.Warnings, domain.PricingWarning{
				Code:      WarningProductNotFound,
				LineID:    line.ID,
				ProductID: line.ProductID,
				Message:   fmt.Sprintf("product %s not found in catalog; line excluded", line.ProductID),
			})
			continue
		}

		price := UnitPrice(product, customer, line.UnitOfSale)
		lineTotal := price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		totals.Lines = append(totals.Lines, domain.PricedLine{
			LineID:      line.ID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitOfSale:  line.UnitOfSale,
			SalePrice:   price,
			LineTotal:   lineTotal,
			BaseUnits:   BaseUnits(product, line.Quantity, line.UnitOfSale),
		})
		totals.Subtotal = totals.Subtotal.Add(lineTotal)
	}

	totals.DiscountAmount = totals.Subtotal.Mul(discountPercent).Div(hundred)
	totals.Total = totals.Subtotal.Sub(totals.DiscountAmount).Add(shippingCost)
	return totals
}

// UnitPrice applies the tier rule: wholesale customers buying by the case pay
// the case price when one is set, everyone else pays the unit price.
func UnitPrice(product domain.Product, customer *domain.Customer, unit domain.UnitOfSale) decimal.Decimal {
	if customer != nil &&
		customer.Tier == domain.TierWholesale &&
		unit == domain.UnitOfSaleCase &&
		product.CasePrice.IsPositive() {
		return product.CasePrice
	}
	return product.UnitPrice
}

// BaseUnits converts a sold quantity into stock units.
func BaseUnits(product domain.Product, quantity int, unit domain.UnitOfSale) int {
	if unit == domain.UnitOfSaleCase {
		return quantity * product.CaseSize()
	}
	return quantity
}

func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyPlaces)
}

// Rounded returns the persisted form of the totals. Total is rounded from the
// unrounded parts so it never accumulates per-field rounding error.
func (t Totals) Rounded() Totals {
	out := t
	out.Lines = make([]domain.PricedLine, len(t.Lines))
	for i, line := range t.Lines {
		line.SalePrice = Round(line.SalePrice)
		line.LineTotal = Round(line.LineTotal)
		out.Lines[i] = line
	}
	out.Subtotal = Round(t.Subtotal)
	out.DiscountAmount = Round(t.DiscountAmount)
	out.ShippingCost = Round(t.ShippingCost)
	out.Total = Round(t.Subtotal.Sub(t.DiscountAmount).Add(t.ShippingCost))
	return out
}

// Quote renders totals for display together with an optional rejection.
func (t Totals) Quote(rejection *Rejection) domain.Quote {
	rounded := t.Rounded()
	quote := domain.Quote{
		Lines:          rounded.Lines,
		Subtotal:       rounded.Subtotal,
		DiscountAmount: rounded.DiscountAmount,
		ShippingCost:   rounded.ShippingCost,
		Total:          rounded.Total,
		Warnings:       rounded.Warnings,
	}
	if rejection != nil {
		quote.Rejection = &domain.RejectionInfo{Reason: string(rejection.Reason), Detail: rejection.Detail}
	}
	return quote
}

// StockDeltas sums base units per product in first-seen order.
func (t Totals) StockDeltas() []domain.StockDelta {
	index := make(map[string]int, len(t.Lines))
	deltas := make([]domain.StockDelta, 0, len(t.Lines))
	for _, line := range t.Lines {
		if i, ok := index[line.ProductID]; ok {
			deltas[i].BaseUnits += line.BaseUnits
			continue
		}
		index[line.ProductID] = len(deltas)
		deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, BaseUnits: line.BaseUnits})
	}
	return deltas
}
