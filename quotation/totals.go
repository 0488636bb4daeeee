package quotation

import (
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/generic"
)

// DefaultTaxRate is applied on top of the subtotal.
var DefaultTaxRate = decimal.RequireFromString("0.06")

// ItemInput is one line as submitted. Nil Quantity means 1, nil UnitPrice means 0.
type ItemInput struct {
	ServiceItem    string
	MethodStandard string
	Quantity       *decimal.Decimal
	UnitPrice      *decimal.Decimal
}

// Totals are the three money figures of a quotation.
type Totals struct {
	Subtotal      decimal.Decimal
	TaxTotal      decimal.Decimal
	DiscountTotal decimal.Decimal
}

// buildItems validates inputs and prices each line.
func buildItems(inputs []ItemInput) ([]generic.QuotationItem, error) {
	items := make([]generic.QuotationItem, 0, len(inputs))
	for i, in := range inputs {
		qty := decimal.NewFromInt(1)
		if in.Quantity != nil {
			qty = *in.Quantity
		}
		price := decimal.Zero
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}
		if !qty.IsPositive() {
			return nil, generic.Invalid("items", "line %d: quantity must be positive", i+1)
		}
		if price.IsNegative() {
			return nil, generic.Invalid("items", "line %d: unit price must not be negative", i+1)
		}
		items = append(items, generic.QuotationItem{
			ServiceItem:    in.ServiceItem,
			MethodStandard: in.MethodStandard,
			Quantity:       qty,
			UnitPrice:      price,
			TotalPrice:     qty.Mul(price),
		})
	}
	return items, nil
}

// ComputeTotals prices items: the tax total is the subtotal grossed up by
// taxRate, and the discount total is finalAmount when the seller set one.
func ComputeTotals(items []generic.QuotationItem, taxRate decimal.Decimal, finalAmount *decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalPrice)
	}
	tax := subtotal.Mul(decimal.NewFromInt(1).Add(taxRate))
	discount := tax
	if finalAmount != nil {
		discount = *finalAmount
	}
	return Totals{Subtotal: subtotal, TaxTotal: tax, DiscountTotal: discount}
}

func (t Totals) apply(q *generic.Quotation) {
	q.Subtotal = t.Subtotal
	q.TaxTotal = t.TaxTotal
	q.DiscountTotal = t.DiscountTotal
}
