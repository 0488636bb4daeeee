package quotation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labops-engine/generic"
)

func TestComputeTotals(t *testing.T) {
	items, err := buildItems([]ItemInput{
		{ServiceItem: "pH", Quantity: generic.DecPtr(decimal.RequireFromString("3")), UnitPrice: generic.DecPtr(decimal.RequireFromString("19.90"))},
		{ServiceItem: "Turbidity"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].TotalPrice.Equal(decimal.RequireFromString("59.7")))
	assert.True(t, items[1].TotalPrice.IsZero(), "nil price means free line")

	totals := ComputeTotals(items, decimal.RequireFromString("0.06"), nil)
	assert.Equal(t, "59.7", totals.Subtotal.String())
	assert.Equal(t, "63.282", totals.TaxTotal.String())
	assert.Equal(t, "63.282", totals.DiscountTotal.String())

	final := decimal.RequireFromString("60")
	totals = ComputeTotals(items, decimal.RequireFromString("0.06"), &final)
	assert.Equal(t, "60", totals.DiscountTotal.String())
}

func TestComputeTotals_NoItems(t *testing.T) {
	totals := ComputeTotals(nil, DefaultTaxRate, nil)
	assert.True(t, totals.Subtotal.IsZero())
	assert.True(t, totals.TaxTotal.IsZero())
}

func TestBuildItems_RejectsBadLines(t *testing.T) {
	_, err := buildItems([]ItemInput{{ServiceItem: "x", Quantity: generic.DecPtr(decimal.RequireFromString("-1"))}})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = buildItems([]ItemInput{{ServiceItem: "x", UnitPrice: generic.DecPtr(decimal.RequireFromString("-0.01"))}})
	assert.ErrorIs(t, err, generic.ErrValidation)
}
