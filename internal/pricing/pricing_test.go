package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distribuidora/backend/internal/domain"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(t, want).Equal(got), "expected %s, got %s", want, got.String())
}

func malbec(t *testing.T) domain.Product {
	return domain.Product{
		ID:           "prd-malbec",
		Name:         "Malbec 750",
		UnitPrice:    dec(t, "4500"),
		CasePrice:    dec(t, "24000"),
		UnitsPerCase: 6,
		StockTotal:   120,
	}
}

func wholesaleCustomer(t *testing.T) *domain.Customer {
	return &domain.Customer{
		ID:              "cus-almacen",
		Name:            "Almacen Don Pepe",
		Phone:           "+54 9 261 555-0101",
		Tier:            domain.TierWholesale,
		MinimumPurchase: dec(t, "5000"),
	}
}

func TestComputeOrderTotalsMalbecScenario(t *testing.T) {
	product := malbec(t)
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{{ID: "l1", ProductID: product.ID, Quantity: 1, UnitOfSale: domain.UnitOfSaleCase}}

	totals := ComputeOrderTotals(lines, wholesaleCustomer(t), catalog, dec(t, "500"), dec(t, "10"))

	requireAmount(t, "24000", totals.Subtotal)
	requireAmount(t, "2400", totals.DiscountAmount)
	requireAmount(t, "22100", totals.Total)
	require.Len(t, totals.Lines, 1)
	assert.Equal(t, 6, totals.Lines[0].BaseUnits)
	assert.Empty(t, totals.Warnings)
}

func TestComputeOrderTotalsIsDeterministic(t *testing.T) {
	product := malbec(t)
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{
		{ID: "l1", ProductID: product.ID, Quantity: 3, UnitOfSale: domain.UnitOfSaleUnit},
		{ID: "l2", ProductID: product.ID, Quantity: 2, UnitOfSale: domain.UnitOfSaleCase},
		{ID: "l3", ProductID: "prd-ghost", Quantity: 1, UnitOfSale: domain.UnitOfSaleUnit},
	}

	first := ComputeOrderTotals(lines, wholesaleCustomer(t), catalog, dec(t, "120.5"), dec(t, "7.5"))
	second := ComputeOrderTotals(lines, wholesaleCustomer(t), catalog, dec(t, "120.5"), dec(t, "7.5"))

	assert.Equal(t, first, second)
}

func TestUnitPriceUsesCasePriceOnlyForWholesaleCases(t *testing.T) {
	product := domain.Product{ID: "p", UnitPrice: dec(t, "20"), CasePrice: dec(t, "100"), UnitsPerCase: 6}
	wholesale := &domain.Customer{Tier: domain.TierWholesale}
	retail := &domain.Customer{Tier: domain.TierRetail}

	requireAmount(t, "100", UnitPrice(product, wholesale, domain.UnitOfSaleCase))
	requireAmount(t, "20", UnitPrice(product, wholesale, domain.UnitOfSaleUnit))
	requireAmount(t, "20", UnitPrice(product, retail, domain.UnitOfSaleCase))
	requireAmount(t, "20", UnitPrice(product, nil, domain.UnitOfSaleCase))

	product.CasePrice = decimal.Zero
	requireAmount(t, "20", UnitPrice(product, wholesale, domain.UnitOfSaleCase))
}

func TestBaseUnitsConvertsCases(t *testing.T) {
	product := domain.Product{UnitsPerCase: 6}
	assert.Equal(t, 18, BaseUnits(product, 3, domain.UnitOfSaleCase))
	assert.Equal(t, 3, BaseUnits(product, 3, domain.UnitOfSaleUnit))

	product.UnitsPerCase = 0
	assert.Equal(t, 3, BaseUnits(product, 3, domain.UnitOfSaleCase))
}

func TestMissingProductIsExcludedWithWarning(t *testing.T) {
	product := malbec(t)
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{
		{ID: "l1", ProductID: product.ID, Quantity: 2, UnitOfSale: domain.UnitOfSaleUnit},
		{ID: "l2", ProductID: "prd-ghost", Quantity: 5, UnitOfSale: domain.UnitOfSaleUnit},
	}

	totals := ComputeOrderTotals(lines, nil, catalog, decimal.Zero, decimal.Zero)

	requireAmount(t, "9000", totals.Subtotal)
	require.Len(t, totals.Lines, 1)
	require.Len(t, totals.Warnings, 1)
	assert.Equal(t, WarningProductNotFound, totals.Warnings[0].Code)
	assert.Equal(t, "l2", totals.Warnings[0].LineID)
	assert.Equal(t, "prd-ghost", totals.Warnings[0].ProductID)
}

func TestRoundedTotalReconcilesFromUnroundedParts(t *testing.T) {
	product := domain.Product{ID: "p", UnitPrice: dec(t, "33.335")}
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{{ID: "l1", ProductID: "p", Quantity: 3, UnitOfSale: domain.UnitOfSaleUnit}}

	totals := ComputeOrderTotals(lines, nil, catalog, dec(t, "10.004"), dec(t, "12.5"))
	rounded := totals.Rounded()

	want := totals.Subtotal.Sub(totals.DiscountAmount).Add(totals.ShippingCost).Round(2)
	assert.True(t, want.Equal(rounded.Total))
	requireAmount(t, "100.01", rounded.Subtotal)
	requireAmount(t, "12.50", rounded.DiscountAmount)
	requireAmount(t, "97.51", rounded.Total)
}

func TestStockDeltasAggregatePerProduct(t *testing.T) {
	product := malbec(t)
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{
		{ID: "l1", ProductID: product.ID, Quantity: 3, UnitOfSale: domain.UnitOfSaleCase},
		{ID: "l2", ProductID: product.ID, Quantity: 4, UnitOfSale: domain.UnitOfSaleUnit},
	}

	deltas := ComputeOrderTotals(lines, wholesaleCustomer(t), catalog, decimal.Zero, decimal.Zero).StockDeltas()

	require.Len(t, deltas, 1)
	assert.Equal(t, domain.StockDelta{ProductID: product.ID, BaseUnits: 22}, deltas[0])
}

func TestValidateMinimumPurchaseBoundary(t *testing.T) {
	customer := wholesaleCustomer(t)
	lines := []domain.CartLine{{ID: "l1", ProductID: "p", Quantity: 1, UnitOfSale: domain.UnitOfSaleUnit}}

	below := ComputeOrderTotals(lines, customer, map[string]domain.Product{"p": {ID: "p", UnitPrice: dec(t, "4999.99")}}, decimal.Zero, decimal.Zero)
	rejection := Validate(lines, customer, below, Policy{})
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonBelowMinimum, rejection.Reason)
	assert.True(t, errors.Is(rejection, ErrBelowMinimum))
	assert.Contains(t, rejection.Error(), "4999.99")

	exact := ComputeOrderTotals(lines, customer, map[string]domain.Product{"p": {ID: "p", UnitPrice: dec(t, "5000.00")}}, decimal.Zero, decimal.Zero)
	assert.Nil(t, Validate(lines, customer, exact, Policy{}))
}

func TestValidateMinimumIgnoredForRetail(t *testing.T) {
	customer := &domain.Customer{ID: "c", Tier: domain.TierRetail, MinimumPurchase: dec(t, "5000")}
	lines := []domain.CartLine{{ID: "l1", ProductID: "p", Quantity: 1, UnitOfSale: domain.UnitOfSaleUnit}}
	totals := ComputeOrderTotals(lines, customer, map[string]domain.Product{"p": {ID: "p", UnitPrice: dec(t, "10")}}, decimal.Zero, decimal.Zero)

	assert.Nil(t, Validate(lines, customer, totals, Policy{}))
}

func TestValidateRuleOrder(t *testing.T) {
	customer := wholesaleCustomer(t)

	rejection := Validate(nil, nil, Totals{}, Policy{EnforceCreditLimit: true})
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonNoCustomer, rejection.Reason)
	assert.True(t, errors.Is(rejection, ErrNoCustomer))

	rejection = Validate(nil, customer, Totals{}, Policy{})
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonEmptyCart, rejection.Reason)

	ghost := []domain.CartLine{{ID: "l1", ProductID: "prd-ghost", Quantity: 1, UnitOfSale: domain.UnitOfSaleUnit}}
	rejection = Validate(ghost, customer, ComputeOrderTotals(ghost, customer, nil, decimal.Zero, decimal.Zero), Policy{})
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonEmptyCart, rejection.Reason)
}

func TestValidateCreditLimit(t *testing.T) {
	product := malbec(t)
	catalog := map[string]domain.Product{product.ID: product}
	lines := []domain.CartLine{{ID: "l1", ProductID: product.ID, Quantity: 1, UnitOfSale: domain.UnitOfSaleCase}}
	customer := wholesaleCustomer(t)
	customer.CreditLimit = dec(t, "30000")
	customer.OutstandingBalance = dec(t, "8000")
	totals := ComputeOrderTotals(lines, customer, catalog, dec(t, "500"), dec(t, "10"))

	assert.Nil(t, Validate(lines, customer, totals, Policy{EnforceCreditLimit: false}))

	rejection := Validate(lines, customer, totals, Policy{EnforceCreditLimit: true})
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonCreditLimitExceeded, rejection.Reason)
	assert.True(t, errors.Is(rejection, ErrCreditLimitExceeded))

	customer.OutstandingBalance = dec(t, "7900")
	assert.Nil(t, Validate(lines, customer, totals, Policy{EnforceCreditLimit: true}))

	customer.CreditLimit = decimal.Zero
	customer.OutstandingBalance = dec(t, "1000000")
	assert.Nil(t, Validate(lines, customer, totals, Policy{EnforceCreditLimit: true}))
}

func TestQuoteCarriesRejection(t *testing.T) {
	quote := Totals{Subtotal: dec(t, "10"), Total: dec(t, "10")}.Quote(reject(ReasonBelowMinimum, ErrBelowMinimum, "short"))
	require.NotNil(t, quote.Rejection)
	assert.Equal(t, "BELOW_MINIMUM", quote.Rejection.Reason)
	assert.Equal(t, "short", quote.Rejection.Detail)
}
