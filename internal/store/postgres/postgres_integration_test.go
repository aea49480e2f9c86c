package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("DISTRIBUIDORA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DISTRIBUIDORA_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if _, err := s.db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return s
}

func seedIntegrationRows(t *testing.T, s *Store, productID string, customerID string) {
	t.Helper()
	ctx := context.Background()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit_price, case_price, units_per_case, stock_total, min_stock, updated_at)
		VALUES ($1, 'Malbec IT', 4500, 24000, 6, 240, 36, now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, tier, minimum_purchase, updated_at)
		VALUES ($1, 'Almacen IT', 'wholesale', 5000, now())
	`, customerID); err != nil {
		t.Fatalf("insert customer: %v", err)
	}
}

func integrationCommit(orderID, productID, customerID string) domain.OrderCommit {
	at := time.Now().UTC()
	total := decimal.NewFromInt(22100)
	return domain.OrderCommit{
		Order: domain.Order{
			ID:           orderID,
			CustomerID:   customerID,
			CustomerName: "Almacen IT",
			Lines: []domain.OrderLine{{
				ProductID:   productID,
				ProductName: "Malbec IT",
				Quantity:    1,
				UnitOfSale:  domain.UnitOfSaleCase,
				PriceAtSale: decimal.NewFromInt(24000),
			}},
			Subtotal:       decimal.NewFromInt(24000),
			ShippingCost:   decimal.NewFromInt(500),
			DiscountAmount: decimal.NewFromInt(2400),
			Total:          total,
			Status:         domain.OrderStatusPending,
			CreatedAt:      at,
			UpdatedAt:      at,
		},
		BalanceDelta: total,
		StockDeltas:  []domain.StockDelta{{ProductID: productID, BaseUnits: 6}},
	}
}

func TestConcurrentCommitsApplyEveryDelta(t *testing.T) {
	s := openIntegrationStore(t)
	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	customerID := fmt.Sprintf("cus-it-%d", stamp)
	seedIntegrationRows(t, s, productID, customerID)

	const workers = 10
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := fmt.Sprintf("ord-it-%d-%d", stamp, i)
			if _, err := s.CommitOrder(ctx, integrationCommit(orderID, productID, customerID)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("commit order: %v", err)
	}

	products, err := s.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got := products[productID].StockTotal; got != 240-workers*6 {
		t.Fatalf("expected stock %d, got %d", 240-workers*6, got)
	}

	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	want := decimal.NewFromInt(22100 * workers)
	if !customer.OutstandingBalance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, customer.OutstandingBalance)
	}
}

func TestConcurrentCommitsRespectCreditLimit(t *testing.T) {
	s := openIntegrationStore(t)
	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	customerID := fmt.Sprintf("cus-it-%d", stamp)
	seedIntegrationRows(t, s, productID, customerID)

	ctx := context.Background()
	// Four orders of 22100 fit under 100000, a fifth does not.
	if _, err := s.db.ExecContext(ctx, `UPDATE customers SET credit_limit = 100000 WHERE id = $1`, customerID); err != nil {
		t.Fatalf("set credit limit: %v", err)
	}

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			commit := integrationCommit(fmt.Sprintf("ord-it-%d-%d", stamp, i), productID, customerID)
			commit.EnforceCreditLimit = true
			_, err := s.CommitOrder(ctx, commit)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case !errors.Is(err, store.ErrCreditLimitExceeded):
				t.Errorf("commit order: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if committed != 4 {
		t.Fatalf("expected 4 commits under the limit, got %d", committed)
	}
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if want := decimal.NewFromInt(22100 * 4); !customer.OutstandingBalance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, customer.OutstandingBalance)
	}
}

func TestFailedCommitLeavesNoPartialState(t *testing.T) {
	s := openIntegrationStore(t)
	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	customerID := fmt.Sprintf("cus-it-%d", stamp)
	seedIntegrationRows(t, s, productID, customerID)

	ctx := context.Background()
	orderID := fmt.Sprintf("ord-it-%d", stamp)
	commit := integrationCommit(orderID, productID, customerID)
	commit.StockDeltas = append(commit.StockDeltas, domain.StockDelta{ProductID: "prd-does-not-exist", BaseUnits: 1})

	if _, err := s.CommitOrder(ctx, commit); err == nil {
		t.Fatalf("expected commit to fail on missing product")
	}

	if _, err := s.GetOrder(ctx, orderID); err == nil {
		t.Fatalf("expected order %s to be absent after rollback", orderID)
	}
	products, err := s.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got := products[productID].StockTotal; got != 240 {
		t.Fatalf("expected stock untouched at 240, got %d", got)
	}
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if !customer.OutstandingBalance.IsZero() {
		t.Fatalf("expected balance untouched, got %s", customer.OutstandingBalance)
	}
}
