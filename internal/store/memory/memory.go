package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/store"
)

// Stage names one write inside an order commit.
type Stage string

const (
	StageInsertOrder     Stage = "insert_order"
	StageCustomerBalance Stage = "customer_balance"
	StageProductStock    Stage = "product_stock"
)

// WriteHook runs before each staged write of a commit; a non-nil error aborts
// the whole commit. ref is the order, customer or product id being written.
type WriteHook func(stage Stage, ref string) error

type Option func(*Store)

func WithWriteHook(hook WriteHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	orders          map[string]*domain.Order
	usersByUsername map[string]domain.UserAccount
	hook            WriteHook
}

func New(opts ...Option) *Store {
	s := &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		orders:          make(map[string]*domain.Order),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD, falling back to
// well-known defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		logger.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operador", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prd-malbec-750", Name: "Malbec 750", Cost: decimal.NewFromInt(3100), UnitPrice: decimal.NewFromInt(4500), CasePrice: decimal.NewFromInt(24000), UnitsPerCase: 6, StockTotal: 240, MinStock: 36},
		{ID: "prd-torrontes-750", Name: "Torrontes 750", Cost: decimal.NewFromInt(2600), UnitPrice: decimal.NewFromInt(3900), CasePrice: decimal.NewFromInt(21000), UnitsPerCase: 6, StockTotal: 120, MinStock: 24},
		{ID: "prd-fernet-1l", Name: "Fernet 1L", Cost: decimal.NewFromInt(7800), UnitPrice: decimal.NewFromInt(10500), CasePrice: decimal.NewFromInt(57000), UnitsPerCase: 6, StockTotal: 90, MinStock: 18},
		{ID: "prd-agua-2l", Name: "Agua mineral 2L", Cost: decimal.NewFromInt(450), UnitPrice: decimal.NewFromInt(800), CasePrice: decimal.NewFromInt(4200), UnitsPerCase: 6, StockTotal: 300, MinStock: 60},
		{ID: "prd-cerveza-lata", Name: "Cerveza lata 473", Cost: decimal.NewFromInt(700), UnitPrice: decimal.NewFromInt(1200), CasePrice: decimal.NewFromInt(25000), UnitsPerCase: 24, StockTotal: 480, MinStock: 96},
		{ID: "prd-gaseosa-225", Name: "Gaseosa 2.25L", Cost: decimal.NewFromInt(1100), UnitPrice: decimal.NewFromInt(1900), CasePrice: decimal.Zero, UnitsPerCase: 8, StockTotal: 160, MinStock: 32},
	}
	for _, p := range products {
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	customers := []domain.Customer{
		{ID: "cus-almacen-pepe", Name: "Almacen Don Pepe", Phone: "+54 9 261 555-0101", Tier: domain.TierWholesale, MinimumPurchase: decimal.NewFromInt(5000), CreditLimit: decimal.NewFromInt(500000), OutstandingBalance: decimal.Zero},
		{ID: "cus-kiosco-luna", Name: "Kiosco Luna", Phone: "+54 9 261 555-0102", Tier: domain.TierRetail, MinimumPurchase: decimal.Zero, CreditLimit: decimal.NewFromInt(80000), OutstandingBalance: decimal.Zero},
		{ID: "cus-bar-esquina", Name: "Bar La Esquina", Phone: "+54 9 261 555-0103", Tier: domain.TierWholesale, MinimumPurchase: decimal.NewFromInt(20000), CreditLimit: decimal.Zero, OutstandingBalance: decimal.Zero},
	}
	for _, c := range customers {
		c.UpdatedAt = now
		s.customers[c.ID] = c
	}

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context, includeArchived bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Archived && !includeArchived {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

// UpsertProduct creates a product with its initial stock, or updates the
// descriptive and price fields of an existing one. Stock of an existing
// product is left alone.
func (s *Store) UpsertProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product.UpdatedAt = time.Now().UTC()
	if existing, ok := s.products[product.ID]; ok {
		product.StockTotal = existing.StockTotal
		product.Archived = existing.Archived
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) SetProductArchived(_ context.Context, id string, archived bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Archived = archived
	product.UpdatedAt = time.Now().UTC()
	s.products[id] = product
	return &product, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// UpsertCustomer never touches the outstanding balance of an existing
// customer; new customers start at zero.
func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" || customer.Name == "" || !customer.Tier.Valid() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer.OutstandingBalance = decimal.Zero
	if existing, ok := s.customers[customer.ID]; ok {
		customer.OutstandingBalance = existing.OutstandingBalance
	}
	customer.UpdatedAt = time.Now().UTC()
	s.customers[customer.ID] = customer
	return &customer, nil
}

// CommitOrder stages the order insert, the balance increment and every stock
// decrement on copies, and publishes them only when all stages succeed.
func (s *Store) CommitOrder(_ context.Context, commit domain.OrderCommit) (*domain.CommitResult, error) {
	order := commit.Order
	if order.ID == "" || order.CustomerID == "" || len(order.Lines) == 0 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return nil, fmt.Errorf("order %s: %w", order.ID, store.ErrConflict)
	}
	if err := s.runHook(StageInsertOrder, order.ID); err != nil {
		return nil, err
	}
	staged := cloneOrder(&order)

	customer, ok := s.customers[order.CustomerID]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", order.CustomerID, store.ErrNotFound)
	}
	if err := s.runHook(StageCustomerBalance, customer.ID); err != nil {
		return nil, err
	}
	balance := customer.OutstandingBalance.Add(commit.BalanceDelta)
	if commit.EnforceCreditLimit && customer.CreditLimit.IsPositive() && balance.GreaterThan(customer.CreditLimit) {
		return nil, fmt.Errorf("customer %s: %w", customer.ID, store.ErrCreditLimitExceeded)
	}
	customer.OutstandingBalance = balance
	customer.UpdatedAt = order.CreatedAt

	products := make(map[string]domain.Product, len(commit.StockDeltas))
	touched := make([]string, 0, len(commit.StockDeltas))
	for _, delta := range commit.StockDeltas {
		product, ok := products[delta.ProductID]
		if !ok {
			product, ok = s.products[delta.ProductID]
			if !ok {
				return nil, fmt.Errorf("product %s: %w", delta.ProductID, store.ErrNotFound)
			}
			touched = append(touched, product.ID)
		}
		if err := s.runHook(StageProductStock, product.ID); err != nil {
			return nil, err
		}
		product.StockTotal -= delta.BaseUnits
		product.UpdatedAt = order.CreatedAt
		products[product.ID] = product
	}

	lowStock := make([]domain.LowStockAlert, 0)
	for _, id := range touched {
		product := products[id]
		if product.StockTotal < product.MinStock {
			lowStock = append(lowStock, domain.LowStockAlert{
				ProductID:  product.ID,
				Name:       product.Name,
				StockTotal: product.StockTotal,
				MinStock:   product.MinStock,
			})
		}
	}

	s.orders[staged.ID] = staged
	s.customers[customer.ID] = customer
	for id, p := range products {
		s.products[id] = p
	}

	return &domain.CommitResult{Order: *cloneOrder(staged), LowStock: lowStock}, nil
}

func (s *Store) runHook(stage Stage, ref string) error {
	if s.hook == nil {
		return nil
	}
	if err := s.hook(stage, ref); err != nil {
		return fmt.Errorf("%s %s: %w", stage, ref, err)
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if order.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		orders = append(orders, *cloneOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

// UpdateOrderStatus moves an order from one status to another only if it is
// still in the expected status.
func (s *Store) UpdateOrderStatus(_ context.Context, id string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Archived || order.Status != from {
		return nil, store.ErrInvalidTransition
	}
	order.Status = to
	order.UpdatedAt = at
	return cloneOrder(order), nil
}

// ArchiveOrder flags the order archived and takes its total back off the
// customer's balance. Stock is not restored.
func (s *Store) ArchiveOrder(_ context.Context, id string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Archived {
		return nil, store.ErrInvalidTransition
	}
	customer, ok := s.customers[order.CustomerID]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", order.CustomerID, store.ErrNotFound)
	}

	customer.OutstandingBalance = customer.OutstandingBalance.Sub(order.Total)
	customer.UpdatedAt = at
	s.customers[customer.ID] = customer
	order.Archived = true
	order.UpdatedAt = at
	return cloneOrder(order), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Lines = slices.Clone(src.Lines)
	return &dst
}
