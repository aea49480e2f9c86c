package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/store"
)

// Schema is the table layout this store expects.
//
//go:embed schema.sql
var Schema string

const productColumns = `id, name, cost, unit_price, case_price, units_per_case, stock_total, min_stock, archived, updated_at`

const customerColumns = `id, name, phone, tier, minimum_purchase, credit_limit, outstanding_balance, updated_at`

const orderColumns = `id, customer_id, customer_name, customer_phone, subtotal, shipping_cost, discount_amount, total, status, archived, created_by, created_at, updated_at`

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, e.g. a sqlmock connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type productRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Cost         decimal.Decimal `db:"cost"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	CasePrice    decimal.Decimal `db:"case_price"`
	UnitsPerCase int             `db:"units_per_case"`
	StockTotal   int             `db:"stock_total"`
	MinStock     int             `db:"min_stock"`
	Archived     bool            `db:"archived"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:           r.ID,
		Name:         r.Name,
		Cost:         r.Cost,
		UnitPrice:    r.UnitPrice,
		CasePrice:    r.CasePrice,
		UnitsPerCase: r.UnitsPerCase,
		StockTotal:   r.StockTotal,
		MinStock:     r.MinStock,
		Archived:     r.Archived,
		UpdatedAt:    r.UpdatedAt,
	}
}

type customerRow struct {
	ID                 string          `db:"id"`
	Name               string          `db:"name"`
	Phone              string          `db:"phone"`
	Tier               string          `db:"tier"`
	MinimumPurchase    decimal.Decimal `db:"minimum_purchase"`
	CreditLimit        decimal.Decimal `db:"credit_limit"`
	OutstandingBalance decimal.Decimal `db:"outstanding_balance"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r customerRow) toDomain() domain.Customer {
	return domain.Customer{
		ID:                 r.ID,
		Name:               r.Name,
		Phone:              r.Phone,
		Tier:               domain.Tier(r.Tier),
		MinimumPurchase:    r.MinimumPurchase,
		CreditLimit:        r.CreditLimit,
		OutstandingBalance: r.OutstandingBalance,
		UpdatedAt:          r.UpdatedAt,
	}
}

type orderRow struct {
	ID             string          `db:"id"`
	CustomerID     string          `db:"customer_id"`
	CustomerName   string          `db:"customer_name"`
	CustomerPhone  string          `db:"customer_phone"`
	Subtotal       decimal.Decimal `db:"subtotal"`
	ShippingCost   decimal.Decimal `db:"shipping_cost"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	Total          decimal.Decimal `db:"total"`
	Status         string          `db:"status"`
	Archived       bool            `db:"archived"`
	CreatedBy      string          `db:"created_by"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r orderRow) toDomain(lines []domain.OrderLine) domain.Order {
	if lines == nil {
		lines = []domain.OrderLine{}
	}
	return domain.Order{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		CustomerName:   r.CustomerName,
		CustomerPhone:  r.CustomerPhone,
		Lines:          lines,
		Subtotal:       r.Subtotal,
		ShippingCost:   r.ShippingCost,
		DiscountAmount: r.DiscountAmount,
		Total:          r.Total,
		Status:         domain.OrderStatus(r.Status),
		Archived:       r.Archived,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type orderItemRow struct {
	OrderID     string          `db:"order_id"`
	LineNo      int             `db:"line_no"`
	ProductID   string          `db:"product_id"`
	ProductName string          `db:"product_name"`
	Quantity    int             `db:"quantity"`
	UnitOfSale  string          `db:"unit_of_sale"`
	PriceAtSale decimal.Decimal `db:"price_at_sale"`
}

func (s *Store) ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if !includeArchived {
		query += ` WHERE archived = false`
	}
	query += ` ORDER BY name`

	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain())
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT `+productColumns+` FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build product lookup")
	}
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	for _, row := range rows {
		result[row.ID] = row.toDomain()
	}
	return result, nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" {
		return nil, store.ErrInvalidRecord
	}

	var row productRow
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO products (id, name, cost, unit_price, case_price, units_per_case, stock_total, min_stock, archived, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			cost = EXCLUDED.cost,
			unit_price = EXCLUDED.unit_price,
			case_price = EXCLUDED.case_price,
			units_per_case = EXCLUDED.units_per_case,
			min_stock = EXCLUDED.min_stock,
			updated_at = EXCLUDED.updated_at
		RETURNING `+productColumns,
		product.ID, product.Name, product.Cost, product.UnitPrice, product.CasePrice,
		product.CaseSize(), product.StockTotal, product.MinStock, time.Now().UTC(),
	).StructScan(&row)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert product %s", product.ID)
	}
	saved := row.toDomain()
	return &saved, nil
}

func (s *Store) SetProductArchived(ctx context.Context, id string, archived bool) (*domain.Product, error) {
	var row productRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE products SET archived = $1, updated_at = $2
		WHERE id = $3
		RETURNING `+productColumns,
		archived, time.Now().UTC(), id,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "archive product %s", id)
	}
	saved := row.toDomain()
	return &saved, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var rows []customerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+customerColumns+` FROM customers ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	customers := make([]domain.Customer, 0, len(rows))
	for _, row := range rows {
		customers = append(customers, row.toDomain())
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var row customerRow
	err := s.db.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get customer %s", id)
	}
	customer := row.toDomain()
	return &customer, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" || customer.Name == "" || !customer.Tier.Valid() {
		return nil, store.ErrInvalidRecord
	}

	var row customerRow
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO customers (id, name, phone, tier, minimum_purchase, credit_limit, outstanding_balance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			tier = EXCLUDED.tier,
			minimum_purchase = EXCLUDED.minimum_purchase,
			credit_limit = EXCLUDED.credit_limit,
			updated_at = EXCLUDED.updated_at
		RETURNING `+customerColumns,
		customer.ID, customer.Name, customer.Phone, string(customer.Tier),
		customer.MinimumPurchase, customer.CreditLimit, time.Now().UTC(),
	).StructScan(&row)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert customer %s", customer.ID)
	}
	saved := row.toDomain()
	return &saved, nil
}

// CommitOrder writes the order, its items, the balance increment and the
// stock decrements in one transaction. Stock and balance use relative updates
// so concurrent commits serialize on the row locks instead of overwriting
// each other.
// incrementBalance adds the order total to the customer balance. When the
// limit is enforced the bound is part of the UPDATE itself, so a concurrent
// order that got there first is seen by the row lock and not by a stale read.
func incrementBalance(ctx context.Context, tx *sqlx.Tx, commit domain.OrderCommit) error {
	order := commit.Order
	query := `
		UPDATE customers
		SET outstanding_balance = outstanding_balance + $1, updated_at = $2
		WHERE id = $3
	`
	if commit.EnforceCreditLimit {
		query = `
		UPDATE customers
		SET outstanding_balance = outstanding_balance + $1, updated_at = $2
		WHERE id = $3 AND (credit_limit <= 0 OR outstanding_balance + $1 <= credit_limit)
	`
	}

	res, err := tx.ExecContext(ctx, query, commit.BalanceDelta, order.CreatedAt, order.CustomerID)
	if err != nil {
		return errors.Wrapf(err, "increment balance of customer %s", order.CustomerID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "balance rows affected")
	}
	if affected > 0 {
		return nil
	}
	if !commit.EnforceCreditLimit {
		return errors.Wrapf(store.ErrNotFound, "customer %s", order.CustomerID)
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)`, order.CustomerID); err != nil {
		return errors.Wrapf(err, "look up customer %s", order.CustomerID)
	}
	if !exists {
		return errors.Wrapf(store.ErrNotFound, "customer %s", order.CustomerID)
	}
	return errors.Wrapf(store.ErrCreditLimitExceeded, "customer %s", order.CustomerID)
}

func (s *Store) CommitOrder(ctx context.Context, commit domain.OrderCommit) (*domain.CommitResult, error) {
	order := commit.Order
	if order.ID == "" || order.CustomerID == "" || len(order.Lines) == 0 {
		return nil, store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin order commit")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10, $11, $12)
	`,
		order.ID, order.CustomerID, order.CustomerName, order.CustomerPhone,
		order.Subtotal, order.ShippingCost, order.DiscountAmount, order.Total,
		string(order.Status), order.CreatedBy, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(store.ErrConflict, "order %s", order.ID)
		}
		return nil, errors.Wrapf(err, "insert order %s", order.ID)
	}

	for i, line := range order.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_of_sale, price_at_sale)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, order.ID, i+1, line.ProductID, line.ProductName, line.Quantity, string(line.UnitOfSale), line.PriceAtSale)
		if err != nil {
			return nil, errors.Wrapf(err, "insert order item %d", i+1)
		}
	}

	if err := incrementBalance(ctx, tx, commit); err != nil {
		return nil, err
	}

	// Fixed lock order across transactions.
	deltas := append([]domain.StockDelta(nil), commit.StockDeltas...)
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ProductID < deltas[j].ProductID })

	lowStock := make([]domain.LowStockAlert, 0)
	for _, delta := range deltas {
		var alert domain.LowStockAlert
		err := tx.QueryRowxContext(ctx, `
			UPDATE products
			SET stock_total = stock_total - $1, updated_at = $2
			WHERE id = $3
			RETURNING id, name, stock_total, min_stock
		`, delta.BaseUnits, order.CreatedAt, delta.ProductID).Scan(&alert.ProductID, &alert.Name, &alert.StockTotal, &alert.MinStock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "product %s", delta.ProductID)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decrement stock of product %s", delta.ProductID)
		}
		if alert.StockTotal < alert.MinStock {
			lowStock = append(lowStock, alert)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit order")
	}

	return &domain.CommitResult{Order: order, LowStock: lowStock}, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}

	items, err := s.loadOrderItems(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	order := row.toDomain(items[id])
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if !filter.IncludeArchived {
		clauses = append(clauses, "archived = false")
	}
	if filter.CustomerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if len(rows) == 0 {
		return []domain.Order{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	items, err := s.loadOrderItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toDomain(items[row.ID]))
	}
	return orders, nil
}

func (s *Store) loadOrderItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	query, args, err := sqlx.In(`
		SELECT order_id, line_no, product_id, product_name, quantity, unit_of_sale, price_at_sale
		FROM order_items
		WHERE order_id IN (?)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build order item lookup")
	}

	var rows []orderItemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "load order items")
	}
	items := make(map[string][]domain.OrderLine, len(orderIDs))
	for _, row := range rows {
		items[row.OrderID] = append(items[row.OrderID], domain.OrderLine{
			ProductID:   row.ProductID,
			ProductName: row.ProductName,
			Quantity:    row.Quantity,
			UnitOfSale:  domain.UnitOfSale(row.UnitOfSale),
			PriceAtSale: row.PriceAtSale,
		})
	}
	return items, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND archived = false
	`, string(to), at, id, string(from))
	if err != nil {
		return nil, errors.Wrapf(err, "update status of order %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "status rows affected")
	}
	if affected == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrInvalidTransition
	}
	return s.GetOrder(ctx, id)
}

// ArchiveOrder soft-deletes the order and reverses its balance increment in
// one transaction. Stock is not restored.
func (s *Store) ArchiveOrder(ctx context.Context, id string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin order archive")
	}
	defer func() { _ = tx.Rollback() }()

	var customerID string
	var total decimal.Decimal
	err = tx.QueryRowxContext(ctx, `
		UPDATE orders SET archived = true, updated_at = $1
		WHERE id = $2 AND archived = false
		RETURNING customer_id, total
	`, at, id).Scan(&customerID, &total)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id); err != nil {
			return nil, errors.Wrapf(err, "check order %s", id)
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInvalidTransition
	}
	if err != nil {
		return nil, errors.Wrapf(err, "archive order %s", id)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE customers
		SET outstanding_balance = outstanding_balance - $1, updated_at = $2
		WHERE id = $3
	`, total, at, customerID); err != nil {
		return nil, errors.Wrapf(err, "revert balance of customer %s", customerID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit order archive")
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrapf(err, "create user %s", user.Username)
	}
	return nil
}

type userRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt,
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	res, err := s.db.ExecContext(ctx, `UPDATE app_users SET password = $1, updated_at = now() WHERE username = $2`, password, username)
	if err != nil {
		return errors.Wrapf(err, "update password of %s", username)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
