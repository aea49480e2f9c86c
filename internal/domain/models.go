package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierRetail    Tier = "retail"
	TierWholesale Tier = "wholesale"
)

func (t Tier) Valid() bool {
	return t == TierRetail || t == TierWholesale
}

type UnitOfSale string

const (
	UnitOfSaleUnit UnitOfSale = "unit"
	UnitOfSaleCase UnitOfSale = "case"
)

func (u UnitOfSale) Valid() bool {
	return u == UnitOfSaleUnit || u == UnitOfSaleCase
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
)

func (s OrderStatus) Valid() bool {
	return s == OrderStatusPending || s == OrderStatusShipped || s == OrderStatusDelivered
}

// Rank orders statuses along the delivery lifecycle.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusShipped:
		return 2
	case OrderStatusDelivered:
		return 3
	default:
		return 0
	}
}

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Cost         decimal.Decimal `json:"cost"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CasePrice    decimal.Decimal `json:"case_price"`
	UnitsPerCase int             `json:"units_per_case"`
	StockTotal   int             `json:"stock_total"`
	MinStock     int             `json:"min_stock"`
	Archived     bool            `json:"archived"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CaseSize returns units per case, never less than one.
func (p Product) CaseSize() int {
	if p.UnitsPerCase < 1 {
		return 1
	}
	return p.UnitsPerCase
}

type Customer struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Phone              string          `json:"phone"`
	Tier               Tier            `json:"tier"`
	MinimumPurchase    decimal.Decimal `json:"minimum_purchase"`
	CreditLimit        decimal.Decimal `json:"credit_limit"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type CartLine struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Quantity   int        `json:"quantity"`
	UnitOfSale UnitOfSale `json:"unit_of_sale"`
}

type PricedLine struct {
	LineID      string          `json:"line_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitOfSale  UnitOfSale      `json:"unit_of_sale"`
	SalePrice   decimal.Decimal `json:"sale_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
	BaseUnits   int             `json:"base_units"`
}

type PricingWarning struct {
	Code      string `json:"code"`
	LineID    string `json:"line_id,omitempty"`
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
}

type OrderLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitOfSale  UnitOfSale      `json:"unit_of_sale"`
	PriceAtSale decimal.Decimal `json:"price_at_sale"`
}

type Order struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	CustomerName   string          `json:"customer_name"`
	CustomerPhone  string          `json:"customer_phone"`
	Lines          []OrderLine     `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	Archived       bool            `json:"archived"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

// StockDelta is a relative decrement in base units.
type StockDelta struct {
	ProductID string `json:"product_id"`
	BaseUnits int    `json:"base_units"`
}

// OrderCommit is the unit of work written atomically by a repository. With
// EnforceCreditLimit set the repository refuses the commit when the balance
// after BalanceDelta would pass a positive credit limit.
type OrderCommit struct {
	Order              Order
	BalanceDelta       decimal.Decimal
	StockDeltas        []StockDelta
	EnforceCreditLimit bool
}

type LowStockAlert struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	StockTotal int    `json:"stock_total"`
	MinStock   int    `json:"min_stock"`
}

type CommitResult struct {
	Order    Order           `json:"order"`
	LowStock []LowStockAlert `json:"low_stock,omitempty"`
}

type OrderFilter struct {
	CustomerID      string
	Status          OrderStatus
	IncludeArchived bool
	Limit           int
}

type Quote struct {
	Lines          []PricedLine     `json:"lines"`
	Subtotal       decimal.Decimal  `json:"subtotal"`
	DiscountAmount decimal.Decimal  `json:"discount_amount"`
	ShippingCost   decimal.Decimal  `json:"shipping_cost"`
	Total          decimal.Decimal  `json:"total"`
	Warnings       []PricingWarning `json:"warnings"`
	Rejection      *RejectionInfo   `json:"rejection,omitempty"`
}

type RejectionInfo struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type QuoteRequest struct {
	CustomerID      string          `json:"customer_id"`
	Lines           []CartLine      `json:"lines"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type PlaceOrderRequest struct {
	SubmissionKey   string          `json:"-"`
	CustomerID      string          `json:"customer_id"`
	Lines           []CartLine      `json:"lines"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type PlaceOrderResponse struct {
	Order     Order            `json:"order"`
	Warnings  []PricingWarning `json:"warnings,omitempty"`
	LowStock  []LowStockAlert  `json:"low_stock,omitempty"`
	Duplicate bool             `json:"duplicate"`
}

type OrderStatusUpdateRequest struct {
	Status OrderStatus `json:"status"`
}

type ShareLinkResponse struct {
	OrderID string `json:"order_id"`
	URL     string `json:"url"`
}

type ProductUpsertRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Cost         decimal.Decimal `json:"cost"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CasePrice    decimal.Decimal `json:"case_price"`
	UnitsPerCase int             `json:"units_per_case"`
	InitialStock int             `json:"initial_stock"`
	MinStock     int             `json:"min_stock"`
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

type CustomerUpsertRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Phone           string          `json:"phone"`
	Tier            Tier            `json:"tier"`
	MinimumPurchase decimal.Decimal `json:"minimum_purchase"`
	CreditLimit     decimal.Decimal `json:"credit_limit"`
}

type CartView struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id,omitempty"`
	Lines      []CartLine `json:"lines"`
	Quote      Quote      `json:"quote"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type CartLineRequest struct {
	ProductID  string     `json:"product_id"`
	Quantity   int        `json:"quantity"`
	UnitOfSale UnitOfSale `json:"unit_of_sale"`
}

type CartCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type CartCheckoutRequest struct {
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
