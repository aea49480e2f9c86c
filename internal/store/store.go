package store

import (
	"context"
	"errors"
	"time"

	"distribuidora/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRecord     = errors.New("invalid record")

	ErrCreditLimitExceeded = errors.New("credit limit exceeded")
)

// Repository is the catalog/customer/order store. CommitOrder and ArchiveOrder
// are the only writes to product stock and customer balance, and each applies
// as a single all-or-nothing unit.
type Repository interface {
	ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductArchived(ctx context.Context, id string, archived bool) (*domain.Product, error)

	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	CommitOrder(ctx context.Context, commit domain.OrderCommit) (*domain.CommitResult, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error)
	ArchiveOrder(ctx context.Context, id string, at time.Time) (*domain.Order, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
