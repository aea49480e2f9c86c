package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"distribuidora/backend/internal/cache"
	"distribuidora/backend/internal/cart"
	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/pricing"
	"distribuidora/backend/internal/store"
	"distribuidora/backend/internal/xid"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrForbidden         = errors.New("admin role required")
	ErrSubmissionPending = errors.New("order submission already in progress")
)

// CommitError reports that the store could not apply an order. Nothing from
// the failed commit is visible afterwards.
type CommitError struct {
	Cause error
}

func (e *CommitError) Error() string {
	return "commit order: " + e.Cause.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Cause
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

const (
	defaultSubmissionTTL = 10 * time.Minute
	defaultCommitTimeout = 15 * time.Second
)

type Options struct {
	EnforceCreditLimit bool
	SubmissionTTL      time.Duration
	// CommitTimeout bounds a store commit once it has started. The commit
	// does not follow the caller's cancellation.
	CommitTimeout time.Duration
	Now           func() time.Time
}

type Service struct {
	repo          store.Repository
	guard         cache.SubmissionGuard
	carts         *cart.Registry
	policy        pricing.Policy
	submissionTTL time.Duration
	commitTimeout time.Duration
	now           func() time.Time
}

func New(repo store.Repository, guard cache.SubmissionGuard, carts *cart.Registry, opts Options) *Service {
	if guard == nil {
		guard = cache.NewMemorySubmissionGuard()
	}
	if carts == nil {
		carts = cart.NewRegistry(0)
	}
	if opts.SubmissionTTL <= 0 {
		opts.SubmissionTTL = defaultSubmissionTTL
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:          repo,
		guard:         guard,
		carts:         carts,
		policy:        pricing.Policy{EnforceCreditLimit: opts.EnforceCreditLimit},
		submissionTTL: opts.SubmissionTTL,
		commitTimeout: opts.CommitTimeout,
		now:           opts.Now,
	}
}

// Quote prices and validates lines against the current snapshot without
// writing anything.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := validateAdjustments(req.ShippingCost, req.DiscountPercent); err != nil {
		return domain.Quote{}, err
	}

	customer, catalog, err := s.loadSnapshot(ctx, req.CustomerID, lines)
	if err != nil {
		return domain.Quote{}, err
	}
	totals := pricing.ComputeOrderTotals(lines, customer, catalog, req.ShippingCost, req.DiscountPercent)
	return totals.Quote(pricing.Validate(lines, customer, totals, s.policy)), nil
}

// CommitOrder re-validates the priced lines, freezes the sale prices and
// writes the order, the balance increment and the stock decrements as one
// unit. A business rejection is returned as *pricing.Rejection; a store
// failure as *CommitError. Failures are never retried here.
func (s *Service) CommitOrder(ctx context.Context, lines []domain.CartLine, customer *domain.Customer, totals pricing.Totals) (*domain.CommitResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "CommitOrder"),
	)

	if rejection := pricing.Validate(lines, customer, totals, s.policy); rejection != nil {
		log.Info("order rejected",
			zap.String("reason", string(rejection.Reason)),
			zap.String("detail", rejection.Detail),
		)
		return nil, rejection
	}

	rounded := totals.Rounded()
	orderLines := make([]domain.OrderLine, 0, len(rounded.Lines))
	for _, line := range rounded.Lines {
		orderLines = append(orderLines, domain.OrderLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitOfSale:  line.UnitOfSale,
			PriceAtSale: line.SalePrice,
		})
	}

	now := s.now()
	actor, _ := ActorFromContext(ctx)
	order := domain.Order{
		ID:             xid.New("ord"),
		CustomerID:     customer.ID,
		CustomerName:   customer.Name,
		CustomerPhone:  customer.Phone,
		Lines:          orderLines,
		Subtotal:       rounded.Subtotal,
		ShippingCost:   rounded.ShippingCost,
		DiscountAmount: rounded.DiscountAmount,
		Total:          rounded.Total,
		Status:         domain.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      actor.Username,
	}

	// A client that disconnects mid-commit must not roll back an order the
	// store is already applying.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	result, err := s.repo.CommitOrder(commitCtx, domain.OrderCommit{
		Order:              order,
		BalanceDelta:       rounded.Total,
		StockDeltas:        totals.StockDeltas(),
		EnforceCreditLimit: s.policy.EnforceCreditLimit,
	})
	if errors.Is(err, store.ErrCreditLimitExceeded) {
		rejection := pricing.CreditLimitRejection(fmt.Sprintf(
			"order %s would pass the credit limit of %s",
			rounded.Total.StringFixed(pricing.MoneyPlaces),
			customer.Name,
		))
		log.Info("order rejected",
			zap.String("reason", string(rejection.Reason)),
			zap.String("detail", rejection.Detail),
		)
		return nil, rejection
	}
	if err != nil {
		log.Error("order commit failed",
			zap.String("order_id", order.ID),
			zap.String("customer_id", order.CustomerID),
			zap.Error(err),
		)
		return nil, &CommitError{Cause: err}
	}

	log.Info("order committed",
		zap.String("order_id", result.Order.ID),
		zap.String("customer_id", result.Order.CustomerID),
		zap.String("total", result.Order.Total.StringFixed(2)),
	)
	for _, alert := range result.LowStock {
		log.Warn("product below minimum stock",
			zap.String("product_id", alert.ProductID),
			zap.Int("stock_total", alert.StockTotal),
			zap.Int("min_stock", alert.MinStock),
		)
	}
	return result, nil
}

// PlaceOrder is the guarded entry point for a submission: a key that is still
// pending is refused, a key that already produced an order replays it.
func (s *Service) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlaceOrderResponse, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "PlaceOrder"),
	)

	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.PlaceOrderResponse{}, err
	}
	if err := validateAdjustments(req.ShippingCost, req.DiscountPercent); err != nil {
		return domain.PlaceOrderResponse{}, err
	}

	key := req.SubmissionKey
	if key == "" {
		key = xid.New("sub")
	}

	if replay, ok, err := s.replay(ctx, key); err != nil || ok {
		return replay, err
	}

	acquired, err := s.guard.Acquire(ctx, key, s.submissionTTL)
	if err != nil {
		return domain.PlaceOrderResponse{}, errors.Wrap(err, "acquire submission")
	}
	if !acquired {
		// The holder may have finished between the two checks.
		if replay, ok, err := s.replay(ctx, key); err != nil || ok {
			return replay, err
		}
		log.Info("submission still pending", zap.String("submission_key", key))
		return domain.PlaceOrderResponse{}, ErrSubmissionPending
	}

	resp, err := s.placeOrder(ctx, req.CustomerID, lines, req.ShippingCost, req.DiscountPercent)
	if err != nil {
		if releaseErr := s.guard.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			log.Error("failed to release submission", zap.String("submission_key", key), zap.Error(releaseErr))
		}
		return domain.PlaceOrderResponse{}, err
	}

	if err := s.guard.Complete(context.WithoutCancel(ctx), key, resp.Order.ID, s.submissionTTL); err != nil {
		log.Error("failed to record completed submission",
			zap.String("submission_key", key),
			zap.String("order_id", resp.Order.ID),
			zap.Error(err),
		)
	}
	return resp, nil
}

func (s *Service) placeOrder(ctx context.Context, customerID string, lines []domain.CartLine, shipping, discountPercent decimal.Decimal) (domain.PlaceOrderResponse, error) {
	customer, catalog, err := s.loadSnapshot(ctx, customerID, lines)
	if err != nil {
		return domain.PlaceOrderResponse{}, err
	}

	totals := pricing.ComputeOrderTotals(lines, customer, catalog, shipping, discountPercent)
	logWarnings(ctx, totals.Warnings)

	result, err := s.CommitOrder(ctx, lines, customer, totals)
	if err != nil {
		return domain.PlaceOrderResponse{}, err
	}
	return domain.PlaceOrderResponse{
		Order:    result.Order,
		Warnings: totals.Warnings,
		LowStock: result.LowStock,
	}, nil
}

func (s *Service) replay(ctx context.Context, key string) (domain.PlaceOrderResponse, bool, error) {
	orderID, found, err := s.guard.Completed(ctx, key)
	if err != nil {
		return domain.PlaceOrderResponse{}, false, errors.Wrap(err, "read submission")
	}
	if !found {
		return domain.PlaceOrderResponse{}, false, nil
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.PlaceOrderResponse{}, false, err
	}
	return domain.PlaceOrderResponse{Order: *order, Duplicate: true}, true, nil
}

// loadSnapshot reads the customer and the referenced products concurrently.
// An unknown or empty customer id yields a nil customer; archived products
// are left out of the catalog so pricing flags them.
func (s *Service) loadSnapshot(ctx context.Context, customerID string, lines []domain.CartLine) (*domain.Customer, map[string]domain.Product, error) {
	var (
		customer *domain.Customer
		catalog  map[string]domain.Product
	)

	g, gctx := errgroup.WithContext(ctx)
	if customerID != "" {
		g.Go(func() error {
			found, err := s.repo.GetCustomer(gctx, customerID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			customer = found
			return nil
		})
	}
	g.Go(func() error {
		products, err := s.repo.GetProductsByIDs(gctx, productIDs(lines))
		if err != nil {
			return err
		}
		for id, product := range products {
			if product.Archived {
				delete(products, id)
			}
		}
		catalog = products
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return customer, catalog, nil
}

func logWarnings(ctx context.Context, warnings []domain.PricingWarning) {
	if len(warnings) == 0 {
		return
	}
	log := logger.FromCtx(ctx).With(zap.String("layer", "service"))
	for _, w := range warnings {
		log.Warn("line excluded from totals",
			zap.String("code", w.Code),
			zap.String("line_id", w.LineID),
			zap.String("product_id", w.ProductID),
		)
	}
}

// normalizeLines rejects malformed request lines and fills missing line ids.
func normalizeLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	out := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return nil, errors.Wrap(ErrInvalidRequest, "each line needs a product and a positive quantity")
		}
		if line.Quantity > pricing.MaxLineQuantity {
			return nil, errors.Wrapf(ErrInvalidRequest, "quantity %d exceeds %d per line", line.Quantity, pricing.MaxLineQuantity)
		}
		if line.UnitOfSale == "" {
			line.UnitOfSale = domain.UnitOfSaleUnit
		}
		if !line.UnitOfSale.Valid() {
			return nil, errors.Wrapf(ErrInvalidRequest, "unknown unit of sale %q", line.UnitOfSale)
		}
		if line.ID == "" {
			line.ID = xid.New("ln")
		}
		out = append(out, line)
	}
	return out, nil
}

var hundred = decimal.NewFromInt(100)

func validateAdjustments(shipping, discountPercent decimal.Decimal) error {
	if shipping.IsNegative() {
		return errors.Wrap(ErrInvalidRequest, "shipping cost must not be negative")
	}
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return errors.Wrap(ErrInvalidRequest, "discount percent must be between 0 and 100")
	}
	return nil
}

func productIDs(lines []domain.CartLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}
