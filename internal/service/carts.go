package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"distribuidora/backend/internal/cart"
	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/pricing"
	"distribuidora/backend/internal/store"
)

func (s *Service) CreateCart(ctx context.Context) (domain.CartView, error) {
	c := s.carts.Create()
	logger.FromCtx(ctx).Debug("cart created", zap.String("cart_id", c.ID()))
	return s.cartView(ctx, c)
}

func (s *Service) GetCart(ctx context.Context, id string) (domain.CartView, error) {
	c, err := s.cart(id)
	if err != nil {
		return domain.CartView{}, err
	}
	return s.cartView(ctx, c)
}

// AddCartLine adds a product to the cart. A non-positive quantity leaves the
// cart unchanged.
func (s *Service) AddCartLine(ctx context.Context, id string, req domain.CartLineRequest) (domain.CartView, error) {
	c, err := s.cart(id)
	if err != nil {
		return domain.CartView{}, err
	}
	if req.UnitOfSale != "" && !req.UnitOfSale.Valid() {
		return domain.CartView{}, errors.Wrapf(ErrInvalidRequest, "unknown unit of sale %q", req.UnitOfSale)
	}
	if req.Quantity > pricing.MaxLineQuantity {
		return domain.CartView{}, errors.Wrapf(ErrInvalidRequest, "quantity %d exceeds %d per line", req.Quantity, pricing.MaxLineQuantity)
	}

	products, err := s.repo.GetProductsByIDs(ctx, []string{req.ProductID})
	if err != nil {
		return domain.CartView{}, err
	}
	product, ok := products[req.ProductID]
	if !ok || product.Archived {
		return domain.CartView{}, errors.Wrapf(store.ErrNotFound, "product %s", req.ProductID)
	}

	c.AddLine(product, req.Quantity, req.UnitOfSale)
	return s.cartView(ctx, c)
}

func (s *Service) RemoveCartLine(ctx context.Context, id string, lineID string) (domain.CartView, error) {
	c, err := s.cart(id)
	if err != nil {
		return domain.CartView{}, err
	}
	if !c.RemoveLine(lineID) {
		return domain.CartView{}, errors.Wrapf(store.ErrNotFound, "cart line %s", lineID)
	}
	return s.cartView(ctx, c)
}

// SelectCartCustomer sets the cart's customer; an empty id clears it.
func (s *Service) SelectCartCustomer(ctx context.Context, id string, customerID string) (domain.CartView, error) {
	c, err := s.cart(id)
	if err != nil {
		return domain.CartView{}, err
	}
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
			return domain.CartView{}, err
		}
	}
	c.SelectCustomer(customerID)
	return s.cartView(ctx, c)
}

func (s *Service) DiscardCart(_ context.Context, id string) error {
	if !s.carts.Delete(id) {
		return errors.Wrapf(store.ErrNotFound, "cart %s", id)
	}
	return nil
}

// CheckoutCart places the cart's order using the cart id as submission key,
// so a double submit of the same cart cannot create two orders. The cart is
// dropped once its order exists and kept intact on any failure.
func (s *Service) CheckoutCart(ctx context.Context, id string, req domain.CartCheckoutRequest) (domain.PlaceOrderResponse, error) {
	c, err := s.cart(id)
	if err != nil {
		if replay, ok, replayErr := s.replay(ctx, cartSubmissionKey(id)); replayErr == nil && ok {
			return replay, nil
		}
		return domain.PlaceOrderResponse{}, err
	}

	resp, err := s.PlaceOrder(ctx, domain.PlaceOrderRequest{
		SubmissionKey:   cartSubmissionKey(id),
		CustomerID:      c.CustomerID(),
		Lines:           c.Lines(),
		ShippingCost:    req.ShippingCost,
		DiscountPercent: req.DiscountPercent,
	})
	if err != nil {
		return domain.PlaceOrderResponse{}, err
	}
	s.carts.Delete(id)
	return resp, nil
}

func cartSubmissionKey(id string) string {
	return "cart:" + id
}

func (s *Service) cart(id string) (*cart.Cart, error) {
	c, ok := s.carts.Get(id)
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "cart %s", id)
	}
	return c, nil
}

// cartView reprices the cart from the current snapshot on every read.
func (s *Service) cartView(ctx context.Context, c *cart.Cart) (domain.CartView, error) {
	lines := c.Lines()
	customer, catalog, err := s.loadSnapshot(ctx, c.CustomerID(), lines)
	if err != nil {
		return domain.CartView{}, err
	}
	totals := pricing.ComputeOrderTotals(lines, customer, catalog, decimal.Zero, decimal.Zero)
	return domain.CartView{
		ID:         c.ID(),
		CustomerID: c.CustomerID(),
		Lines:      lines,
		Quote:      totals.Quote(pricing.Validate(lines, customer, totals, s.policy)),
		UpdatedAt:  c.UpdatedAt(),
	}, nil
}
