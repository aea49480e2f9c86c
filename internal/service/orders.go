package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/share"
	"distribuidora/backend/internal/store"
)

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidRequest, "unknown status %q", filter.Status)
	}
	if filter.Limit < 1 {
		filter.Limit = defaultOrderLimit
	}
	if filter.Limit > maxOrderLimit {
		filter.Limit = maxOrderLimit
	}
	return s.repo.ListOrders(ctx, filter)
}

// UpdateOrderStatus moves an order forward along pending, shipped, delivered.
// Skipping shipped is allowed; going back or touching an archived order is not.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, to domain.OrderStatus) (domain.Order, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "UpdateOrderStatus"),
		zap.String("order_id", id),
	)

	if !to.Valid() {
		return domain.Order{}, errors.Wrapf(ErrInvalidRequest, "unknown status %q", to)
	}

	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Archived || to.Rank() <= current.Status.Rank() {
		return domain.Order{}, errors.Wrapf(store.ErrInvalidTransition, "%s to %s", current.Status, to)
	}

	updated, err := s.repo.UpdateOrderStatus(ctx, id, current.Status, to, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	log.Info("order status updated", zap.String("from", string(current.Status)), zap.String("to", string(to)))
	return *updated, nil
}

// ArchiveOrder soft-deletes an order and takes its total back off the
// customer's balance. Stock is not restored.
func (s *Service) ArchiveOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Order{}, err
	}

	archived, err := s.repo.ArchiveOrder(ctx, id, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	logger.FromCtx(ctx).Info("order archived",
		zap.String("layer", "service"),
		zap.String("order_id", id),
		zap.String("total", archived.Total.StringFixed(2)),
	)
	return *archived, nil
}

func (s *Service) ShareLink(ctx context.Context, id string) (domain.ShareLinkResponse, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.ShareLinkResponse{}, err
	}
	link, err := share.Link(*order)
	if err != nil {
		return domain.ShareLinkResponse{}, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return domain.ShareLinkResponse{OrderID: order.ID, URL: link}, nil
}
