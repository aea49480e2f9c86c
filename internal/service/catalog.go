package service

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/pricing"
	"distribuidora/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeArchived)
}

// UpsertProduct creates or updates a product. InitialStock only applies when
// the product is new; stock of an existing product moves through orders.
func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductUpsertRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Product{}, errors.Wrap(ErrInvalidRequest, "name is required")
	}
	if req.Cost.IsNegative() || req.UnitPrice.IsNegative() || req.CasePrice.IsNegative() {
		return domain.Product{}, errors.Wrap(ErrInvalidRequest, "prices must not be negative")
	}
	if req.UnitsPerCase < 0 || req.MinStock < 0 || req.InitialStock < 0 {
		return domain.Product{}, errors.Wrap(ErrInvalidRequest, "counts must not be negative")
	}
	if req.UnitsPerCase > pricing.MaxUnitsPerCase {
		return domain.Product{}, errors.Wrapf(ErrInvalidRequest, "units per case must not exceed %d", pricing.MaxUnitsPerCase)
	}
	if req.ID == "" {
		req.ID = xid.New("prd")
	}

	saved, err := s.repo.UpsertProduct(ctx, domain.Product{
		ID:           req.ID,
		Name:         req.Name,
		Cost:         req.Cost,
		UnitPrice:    req.UnitPrice,
		CasePrice:    req.CasePrice,
		UnitsPerCase: req.UnitsPerCase,
		StockTotal:   req.InitialStock,
		MinStock:     req.MinStock,
	})
	if err != nil {
		return domain.Product{}, err
	}
	logger.FromCtx(ctx).Info("product saved",
		zap.String("layer", "service"),
		zap.String("product_id", saved.ID),
		zap.String("unit_price", saved.UnitPrice.StringFixed(2)),
		zap.String("case_price", saved.CasePrice.StringFixed(2)),
	)
	return *saved, nil
}

func (s *Service) SetProductArchived(ctx context.Context, id string, archived bool) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	saved, err := s.repo.SetProductArchived(ctx, id, archived)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

// LowStock lists active products whose stock is below their minimum, lowest
// first. Negative stock shows up here too.
func (s *Service) LowStock(ctx context.Context) ([]domain.LowStockAlert, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return nil, err
	}
	alerts := make([]domain.LowStockAlert, 0)
	for _, p := range products {
		if p.StockTotal < p.MinStock {
			alerts = append(alerts, domain.LowStockAlert{
				ProductID:  p.ID,
				Name:       p.Name,
				StockTotal: p.StockTotal,
				MinStock:   p.MinStock,
			})
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].StockTotal-alerts[i].MinStock < alerts[j].StockTotal-alerts[j].MinStock
	})
	return alerts, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// UpsertCustomer never touches the outstanding balance; only orders do.
func (s *Service) UpsertCustomer(ctx context.Context, req domain.CustomerUpsertRequest) (domain.Customer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Customer{}, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Tier == "" {
		req.Tier = domain.TierRetail
	}
	if req.Name == "" || !req.Tier.Valid() {
		return domain.Customer{}, errors.Wrap(ErrInvalidRequest, "name and a known tier are required")
	}
	if req.MinimumPurchase.IsNegative() || req.CreditLimit.IsNegative() {
		return domain.Customer{}, errors.Wrap(ErrInvalidRequest, "amounts must not be negative")
	}
	if req.ID == "" {
		req.ID = xid.New("cus")
	}

	saved, err := s.repo.UpsertCustomer(ctx, domain.Customer{
		ID:              req.ID,
		Name:            req.Name,
		Phone:           strings.TrimSpace(req.Phone),
		Tier:            req.Tier,
		MinimumPurchase: req.MinimumPurchase,
		CreditLimit:     req.CreditLimit,
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *saved, nil
}
