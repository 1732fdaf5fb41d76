package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/ledger"
	"github.com/nithinbarath/billing-system/internal/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// ListDenominations returns the register contents, largest face value first.
func (s *Service) ListDenominations(ctx context.Context) ([]domain.Denomination, error) {
	var denoms []domain.Denomination
	err := s.repo.Snapshot(ctx, func(r store.Reader) error {
		var err error
		denoms, err = r.ListDenominations(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	domain.SortDenominationsDesc(denoms)
	return denoms, nil
}

// AdjustDenomination sets the count of one face value, as after a till count.
func (s *Service) AdjustDenomination(ctx context.Context, value int64, count int) (*domain.Denomination, error) {
	if value <= 0 {
		return nil, &domain.DenominationError{Value: value, Err: domain.ErrUnknownDenomination}
	}
	if count < 0 {
		return nil, domain.InvalidSalef("count for %d must not be negative", value)
	}

	var updated *domain.Denomination
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		register := ledger.New(tx)
		if err := register.Set(ctx, value, count); err != nil {
			return err
		}
		denoms, err := register.All(ctx)
		if err != nil {
			return err
		}
		for i := range denoms {
			if denoms[i].Value == value {
				updated = &denoms[i]
				return nil
			}
		}
		return &domain.DenominationError{Value: value, Err: domain.ErrUnknownDenomination}
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "denomination.set", zap.Int64("denomination", value), zap.Int("count", count))
	return updated, nil
}

// AdjustDenominations sets several counts at once. Either all of them are
// applied or none.
func (s *Service) AdjustDenominations(ctx context.Context, req domain.DenominationBulkUpdateRequest) ([]domain.Denomination, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.InvalidSalef("%s", describeValidation(err))
	}
	seen := make(map[int64]struct{}, len(req.Denominations))
	for _, d := range req.Denominations {
		if _, dup := seen[d.Value]; dup {
			return nil, domain.InvalidSalef("denomination %d listed more than once", d.Value)
		}
		seen[d.Value] = struct{}{}
	}

	var denoms []domain.Denomination
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		register := ledger.New(tx)
		for _, d := range req.Denominations {
			if err := register.Set(ctx, d.Value, d.Count); err != nil {
				return err
			}
		}
		var err error
		denoms, err = register.All(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "denomination.bulk_set", zap.Int("updated", len(req.Denominations)))
	return denoms, nil
}

func (s *Service) ListProducts(ctx context.Context, skip int, limit int) ([]domain.Product, error) {
	skip, limit = clampPage(skip, limit)
	return s.repo.ListProducts(ctx, skip, limit)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ProductError{ProductID: productID, Err: domain.ErrUnknownProduct}
	}
	return product, err
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.InvalidProductf("%s", describeValidation(err))
	}
	if err := checkPricing(req.UnitPrice, req.TaxRate); err != nil {
		return nil, err
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		ProductID:      req.ProductID,
		Name:           req.Name,
		AvailableStock: req.AvailableStock,
		UnitPrice:      req.UnitPrice,
		TaxRate:        req.TaxRate,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &domain.ProductError{ProductID: req.ProductID, Err: domain.ErrProductExists}
		}
		return nil, err
	}

	s.logAudit(ctx, "product.create", zap.String("product_id", product.ProductID))
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	current, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	next := *current
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
		if next.Name == "" {
			return nil, domain.InvalidProductf("name must not be empty")
		}
	}
	if req.AvailableStock != nil {
		if *req.AvailableStock < 0 {
			return nil, domain.InvalidProductf("available_stocks must not be negative")
		}
		next.AvailableStock = *req.AvailableStock
	}
	if req.UnitPrice != nil {
		next.UnitPrice = *req.UnitPrice
	}
	if req.TaxRate != nil {
		next.TaxRate = *req.TaxRate
	}
	if err := checkPricing(next.UnitPrice, next.TaxRate); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateProduct(ctx, next)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.ProductError{ProductID: productID, Err: domain.ErrUnknownProduct}
		}
		return nil, err
	}

	s.logAudit(ctx, "product.update", zap.String("product_id", updated.ProductID))
	return updated, nil
}

func checkPricing(price decimal.Decimal, taxRate decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.InvalidProductf("price_per_unit must be greater than 0")
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return domain.InvalidProductf("tax_percentage must be between 0 and 100")
	}
	if !price.Equal(price.Truncate(moneyScale)) {
		return domain.InvalidProductf("price_per_unit allows at most %d decimal places", moneyScale)
	}
	if !taxRate.Equal(taxRate.Truncate(moneyScale)) {
		return domain.InvalidProductf("tax_percentage allows at most %d decimal places", moneyScale)
	}
	return nil
}

func (s *Service) ListInvoices(ctx context.Context, skip int, limit int) (*domain.InvoiceListResponse, error) {
	skip, limit = clampPage(skip, limit)
	invoices, err := s.repo.ListInvoices(ctx, skip, limit)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	return &domain.InvoiceListResponse{Invoices: invoices, Skip: skip, Limit: limit}, nil
}

// GetInvoice serves from the cache when it can and fills it on a miss.
// Cache failures degrade to a store read.
func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	log := s.log(ctx)
	cached, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		log.Warn("invoice cache get failed", zap.String("invoice_id", id), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	invoice, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, invoice, s.cacheTTL); err != nil {
		log.Warn("invoice cache set failed", zap.String("invoice_id", id), zap.Error(err))
	}
	return invoice, nil
}

func (s *Service) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	stats, err := s.repo.DashboardStats(ctx, s.lowStock, s.recentMax)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	if stats.RecentInvoices == nil {
		stats.RecentInvoices = []domain.RecentInvoice{}
	}
	return stats, nil
}

func clampPage(skip int, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return skip, limit
}
