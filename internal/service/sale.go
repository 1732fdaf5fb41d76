package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/change"
	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/ledger"
	"github.com/nithinbarath/billing-system/internal/store"
)

var hundred = decimal.NewFromInt(100)

// maxCount bounds item quantities and tendered note counts to the INTEGER
// columns they are stored in.
const maxCount = math.MaxInt32

// moneyScale is the number of decimal places kept for prices, tax rates and
// invoice amounts, matching the NUMERIC(_, 4) columns.
const moneyScale = 4

var maxWhole = decimal.NewFromInt(math.MaxInt64)

type productReader interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// quote is a priced sale before any ledger movement.
type quote struct {
	lines           []domain.InvoiceLine
	totalWithoutTax decimal.Decimal
	totalTax        decimal.Decimal
	net             decimal.Decimal
	rounded         int64
	balance         int64
}

// CreateSale prices the request, moves the tendered and change notes through
// the ledger, decrements stock and persists the invoice in one transaction.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (*domain.Invoice, error) {
	req, err := s.prepareSale(req)
	if err != nil {
		return nil, err
	}
	log := s.log(ctx)

	var (
		created   *domain.Invoice
		duplicate bool
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		created, duplicate = nil, false

		if req.IdempotencyKey != "" {
			existing, err := tx.FindInvoiceByIdempotency(ctx, req.IdempotencyKey)
			if err == nil {
				created, duplicate = existing, true
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		q, err := priceSale(ctx, tx, req)
		if err != nil {
			return err
		}

		register := ledger.New(tx)
		if err := register.CreditAll(ctx, req.CashDenominations); err != nil {
			return err
		}
		available, err := register.Available(ctx)
		if err != nil {
			return err
		}
		result := change.Make(q.balance, available)
		if err := result.Err(); err != nil {
			return err
		}
		if err := register.DebitAll(ctx, result.Breakdown); err != nil {
			return err
		}

		for _, line := range q.lines {
			remaining, err := tx.DecrementStock(ctx, line.ProductID, line.Quantity)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &domain.ProductError{ProductID: line.ProductID, Err: domain.ErrUnknownProduct}
				}
				return err
			}
			if remaining < 0 {
				log.Warn("product stock went negative",
					zap.String("product_id", line.ProductID),
					zap.Int("remaining", remaining),
				)
			}
		}

		invoice, err := tx.CreateInvoice(ctx, q.invoice(req, result.Map()))
		if err != nil {
			return err
		}
		created = invoice
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			if existing, lookupErr := s.findByIdempotency(ctx, req.IdempotencyKey); lookupErr == nil {
				log.Info("sale replayed after concurrent duplicate", zap.String("invoice_id", existing.ID))
				return existing, nil
			}
		}
		return nil, err
	}

	if duplicate {
		log.Info("sale replayed from idempotency key", zap.String("invoice_id", created.ID))
		return created, nil
	}

	s.logAudit(ctx, "sale.create", zap.String("invoice_id", created.ID),
		zap.Int64("rounded_net_price", created.RoundedNetPrice),
		zap.String("balance_payable", created.BalancePayable.String()),
	)
	s.afterCommit(ctx, created)
	return created, nil
}

// PreviewSale runs the same pricing and change computation as CreateSale
// against a read-only snapshot. Nothing is written.
func (s *Service) PreviewSale(ctx context.Context, req domain.SaleRequest) (*domain.PreviewResult, error) {
	req, err := s.prepareSale(req)
	if err != nil {
		return nil, err
	}

	var preview *domain.PreviewResult
	err = s.repo.Snapshot(ctx, func(r store.Reader) error {
		q, err := priceSale(ctx, r, req)
		if err != nil {
			return err
		}
		denoms, err := r.ListDenominations(ctx)
		if err != nil {
			return err
		}
		available, err := ledger.WithTendered(ledger.ToCounts(denoms), req.CashDenominations)
		if err != nil {
			return err
		}
		result := change.Make(q.balance, available)
		if err := result.Err(); err != nil {
			return err
		}

		breakdown := result.Breakdown
		if breakdown == nil {
			breakdown = []domain.ChangeItem{}
		}
		preview = &domain.PreviewResult{
			Invoice:                q.invoice(req, result.Map()),
			ChangeBreakdown:        breakdown,
			AvailableDenominations: available,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

func (s *Service) findByIdempotency(ctx context.Context, key string) (*domain.Invoice, error) {
	var found *domain.Invoice
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		invoice, err := tx.FindInvoiceByIdempotency(ctx, key)
		if err != nil {
			return err
		}
		found = invoice
		return nil
	})
	return found, err
}

// afterCommit fans a committed invoice out to the notifier and the cache.
// Neither may fail the sale.
func (s *Service) afterCommit(ctx context.Context, invoice *domain.Invoice) {
	log := s.log(ctx)
	if err := s.notifier.InvoiceCreated(ctx, *invoice); err != nil {
		log.Warn("invoice notification failed", zap.String("invoice_id", invoice.ID), zap.Error(err))
	}
	if err := s.cache.Set(ctx, invoice, s.cacheTTL); err != nil {
		log.Warn("invoice cache set failed", zap.String("invoice_id", invoice.ID), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, fields ...zap.Field) {
	if actor, ok := ActorFromContext(ctx); ok {
		fields = append(fields, zap.String("actor", actor.Username), zap.String("role", actor.Role))
	}
	s.log(ctx).Info("audit "+action, fields...)
}

// prepareSale validates a request and returns a normalized copy.
func (s *Service) prepareSale(req domain.SaleRequest) (domain.SaleRequest, error) {
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := s.validate.Struct(req); err != nil {
		return req, domain.InvalidSalef("%s", describeValidation(err))
	}

	items, err := normalizeItems(req.Items)
	if err != nil {
		return req, err
	}
	req.Items = items

	if req.CashReceived.IsNegative() {
		return req, domain.InvalidSalef("cash_paid must not be negative")
	}
	for value, count := range req.CashDenominations {
		if value <= 0 {
			return req, domain.InvalidSalef("cash_denominations has non-positive value %d", value)
		}
		if count < 0 {
			return req, domain.InvalidSalef("cash_denominations has negative count for %d", value)
		}
		if count > maxCount {
			return req, domain.InvalidSalef("cash_denominations count for %d exceeds %d", value, maxCount)
		}
	}
	tendered := domain.CountsTotal(req.CashDenominations)
	if !tendered.Equal(req.CashReceived) {
		return req, domain.InvalidSalef("cash_denominations total %s does not match cash_paid %s",
			tendered.String(), req.CashReceived.String())
	}
	req.CashDenominations = domain.CloneCounts(req.CashDenominations)
	return req, nil
}

// normalizeItems merges repeated product lines, keeping the order in which
// each product first appears.
func normalizeItems(items []domain.SaleItem) ([]domain.SaleItem, error) {
	index := make(map[string]int, len(items))
	out := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, domain.InvalidSalef("items.product_id is required")
		}
		if item.Quantity <= 0 {
			return nil, domain.InvalidSalef("items.quantity must be at least 1 for %s", id)
		}
		if item.Quantity > maxCount {
			return nil, domain.InvalidSalef("items.quantity exceeds %d for %s", maxCount, id)
		}
		if i, ok := index[id]; ok {
			if out[i].Quantity > maxCount-item.Quantity {
				return nil, domain.InvalidSalef("items.quantity exceeds %d for %s", maxCount, id)
			}
			out[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, domain.SaleItem{ProductID: id, Quantity: item.Quantity})
	}
	return out, nil
}

// priceSale looks up every product and settles the totals against the cash
// received. It reads only, so it serves both the sale and the preview.
func priceSale(ctx context.Context, products productReader, req domain.SaleRequest) (quote, error) {
	q := quote{
		lines:           make([]domain.InvoiceLine, 0, len(req.Items)),
		totalWithoutTax: decimal.Zero,
		totalTax:        decimal.Zero,
	}
	for _, item := range req.Items {
		product, err := products.GetProduct(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return quote{}, &domain.ProductError{ProductID: item.ProductID, Err: domain.ErrUnknownProduct}
			}
			return quote{}, err
		}
		line := priceLine(product, item.Quantity)
		q.totalWithoutTax = q.totalWithoutTax.Add(line.PurchasePrice)
		q.totalTax = q.totalTax.Add(line.TaxPayable)
		q.lines = append(q.lines, line)
	}

	q.net = q.totalWithoutTax.Add(q.totalTax)
	rounded, balance, err := settle(q.net, req.CashReceived)
	if err != nil {
		return quote{}, err
	}
	q.rounded, q.balance = rounded, balance
	return q, nil
}

func priceLine(product *domain.Product, qty int) domain.InvoiceLine {
	purchase := product.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	tax := purchase.Mul(product.TaxRate).Div(hundred).Round(moneyScale)
	return domain.InvoiceLine{
		ProductID:     product.ProductID,
		ProductName:   product.Name,
		Quantity:      qty,
		UnitPrice:     product.UnitPrice,
		PurchasePrice: purchase,
		TaxRate:       product.TaxRate,
		TaxPayable:    tax,
		TotalPrice:    purchase.Add(tax),
	}
}

// settle floors the net price to a whole amount and returns the change owed.
// Fractional or out of range amounts are rejected rather than truncated.
func settle(net decimal.Decimal, cash decimal.Decimal) (int64, int64, error) {
	if !cash.Equal(cash.Truncate(0)) {
		return 0, 0, domain.InvalidSalef("cash_paid must be a whole amount")
	}
	if cash.GreaterThan(maxWhole) {
		return 0, 0, domain.InvalidSalef("cash_paid exceeds %s", maxWhole.String())
	}
	floored := net.Floor()
	if floored.GreaterThan(maxWhole) || floored.IsNegative() {
		return 0, 0, domain.InvalidSalef("net price %s is out of range", net.String())
	}
	balance := cash.Sub(floored)
	if balance.IsNegative() {
		return 0, 0, domain.ErrInsufficientPayment
	}
	return floored.IntPart(), balance.IntPart(), nil
}

func (q quote) invoice(req domain.SaleRequest, changeGiven map[int64]int) domain.Invoice {
	cash := domain.CloneCounts(req.CashDenominations)
	if cash == nil {
		cash = map[int64]int{}
	}
	return domain.Invoice{
		IdempotencyKey:      req.IdempotencyKey,
		CustomerEmail:       req.CustomerEmail,
		TotalWithoutTax:     q.totalWithoutTax,
		TotalTax:            q.totalTax,
		NetPrice:            q.net,
		RoundedNetPrice:     q.rounded,
		CashReceived:        req.CashReceived,
		BalancePayable:      decimal.NewFromInt(q.balance),
		CashDenominations:   cash,
		ChangeDenominations: changeGiven,
		Lines:               q.lines,
	}
}
