package cache

import (
	"context"
	"time"

	"github.com/nithinbarath/billing-system/internal/domain"
)

// InvoiceCache is a read-through cache for committed invoices. Invoices are
// immutable, so entries never need invalidation; the TTL only bounds memory.
type InvoiceCache interface {
	Get(ctx context.Context, id string) (*domain.Invoice, bool, error)
	Set(ctx context.Context, invoice *domain.Invoice, ttl time.Duration) error
}

type NoopInvoiceCache struct{}

func (NoopInvoiceCache) Get(_ context.Context, _ string) (*domain.Invoice, bool, error) {
	return nil, false, nil
}

func (NoopInvoiceCache) Set(_ context.Context, _ *domain.Invoice, _ time.Duration) error {
	return nil
}
