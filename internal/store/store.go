package store

import (
	"context"
	"errors"

	"github.com/nithinbarath/billing-system/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNegativeCount is returned when a denomination adjustment would take
	// its count below zero. Stores reject it without writing.
	ErrNegativeCount = errors.New("denomination count would become negative")
	ErrConflict      = errors.New("conflict")
)

// DenominationStore is the persistence contract behind the denomination ledger.
type DenominationStore interface {
	// ListDenominations returns every configured face value, largest first.
	ListDenominations(ctx context.Context) ([]domain.Denomination, error)
	// AdjustDenomination adds delta to the count of value and returns the new
	// count. ErrNotFound for an unknown value, ErrNegativeCount if the result
	// would be negative.
	AdjustDenomination(ctx context.Context, value int64, delta int) (int, error)
	SetDenominationCount(ctx context.Context, value int64, count int) error
}

type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	// DecrementStock subtracts qty without a floor check.
	DecrementStock(ctx context.Context, productID string, qty int) (int, error)
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error)
}

// Tx is the set of stores visible inside one transaction scope.
type Tx interface {
	DenominationStore
	ProductStore
	InvoiceStore
}

// Reader is the read side used by snapshots.
type Reader interface {
	ListDenominations(ctx context.Context) ([]domain.Denomination, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

type Repository interface {
	// WithinTx runs fn in a single serializable transaction. A non-nil error
	// from fn rolls back every write made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// Snapshot runs fn against a consistent read-only view. Nothing is locked
	// beyond the read itself.
	Snapshot(ctx context.Context, fn func(r Reader) error) error

	SeedDenominations(ctx context.Context, values []int64) error

	ListProducts(ctx context.Context, offset int, limit int) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListInvoices(ctx context.Context, offset int, limit int) ([]domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)

	// DashboardStats aggregates invoice and stock figures. Products with
	// fewer than lowStock units count as low on stock.
	DashboardStats(ctx context.Context, lowStock int, recent int) (domain.DashboardStats, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
