package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/store"
)

var defaultLadder = []int64{1, 2, 5, 10, 20, 50, 100, 500}

func TestNewSeededLedgerStartsEmpty(t *testing.T) {
	s := NewSeeded(defaultLadder)

	err := s.Snapshot(context.Background(), func(r store.Reader) error {
		denoms, err := r.ListDenominations(context.Background())
		require.NoError(t, err)
		require.Len(t, denoms, len(defaultLadder))
		assert.Equal(t, int64(500), denoms[0].Value)
		assert.Equal(t, int64(1), denoms[len(denoms)-1].Value)
		for _, d := range denoms {
			assert.Zero(t, d.Count)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustDenomination(ctx, 100, 3); err != nil {
			return err
		}
		if _, err := tx.DecrementStock(ctx, "PRD002", 5); err != nil {
			return err
		}
		_, err := tx.CreateInvoice(ctx, domain.Invoice{CustomerEmail: "a@example.com", IdempotencyKey: "k-1"})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 3, denominationCount(t, s, 100))
	product, err := s.GetProduct(ctx, "PRD002")
	require.NoError(t, err)
	assert.Equal(t, 195, product.AvailableStock)

	invoices, err := s.ListInvoices(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.NotEmpty(t, invoices[0].ID)
	assert.False(t, invoices[0].CreatedAt.IsZero())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, _ = tx.AdjustDenomination(ctx, 50, 7)
		_, _ = tx.DecrementStock(ctx, "PRD001", 2)
		_, _ = tx.CreateInvoice(ctx, domain.Invoice{CustomerEmail: "a@example.com"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 0, denominationCount(t, s, 50))
	product, err := s.GetProduct(ctx, "PRD001")
	require.NoError(t, err)
	assert.Equal(t, 50, product.AvailableStock)
	invoices, err := s.ListInvoices(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestAdjustDenominationGuards(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustDenomination(ctx, 2000, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = tx.AdjustDenomination(ctx, 10, -1)
		assert.ErrorIs(t, err, store.ErrNegativeCount)

		assert.ErrorIs(t, tx.SetDenominationCount(ctx, 10, -1), store.ErrNegativeCount)
		assert.ErrorIs(t, tx.SetDenominationCount(ctx, 3, 1), store.ErrNotFound)
		return tx.SetDenominationCount(ctx, 10, 4)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, denominationCount(t, s, 10))
}

func TestDecrementStockHasNoFloor(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	var remaining int
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		remaining, err = tx.DecrementStock(ctx, "PRD004", 31)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, -1, remaining)
}

func TestDuplicateIdempotencyKeyConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()

	create := func() error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.CreateInvoice(ctx, domain.Invoice{IdempotencyKey: "same"})
			return err
		})
	}
	require.NoError(t, create())
	assert.ErrorIs(t, create(), store.ErrConflict)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		found, err := tx.FindInvoiceByIdempotency(ctx, "same")
		require.NoError(t, err)
		assert.Equal(t, "same", found.IdempotencyKey)
		_, err = tx.FindInvoiceByIdempotency(ctx, "other")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestReturnedInvoicesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	var id string
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		inv, err := tx.CreateInvoice(ctx, domain.Invoice{
			CashDenominations: map[int64]int{100: 1},
			Lines:             []domain.InvoiceLine{{ProductID: "PRD001"}},
		})
		id = inv.ID
		return err
	}))

	got, err := s.GetInvoice(ctx, id)
	require.NoError(t, err)
	got.CashDenominations[100] = 99
	got.Lines[0].ProductID = "changed"

	again, err := s.GetInvoice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, again.CashDenominations[100])
	assert.Equal(t, "PRD001", again.Lines[0].ProductID)
}

func TestInvoiceLogIsNotCopiedPerScope(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.CreateInvoice(ctx, domain.Invoice{RoundedNetPrice: 1})
			return err
		}))
	}
	assert.Len(t, s.invoices.order, 200)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateInvoice(ctx, domain.Invoice{IdempotencyKey: "pending"}); err != nil {
			return err
		}
		found, err := tx.FindInvoiceByIdempotency(ctx, "pending")
		require.NoError(t, err)
		assert.Equal(t, "pending", found.IdempotencyKey)

		_, err = tx.CreateInvoice(ctx, domain.Invoice{IdempotencyKey: "pending"})
		assert.ErrorIs(t, err, store.ErrConflict)

		listed, err := s.ListInvoices(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, listed, 200)
		return errors.New("abort")
	})
	require.Error(t, err)

	invoices, err := s.ListInvoices(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, invoices, 200)
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.FindInvoiceByIdempotency(ctx, "pending")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	stats, err := s.DashboardStats(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 200, stats.TotalInvoices)
	assert.Equal(t, int64(200), stats.Revenue)
}

func TestListInvoicesPagesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, amount := range []int64{1, 2, 3, 4} {
		amount := amount
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.CreateInvoice(ctx, domain.Invoice{RoundedNetPrice: amount})
			return err
		}))
	}

	invoices, err := s.ListInvoices(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, int64(3), invoices[0].RoundedNetPrice)
	assert.Equal(t, int64(2), invoices[1].RoundedNetPrice)

	invoices, err = s.ListInvoices(ctx, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, invoices)

	invoices, err = s.ListInvoices(ctx, -1, 0)
	require.NoError(t, err)
	assert.Len(t, invoices, 4)
}

func TestConcurrentScopesDoNotLoseUpdates(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(tx store.Tx) error {
				_, err := tx.AdjustDenomination(ctx, 20, 1)
				return err
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, denominationCount(t, s, 20))
}

func TestSnapshotIsIsolatedFromLaterWrites(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx := context.Background()

	err := s.Snapshot(ctx, func(r store.Reader) error {
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.AdjustDenomination(ctx, 5, 9)
			return err
		}))
		denoms, err := r.ListDenominations(ctx)
		require.NoError(t, err)
		for _, d := range denoms {
			if d.Value == 5 {
				assert.Zero(t, d.Count)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, denominationCount(t, s, 5))
}

func TestCanceledContextDoesNotCommit(t *testing.T) {
	s := NewSeeded(defaultLadder)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustDenomination(ctx, 1, 1)
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, denominationCount(t, s, 1))
}

func TestSeedDenominationsKeepsExistingCounts(t *testing.T) {
	s := NewSeeded([]int64{10})
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetDenominationCount(ctx, 10, 6)
	}))

	require.NoError(t, s.SeedDenominations(ctx, []int64{10, 200}))
	assert.Equal(t, 6, denominationCount(t, s, 10))
	assert.Equal(t, 0, denominationCount(t, s, 200))

	assert.Error(t, s.SeedDenominations(ctx, []int64{0}))
}

func TestProductsAndPaging(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	products, err := s.ListProducts(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "PRD002", products[0].ProductID)

	products, err = s.ListProducts(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, products)

	_, err = s.CreateProduct(ctx, domain.Product{ProductID: "PRD001"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateProduct(ctx, domain.Product{ProductID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := s.UpdateProduct(ctx, domain.Product{ProductID: "PRD003", Name: "Hub", AvailableStock: 1})
	require.NoError(t, err)
	assert.False(t, updated.CreatedAt.IsZero())
}

func TestDashboardStats(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	for _, amount := range []int64{10, 32} {
		amount := amount
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
			_, err := tx.CreateInvoice(ctx, domain.Invoice{CustomerEmail: "c@example.com", RoundedNetPrice: amount})
			return err
		}))
	}

	stats, err := s.DashboardStats(ctx, 40, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalInvoices)
	assert.Equal(t, int64(42), stats.Revenue)
	assert.Equal(t, 5, stats.TotalProducts)
	assert.Equal(t, 1, stats.LowStockCount)
	require.Len(t, stats.RecentInvoices, 1)
	assert.Equal(t, int64(32), stats.RecentInvoices[0].Amount)
}

func TestUsers(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: " Admin ", Password: "hash"}))
	assert.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: "x"}), store.ErrConflict)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Username)
	assert.Equal(t, "admin", users[0].Role)
	assert.True(t, users[0].Active)

	require.NoError(t, s.UpdateUserPassword(ctx, "ADMIN", "new"))
	assert.ErrorIs(t, s.UpdateUserPassword(ctx, "ghost", "x"), store.ErrNotFound)
}

func denominationCount(t *testing.T, s *Store, value int64) int {
	t.Helper()
	count := -1
	err := s.Snapshot(context.Background(), func(r store.Reader) error {
		denoms, err := r.ListDenominations(context.Background())
		if err != nil {
			return err
		}
		for _, d := range denoms {
			if d.Value == value {
				count = d.Count
			}
		}
		return nil
	})
	require.NoError(t, err)
	return count
}
