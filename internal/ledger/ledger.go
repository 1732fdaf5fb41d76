// Package ledger is the denomination ledger: the count of every note the
// register holds, keyed by face value. It only ever writes through the
// transaction-scoped store it is given, so its changes commit or roll back
// with the enclosing scope.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/store"
)

type Ledger struct {
	store store.DenominationStore
}

func New(s store.DenominationStore) *Ledger {
	return &Ledger{store: s}
}

// All returns every denomination, largest face value first.
func (l *Ledger) All(ctx context.Context) ([]domain.Denomination, error) {
	denoms, err := l.store.ListDenominations(ctx)
	if err != nil {
		return nil, err
	}
	domain.SortDenominationsDesc(denoms)
	return denoms, nil
}

// Available returns the current counts keyed by face value.
func (l *Ledger) Available(ctx context.Context) (map[int64]int, error) {
	denoms, err := l.store.ListDenominations(ctx)
	if err != nil {
		return nil, err
	}
	return ToCounts(denoms), nil
}

func (l *Ledger) Credit(ctx context.Context, value int64, amount int) error {
	if amount < 0 {
		return domain.InvalidSalef("credit amount for %d must not be negative", value)
	}
	if _, err := l.store.AdjustDenomination(ctx, value, amount); err != nil {
		return translate(value, err)
	}
	return nil
}

func (l *Ledger) Debit(ctx context.Context, value int64, amount int) error {
	if amount < 0 {
		return domain.InvalidSalef("debit amount for %d must not be negative", value)
	}
	if _, err := l.store.AdjustDenomination(ctx, value, -amount); err != nil {
		return translate(value, err)
	}
	return nil
}

// CreditAll credits every tendered note. Zero counts are skipped.
func (l *Ledger) CreditAll(ctx context.Context, counts map[int64]int) error {
	for _, value := range sortedValues(counts) {
		if counts[value] == 0 {
			continue
		}
		if err := l.Credit(ctx, value, counts[value]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) DebitAll(ctx context.Context, items []domain.ChangeItem) error {
	for _, item := range items {
		if err := l.Debit(ctx, item.Value, item.Count); err != nil {
			return err
		}
	}
	return nil
}

// Set overwrites the count of value. It is the administrative adjustment
// path, not used by sales.
func (l *Ledger) Set(ctx context.Context, value int64, count int) error {
	if count < 0 {
		return domain.InvalidSalef("count for %d must not be negative", value)
	}
	if err := l.store.SetDenominationCount(ctx, value, count); err != nil {
		return translate(value, err)
	}
	return nil
}

// ToCounts converts a denomination listing to a face value → count map.
func ToCounts(denoms []domain.Denomination) map[int64]int {
	counts := make(map[int64]int, len(denoms))
	for _, d := range denoms {
		counts[d.Value] = d.Count
	}
	return counts
}

// WithTendered returns a copy of available with the tendered notes added,
// the same arithmetic a real credit performs.
func WithTendered(available map[int64]int, tendered map[int64]int) (map[int64]int, error) {
	out := domain.CloneCounts(available)
	if out == nil {
		out = make(map[int64]int)
	}
	for _, value := range sortedValues(tendered) {
		count := tendered[value]
		if count == 0 {
			continue
		}
		if count < 0 {
			return nil, domain.InvalidSalef("credit amount for %d must not be negative", value)
		}
		if _, ok := out[value]; !ok {
			return nil, &domain.DenominationError{Value: value, Err: domain.ErrUnknownDenomination}
		}
		out[value] += count
	}
	return out, nil
}

func translate(value int64, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &domain.DenominationError{Value: value, Err: domain.ErrUnknownDenomination}
	case errors.Is(err, store.ErrNegativeCount):
		return &domain.DenominationError{Value: value, Err: domain.ErrInsufficientDenomination}
	default:
		return fmt.Errorf("denomination %d: %w", value, err)
	}
}

func sortedValues(counts map[int64]int) []int64 {
	values := make([]int64, 0, len(counts))
	for value := range counts {
		values = append(values, value)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })
	return values
}
