// Package change computes which notes to hand back for a given amount using
// only the notes a register actually holds.
package change

import (
	"sort"

	"github.com/nithinbarath/billing-system/internal/domain"
)

// Result is the outcome of a change computation. A non-zero Remainder means
// the register cannot pay the target exactly.
type Result struct {
	Breakdown []domain.ChangeItem
	Remainder int64
}

// Exact reports whether the breakdown covers the whole target.
func (r Result) Exact() bool {
	return r.Remainder == 0
}

// Err returns a *domain.ChangeShortfallError when the result is not exact.
func (r Result) Err() error {
	if r.Exact() {
		return nil
	}
	return &domain.ChangeShortfallError{Remainder: r.Remainder}
}

// Map renders the breakdown keyed by face value.
func (r Result) Map() map[int64]int {
	out := make(map[int64]int, len(r.Breakdown))
	for _, item := range r.Breakdown {
		out[item.Value] = item.Count
	}
	return out
}

// Total is the amount the breakdown pays out.
func (r Result) Total() int64 {
	var total int64
	for _, item := range r.Breakdown {
		total += item.Value * int64(item.Count)
	}
	return total
}

// Make runs a constrained greedy pass over the face values present in
// available, largest first, never handing out more notes than are held.
// The face values come from the keys of available so the ladder is whatever
// the register is configured with. available is not modified.
func Make(target int64, available map[int64]int) Result {
	if target <= 0 {
		return Result{}
	}

	values := make([]int64, 0, len(available))
	for value := range available {
		if value > 0 {
			values = append(values, value)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })

	remaining := target
	breakdown := make([]domain.ChangeItem, 0, len(values))
	for _, value := range values {
		if remaining == 0 {
			break
		}
		needed := remaining / value
		if needed == 0 {
			continue
		}
		give := int64(available[value])
		if needed < give {
			give = needed
		}
		if give <= 0 {
			continue
		}
		breakdown = append(breakdown, domain.ChangeItem{Value: value, Count: int(give)})
		remaining -= give * value
	}

	return Result{Breakdown: breakdown, Remainder: remaining}
}
