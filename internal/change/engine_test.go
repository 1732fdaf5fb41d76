package change

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nithinbarath/billing-system/internal/domain"
)

func fullLadder(count int) map[int64]int {
	return map[int64]int{500: count, 100: count, 50: count, 20: count, 10: count, 5: count, 2: count, 1: count}
}

func TestMakeGreedyBreakdown(t *testing.T) {
	res := Make(37, map[int64]int{20: 5, 10: 5, 5: 5, 2: 5, 1: 5})

	require.True(t, res.Exact())
	assert.Equal(t, []domain.ChangeItem{
		{Value: 20, Count: 1},
		{Value: 10, Count: 1},
		{Value: 5, Count: 1},
		{Value: 2, Count: 1},
	}, res.Breakdown)
	assert.NoError(t, res.Err())
	assert.Equal(t, int64(37), res.Total())
}

func TestMakeReportsShortfall(t *testing.T) {
	res := Make(1000, map[int64]int{500: 1})

	assert.False(t, res.Exact())
	assert.Equal(t, int64(500), res.Remainder)
	assert.Equal(t, []domain.ChangeItem{{Value: 500, Count: 1}}, res.Breakdown)

	err := res.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientChangeStock)
	var shortfall *domain.ChangeShortfallError
	require.ErrorAs(t, err, &shortfall)
	assert.Equal(t, int64(500), shortfall.Remainder)
}

func TestMakeDoesNotSubstituteSmallerNotes(t *testing.T) {
	// Greedy on a non-canonical stock: 6 = 5 + 1 but there is no 1.
	res := Make(6, map[int64]int{5: 1, 2: 3})

	assert.Equal(t, int64(1), res.Remainder)
	assert.Equal(t, []domain.ChangeItem{{Value: 5, Count: 1}}, res.Breakdown)
}

func TestMakeLimitsByAvailableStock(t *testing.T) {
	res := Make(260, map[int64]int{100: 1, 50: 2, 20: 10, 10: 0})

	require.True(t, res.Exact())
	assert.Equal(t, []domain.ChangeItem{
		{Value: 100, Count: 1},
		{Value: 50, Count: 2},
		{Value: 20, Count: 3},
	}, res.Breakdown)
}

func TestMakeZeroTarget(t *testing.T) {
	res := Make(0, fullLadder(3))

	assert.True(t, res.Exact())
	assert.Empty(t, res.Breakdown)
	assert.Empty(t, res.Map())
}

func TestMakeEmptyRegister(t *testing.T) {
	res := Make(15, map[int64]int{})

	assert.Equal(t, int64(15), res.Remainder)
	assert.Empty(t, res.Breakdown)
}

func TestMakeUsesConfiguredLadder(t *testing.T) {
	// A ladder that includes a 200 note is honored without code changes.
	res := Make(700, map[int64]int{500: 1, 200: 1, 100: 5})

	require.True(t, res.Exact())
	assert.Equal(t, map[int64]int{500: 1, 200: 1}, res.Map())
}

func TestMakeDoesNotMutateInput(t *testing.T) {
	available := fullLadder(2)
	before := domain.CloneCounts(available)

	_ = Make(1288, available)

	assert.Equal(t, before, available)
}

func TestMakeIsDeterministic(t *testing.T) {
	available := map[int64]int{500: 1, 100: 4, 50: 1, 20: 2, 10: 3, 5: 1, 2: 4, 1: 2}
	first := Make(873, available)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Make(873, available))
	}
}

func TestMakeExactResultsPayTargetWithinStock(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := []int64{500, 100, 50, 20, 10, 5, 2, 1}

	for i := 0; i < 500; i++ {
		available := make(map[int64]int, len(values))
		for _, v := range values {
			available[v] = rng.Intn(4)
		}
		target := int64(rng.Intn(2000))

		res := Make(target, available)
		if !res.Exact() {
			assert.Greater(t, res.Remainder, int64(0))
			continue
		}
		assert.Equal(t, target, res.Total())
		for _, item := range res.Breakdown {
			assert.LessOrEqual(t, item.Count, available[item.Value])
			assert.Greater(t, item.Count, 0)
		}
		for j := 1; j < len(res.Breakdown); j++ {
			assert.Greater(t, res.Breakdown[j-1].Value, res.Breakdown[j].Value)
		}
	}
}
