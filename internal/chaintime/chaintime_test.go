package chaintime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockNumber_NextPrevious(t *testing.T) {
	t.Run("next saturates at max", func(t *testing.T) {
		assert.Equal(t, BlockNumber(math.MaxUint32), BlockNumber(math.MaxUint32).Next())
		assert.Equal(t, BlockNumber(2), BlockNumber(1).Next())
	})
	t.Run("previous saturates at zero", func(t *testing.T) {
		assert.Equal(t, BlockNumber(0), BlockNumber(0).Previous())
		assert.Equal(t, BlockNumber(1), BlockNumber(2).Previous())
	})
	t.Run("add saturates", func(t *testing.T) {
		assert.Equal(t, BlockNumber(math.MaxUint32), BlockNumber(math.MaxUint32-1).Add(5))
		assert.Equal(t, BlockNumber(15), BlockNumber(10).Add(5))
	})
}

func TestLeasePeriod_Add(t *testing.T) {
	assert.Equal(t, LeasePeriod(7), LeasePeriod(0).Add(7))
	assert.Equal(t, LeasePeriod(math.MaxUint32), LeasePeriod(math.MaxUint32).Add(1))
	assert.Equal(t, LeasePeriod(math.MaxUint32), LeasePeriod(math.MaxUint32).Next())
}

func TestClock_LeasePeriodOf(t *testing.T) {
	clock, err := NewClock(10, 5)
	require.NoError(t, err)

	tests := []struct {
		block      BlockNumber
		period     LeasePeriod
		firstBlock bool
	}{
		{5, 0, true},
		{6, 0, false},
		{14, 0, false},
		{15, 1, true},
		{104, 9, false},
	}
	for _, tc := range tests {
		period, first, err := clock.LeasePeriodOf(tc.block)
		require.NoError(t, err)
		assert.Equal(t, tc.period, period, "block %d", tc.block)
		assert.Equal(t, tc.firstBlock, first, "block %d", tc.block)
	}

	_, _, err = clock.LeasePeriodOf(4)
	require.ErrorIs(t, err, ErrBeforeLeaseOffset)

	assert.Equal(t, BlockNumber(25), clock.PeriodStart(2))
}

func TestNewClock_ZeroLength(t *testing.T) {
	_, err := NewClock(0, 0)
	require.ErrorIs(t, err, ErrZeroLeasePeriodLength)

	_, _, err = Clock{}.LeasePeriodOf(1)
	require.ErrorIs(t, err, ErrZeroLeasePeriodLength)
}
