package slotrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/slotauction/internal/chaintime"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seen := make(map[ID]SlotRange)
	for first := uint8(0); first < LeasePeriodsPerSlot; first++ {
		for last := first; last < LeasePeriodsPerSlot; last++ {
			id, err := Encode(first, last)
			require.NoError(t, err)
			require.Less(t, int(id), Count)

			prev, dup := seen[id]
			require.False(t, dup, "id %d reused by %v and (%d,%d)", id, prev, first, last)
			seen[id] = SlotRange{First: first, Last: last}

			r, err := Decode(id)
			require.NoError(t, err)
			assert.Equal(t, SlotRange{First: first, Last: last}, r)
		}
	}
	assert.Len(t, seen, Count)
}

func TestEncodeOrdering(t *testing.T) {
	tests := []struct {
		first, last uint8
		want        ID
	}{
		{0, 0, 0},
		{0, 7, 7},
		{1, 1, 8},
		{1, 7, 14},
		{2, 2, 15},
		{6, 7, 34},
		{7, 7, 35},
	}
	for _, tc := range tests {
		id, err := Encode(tc.first, tc.last)
		require.NoError(t, err)
		assert.Equal(t, tc.want, id, "(%d,%d)", tc.first, tc.last)
	}
}

func TestEncodeInvalid(t *testing.T) {
	tests := []struct {
		name        string
		first, last uint8
	}{
		{"first after last", 3, 2},
		{"last out of window", 0, 8},
		{"both out of window", 8, 9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.first, tc.last)
			require.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode(Count)
	require.ErrorIs(t, err, ErrInvalidRangeID)
	_, err = Decode(255)
	require.ErrorIs(t, err, ErrInvalidRangeID)
}

func TestLenAndCompare(t *testing.T) {
	short := SlotRange{First: 0, Last: 3}
	long := SlotRange{First: 0, Last: 7}
	assert.Equal(t, uint32(4), short.Len())
	assert.Equal(t, uint32(8), long.Len())
	assert.Equal(t, 1, long.Compare(short))
	assert.Equal(t, -1, short.Compare(long))
	assert.Equal(t, 0, short.Compare(short))

	// Equal length: the smaller id wins.
	early := SlotRange{First: 0, Last: 1}
	late := SlotRange{First: 2, Last: 3}
	assert.Equal(t, 1, early.Compare(late))
}

func TestIntersectsContains(t *testing.T) {
	a := SlotRange{First: 0, Last: 3}
	b := SlotRange{First: 3, Last: 5}
	c := SlotRange{First: 4, Last: 7}
	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	assert.True(t, b.Intersects(c))
	assert.True(t, a.Contains(3))
	assert.False(t, a.Contains(4))
}

func TestPeriods(t *testing.T) {
	first, last := SlotRange{First: 2, Last: 5}.Periods(chaintime.LeasePeriod(10))
	assert.Equal(t, chaintime.LeasePeriod(12), first)
	assert.Equal(t, chaintime.LeasePeriod(15), last)
}

func TestAllAndWithin(t *testing.T) {
	all := All()
	require.Len(t, all, Count)
	for i, r := range all {
		assert.Equal(t, ID(i), r.ID())
		require.NoError(t, r.Validate())
	}

	// A four period auction offers 10 ranges.
	assert.Len(t, Within(4), 10)
	assert.Len(t, Within(LeasePeriodsPerSlot), Count)
	assert.Empty(t, Within(0))
}
