package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Para    uint32
	Leaser  [32]byte
	Deposit uint64
	Retired bool
	Periods []uint32
}

func TestSCALECodec(t *testing.T) {
	c := &SCALECodec{}

	in := record{
		Para:    2000,
		Leaser:  [32]byte{1, 2, 3},
		Deposit: 150,
		Retired: true,
		Periods: []uint32{4, 5, 6},
	}
	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestSCALECodec_FixedWidthLayout(t *testing.T) {
	b, err := Default.Marshal(uint32(2000))
	require.NoError(t, err)
	// Little endian fixed width
	assert.Equal(t, []byte{0xd0, 0x07, 0x00, 0x00}, b)
}

func TestSCALECodec_UnmarshalTruncated(t *testing.T) {
	var out record
	err := Default.Unmarshal([]byte{0x01}, &out)
	require.Error(t, err)
}
