package primitives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedAccount(t *testing.T) {
	alice := NamedAccount("alice")
	assert.Equal(t, alice, NamedAccount("alice"))
	assert.NotEqual(t, alice, NamedAccount("bob"))
}

func TestSubAccount(t *testing.T) {
	a := SubAccount("modlcrowdloan", 2000)
	b := SubAccount("modlcrowdloan", 2001)
	assert.NotEqual(t, a, b)
	assert.Equal(t, []byte("modlcrowdloan"), a[:13])
	assert.Equal(t, []byte{0xd0, 0x07, 0, 0}, a[13:17])
}

func TestParseAccountID(t *testing.T) {
	alice := NamedAccount("alice")

	parsed, err := ParseAccountID("0x" + alice.Hex())
	require.NoError(t, err)
	assert.Equal(t, alice, parsed)

	_, err = ParseAccountID("abcd")
	require.Error(t, err)

	_, err = ParseAccountID("zz")
	require.Error(t, err)
}

func TestAccountCompare(t *testing.T) {
	a := AccountID{1}
	b := AccountID{2}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}
