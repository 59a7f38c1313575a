package origin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/slotauction/internal/primitives"
)

func TestStatic(t *testing.T) {
	gov := primitives.NamedAccount("governance")
	alice := primitives.NamedAccount("alice")

	auth := NewStatic(gov)
	assert.True(t, auth.IsPrivileged(RootOrigin()))
	assert.True(t, auth.IsPrivileged(Signed(gov)))
	assert.False(t, auth.IsPrivileged(Signed(alice)))

	auth.Grant(alice)
	assert.True(t, auth.IsPrivileged(Signed(alice)))
}

func TestEnsure(t *testing.T) {
	auth := NewStatic()
	require.NoError(t, Ensure(auth, RootOrigin()))
	require.ErrorIs(t, Ensure(auth, Signed(primitives.NamedAccount("bob"))), ErrNotPrivileged)
	require.ErrorIs(t, Ensure(nil, RootOrigin()), ErrNotPrivileged)
}
