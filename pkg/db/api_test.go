package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{2}, PrefixEnd([]byte{1}))
	assert.Equal(t, []byte{1, 3}, PrefixEnd([]byte{1, 2}))
	assert.Equal(t, []byte{2}, PrefixEnd([]byte{1, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
