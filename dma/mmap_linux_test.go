//go:build linux

package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmap(t *testing.T) {
	m := NewMmap(0)
	assert.Equal(t, DefaultMapRegisters, m.MapRegisters())

	b, err := m.AllocateCommonBuffer(100)
	require.NoError(t, err)
	assert.Len(t, b.Mem, 100)
	assert.Zero(t, b.Phys%PageSize)

	b.Mem[99] = 7
	s, err := m.Slice(b.Phys+99, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(7), s[0])

	_, err = m.Slice(b.Phys+PageSize, 1)
	assert.ErrorIs(t, err, ErrBadAddress)

	require.NoError(t, m.FreeCommonBuffer(b))
	assert.ErrorIs(t, m.FreeCommonBuffer(b), ErrUnknownBuffer)

	_, err = m.AllocateCommonBuffer(10)
	require.NoError(t, err)
	require.NoError(t, m.Close())
}
