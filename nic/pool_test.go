package nic

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

func TestBufferPool_PayloadAlignment(t *testing.T) {
	for misalign := range 8 {
		h := dma.NewHeap(dma.WithMisalignment(misalign))
		p := NewBufferPool(h, 64, 1)

		b, err := p.Acquire()
		require.NoError(t, err)

		va := uintptr(unsafe.Pointer(&b.Payload()[0]))
		assert.Zero(t, va%hw.DataAlign, "misalign=%d", misalign)
		assert.Len(t, b.Payload(), 64)
		assert.Equal(t, (hw.DataAlign-misalign)%hw.DataAlign, b.Shift(), "misalign=%d", misalign)

		// The bus address is adjusted by the same shift as the virtual one.
		assert.Equal(t, b.block.Phys+uint64(b.Shift()+hw.RFDShiftOffset), b.Phys())
		assert.Zero(t, (b.Phys()+hw.RFDHeaderSize)%hw.DataAlign)

		// The header is ready for the device.
		assert.Equal(t, uint16(64), b.rfd.Size())
		assert.Zero(t, b.rfd.Status())
	}
}

func TestBufferPool_Capacity(t *testing.T) {
	h := dma.NewHeap()
	p := NewBufferPool(h, 64, 2)

	a, err := p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)

	p.Release(a)
	assert.Equal(t, 1, p.Free())
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.Equal(t, 2, p.Allocated())
	assert.Equal(t, 2, h.Allocations())
}

func TestBufferPool_AllocatorFailure(t *testing.T) {
	p := NewBufferPool(dma.NewHeap(dma.WithAllocationLimit(1)), 64, 4)
	_, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, dma.ErrExhausted)
	assert.Equal(t, 1, p.Allocated())
}

func TestBufferPool_Close(t *testing.T) {
	h := dma.NewHeap()
	p := NewBufferPool(h, 64, 4)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	err = p.Close()
	assert.ErrorIs(t, err, ErrNotQuiescent)
	assert.Equal(t, 1, h.Outstanding())

	p.Release(b)
	require.NoError(t, p.Close())
	assert.Zero(t, h.Outstanding())
	assert.Zero(t, p.Allocated())
}
