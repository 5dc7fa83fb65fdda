package nic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

func TestTxRing_InitializeCount(t *testing.T) {
	tests := []struct {
		name         string
		frameSize    int
		mapRegisters int
		requested    int
		hardMax      int
		want         int
		err          string
	}{
		{name: "requested", frameSize: 2048, mapRegisters: 128, requested: 32, hardMax: 64, want: 32},
		{name: "hard max", frameSize: 2048, mapRegisters: 1000, requested: 100, hardMax: 64, want: 64},
		{name: "map registers", frameSize: 2048, mapRegisters: 10, requested: 32, hardMax: 64, want: 5},
		{name: "large frames", frameSize: 8192, mapRegisters: 10, requested: 32, hardMax: 64, want: 3},
		{
			name: "insufficient", frameSize: 2048, mapRegisters: 1, requested: 32, hardMax: 64,
			err: "insufficient map registers: 1 available, 2 per transfer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := dma.NewHeap(dma.WithMapRegisters(tt.mapRegisters))
			r := NewTxRing(h, tt.frameSize, DefaultMaxFragments)
			n, err := r.Initialize(tt.requested, tt.hardMax)
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				assert.ErrorIs(t, err, ErrInsufficientMapRegisters)
				assert.Zero(t, h.Outstanding())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.want, r.Count())
		})
	}
}

func TestTxRing_Layout(t *testing.T) {
	const count, maxFrags = 4, 3
	r := NewTxRing(dma.NewHeap(), 256, maxFrags)
	_, err := r.Initialize(count, HardMaxTcbs)
	require.NoError(t, err)

	base := r.region.Phys
	assert.Len(t, r.region.Mem, count*hw.TCBSize+count*maxFrags*hw.TBDSize)
	for i := range count {
		b := r.Block(i)
		assert.Equal(t, base+uint64(i*hw.TCBSize), b.Phys())
		assert.Equal(t, base+uint64(count*hw.TCBSize+i*maxFrags*hw.TBDSize), b.tbdPhys)
		assert.Equal(t, b.tbdPhys, b.hwTCB.TBDArray())

		// The hardware chain mirrors the software ring, last to first.
		next := r.Block((i + 1) % count)
		assert.Equal(t, next.index, b.next)
		assert.Equal(t, next.Phys(), b.hwTCB.Link())
	}
}

func TestTxRing_BusyAndStrictOrder(t *testing.T) {
	r := NewTxRing(dma.NewHeap(), 256, DefaultMaxFragments)
	n, err := r.Initialize(2, HardMaxTcbs)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	w1, err := r.Allocate()
	require.NoError(t, err)
	w2, err := r.Allocate()
	require.NoError(t, err)

	_, err = r.Allocate()
	assert.ErrorIs(t, err, ErrBusy)

	// W2 completing before W1 is rejected and changes nothing.
	err = r.Free(w2)
	assert.ErrorIs(t, err, ErrOutOfOrderFree)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.Equal(t, 2, r.InUse())
	assert.Same(t, w1, r.Head())

	require.NoError(t, r.Free(w1))
	assert.ErrorIs(t, r.Free(w1), ErrBlockNotInUse)

	w3, err := r.Allocate()
	require.NoError(t, err)
	assert.Same(t, w1, w3, "the freed block is reused")

	require.NoError(t, r.Free(w2))
	require.NoError(t, r.Free(w3))
	assert.Nil(t, r.Head())
}

func TestTxRing_Teardown(t *testing.T) {
	h := dma.NewHeap()
	r := NewTxRing(h, 256, DefaultMaxFragments)
	_, err := r.Initialize(4, HardMaxTcbs)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Outstanding())

	b, err := r.Allocate()
	require.NoError(t, err)
	assert.ErrorIs(t, r.Teardown(), ErrNotQuiescent)

	require.NoError(t, r.Free(b))
	require.NoError(t, r.Teardown())
	assert.Zero(t, h.Outstanding())
}

func TestControlBlock_Load(t *testing.T) {
	const frameSize = 3 * dma.PageSize
	r := NewTxRing(dma.NewHeap(), frameSize, DefaultMaxFragments)
	_, err := r.Initialize(1, HardMaxTcbs)
	require.NoError(t, err)

	b, err := r.Allocate()
	require.NoError(t, err)

	p := make([]byte, 2*dma.PageSize+100)
	for i := range p {
		p[i] = byte(i)
	}
	require.NoError(t, b.load(p, DefaultMaxFragments))

	assert.True(t, b.localBuf)
	assert.Equal(t, p, b.local[:len(p)])
	assert.Equal(t, uint16(len(p)), b.hwTCB.ByteCount())
	assert.Equal(t, uint16(b.fragments), b.hwTCB.TBDCount())
	assert.Equal(t, hw.CmdTransmit|hw.CmdI|hw.CmdEL, b.hwTCB.Command())
	assert.Zero(t, b.hwTCB.Status())

	// Fragments are contiguous, cover the payload and never cross a page.
	require.GreaterOrEqual(t, b.fragments, 3)
	next, total := b.localPhys, 0
	for i := range b.fragments {
		tbd := hw.TBD(b.tbds[i*hw.TBDSize:])
		assert.Equal(t, next, tbd.Addr())
		assert.LessOrEqual(t, tbd.Addr()%dma.PageSize+uint64(tbd.Size()), uint64(dma.PageSize))
		next += uint64(tbd.Size())
		total += int(tbd.Size())
	}
	assert.Equal(t, len(p), total)

	assert.ErrorIs(t, b.load(p, 2), ErrInvalidLength)
}
