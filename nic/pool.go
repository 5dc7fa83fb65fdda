package nic

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

// Buffer is one DMA block backing a receive descriptor.
type Buffer struct {
	block *dma.Buffer

	// shift is the forward distance from the raw block base to the aligned
	// base the hardware RFD is placed relative to.
	shift   int
	rfd     hw.RFD
	payload []byte
	phys    uint64 // Bus address of the hardware RFD.
}

// Phys returns the bus address the device is given for this buffer's RFD.
func (b *Buffer) Phys() uint64 { return b.phys }

// Shift returns the alignment shift applied to both the virtual and the
// bus address of the raw block.
func (b *Buffer) Shift() int { return b.shift }

// Payload returns the full, 8 byte aligned payload region.
func (b *Buffer) Payload() []byte { return b.payload }

// BufferPool supplies receive buffers from a fixed-size free list backed by
// a shared DMA allocator. It never holds more than capacity buffers.
//
// WARNING: BufferPool is not safe for concurrent use.
type BufferPool struct {
	alloc     dma.Allocator
	frameSize int
	capacity  int
	allocated int
	free      []*Buffer
}

func NewBufferPool(alloc dma.Allocator, frameSize, capacity int) *BufferPool {
	return &BufferPool{
		alloc:     alloc,
		frameSize: frameSize,
		capacity:  capacity,
		free:      make([]*Buffer, 0, capacity),
	}
}

// BlockSize is the size of the common buffer allocated per receive buffer.
func (p *BufferPool) BlockSize() int {
	return hw.RFDHeaderSize + p.frameSize + hw.MoreDataForAlign
}

// Acquire returns a buffer from the free list, or allocates a new one while
// the pool is below capacity.
func (p *BufferPool) Acquire() (*Buffer, error) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b, nil
	}
	if p.allocated >= p.capacity {
		return nil, fmt.Errorf("%w: capacity %d reached", ErrExhausted, p.capacity)
	}
	block, err := p.alloc.AllocateCommonBuffer(p.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	p.allocated++
	return p.bind(block), nil
}

// Release returns b to the free list.
func (p *BufferPool) Release(b *Buffer) {
	b.rfd.Reset(uint16(p.frameSize))
	p.free = append(p.free, b)
}

// Allocated returns the number of buffers allocated from the DMA allocator.
func (p *BufferPool) Allocated() int { return p.allocated }

// Free returns the number of buffers on the free list.
func (p *BufferPool) Free() int { return len(p.free) }

// Close returns every free buffer to the allocator. Buffers still acquired
// at this point are reported as not quiescent and leaked.
func (p *BufferPool) Close() error {
	var errs []error
	if out := p.allocated - len(p.free); out != 0 {
		errs = append(errs, fmt.Errorf("%w: %d buffers outstanding", ErrNotQuiescent, out))
	}
	for _, b := range p.free {
		if err := p.alloc.FreeCommonBuffer(b.block); err != nil {
			errs = append(errs, fmt.Errorf("freeing receive buffer: %w", err))
		}
	}
	p.allocated -= len(p.free)
	p.free = p.free[:0]
	return errors.Join(errs...)
}

// bind places the hardware RFD inside block so that the payload following
// the header starts on an hw.DataAlign boundary.
func (p *BufferPool) bind(block *dma.Buffer) *Buffer {
	base := uint64(uintptr(unsafe.Pointer(&block.Mem[0])))
	shift := int(dma.AlignUp(base, hw.DataAlign) - base)

	rfdOff := shift + hw.RFDShiftOffset
	payloadOff := rfdOff + hw.RFDHeaderSize

	b := &Buffer{
		block:   block,
		shift:   shift,
		rfd:     hw.RFD(block.Mem[rfdOff:payloadOff:payloadOff]),
		payload: block.Mem[payloadOff : payloadOff+p.frameSize : payloadOff+p.frameSize],
		phys:    block.Phys + uint64(rfdOff),
	}
	b.rfd.Reset(uint16(p.frameSize))
	return b
}
