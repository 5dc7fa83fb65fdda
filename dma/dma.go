// Package dma provides DMA-capable memory for the descriptor rings.
//
// A common buffer has two addresses: the virtual address the driver reads
// and writes through, and the bus address the device uses for DMA. The
// driver side obtains buffers through an Allocator; the device side (real
// hardware or the loopback simulator) resolves bus addresses back into
// memory through Memory.
package dma

import "errors"

// PageSize is the DMA translation granule.
const PageSize = 4096

var (
	ErrExhausted     = errors.New("common buffer allocation failed")
	ErrInvalidSize   = errors.New("invalid common buffer size")
	ErrUnknownBuffer = errors.New("unknown common buffer")
	ErrBadAddress    = errors.New("bus address not mapped")
)

// Buffer is a block of DMA-mapped memory.
type Buffer struct {
	// Mem is the driver's view of the block.
	Mem []byte
	// Phys is the bus address of Mem[0].
	Phys uint64
}

// Allocator hands out common buffers shared between the driver and the device.
type Allocator interface {
	AllocateCommonBuffer(size int) (*Buffer, error)
	FreeCommonBuffer(b *Buffer) error

	// MapRegisters returns the number of page translations the platform
	// can keep live for streaming transfers at the same time.
	MapRegisters() int
}

// Memory resolves bus addresses on behalf of the device.
type Memory interface {
	// Slice returns n bytes of mapped memory starting at bus address phys.
	// The range must not cross the end of the common buffer it starts in.
	Slice(phys uint64, n int) ([]byte, error)
}

// BytesToPages returns the number of pages needed to hold n bytes.
func BytesToPages(n int) int {
	return (n + PageSize - 1) / PageSize
}

// AlignUp rounds v up to the next multiple of a. a must be a power of two.
func AlignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
