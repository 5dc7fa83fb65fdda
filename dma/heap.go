package dma

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"unsafe"
)

// DefaultMapRegisters is the map register budget of a Heap allocator
// constructed without WithMapRegisters.
const DefaultMapRegisters = 128

// heapBusBase is the first synthetic bus address handed out by Heap.
const heapBusBase = 0x1000_0000

type region struct {
	phys uint64
	mem  []byte
}

// Heap is an Allocator and Memory backed by the Go heap.
// Bus addresses are synthetic but keep the in-page offset of the virtual
// address, so alignment computed on either address agrees.
// Heap is safe for concurrent use.
type Heap struct {
	mu           sync.Mutex
	next         uint64
	regions      []region // sorted by phys
	mapRegisters int
	limit        int
	allocs       int
	misalign     int
}

type HeapOption func(*Heap)

// WithMapRegisters sets the map register budget reported by MapRegisters.
func WithMapRegisters(n int) HeapOption {
	return func(h *Heap) { h.mapRegisters = n }
}

// WithAllocationLimit makes every allocation after the first n fail with
// ErrExhausted. A negative n disables the limit.
func WithAllocationLimit(n int) HeapOption {
	return func(h *Heap) { h.limit = n }
}

// WithMisalignment offsets the start of every buffer by n bytes from the
// allocator's natural alignment.
func WithMisalignment(n int) HeapOption {
	return func(h *Heap) { h.misalign = n }
}

func NewHeap(opts ...HeapOption) *Heap {
	h := &Heap{
		next:         heapBusBase,
		mapRegisters: DefaultMapRegisters,
		limit:        -1,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Heap) MapRegisters() int { return h.mapRegisters }

func (h *Heap) AllocateCommonBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit >= 0 && h.allocs >= h.limit {
		return nil, fmt.Errorf("%w: limit of %d allocations reached", ErrExhausted, h.limit)
	}
	h.allocs++

	raw := make([]byte, size+h.misalign)
	mem := raw[h.misalign : h.misalign+size : h.misalign+size]

	va := uint64(uintptr(unsafe.Pointer(&mem[0])))
	phys := h.next + va&(PageSize-1)
	// Leave an unmapped page between regions so overruns resolve to nothing.
	h.next = AlignUp(phys+uint64(size), PageSize) + PageSize

	h.regions = append(h.regions, region{phys: phys, mem: mem})
	return &Buffer{Mem: mem, Phys: phys}, nil
}

func (h *Heap) FreeCommonBuffer(b *Buffer) error {
	if b == nil {
		return ErrUnknownBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := slices.BinarySearchFunc(h.regions, b.Phys, func(r region, p uint64) int {
		switch {
		case r.phys < p:
			return -1
		case r.phys > p:
			return 1
		}
		return 0
	})
	if !ok {
		return fmt.Errorf("%w: bus address %#x", ErrUnknownBuffer, b.Phys)
	}
	h.regions = slices.Delete(h.regions, i, i+1)
	return nil
}

func (h *Heap) Slice(phys uint64, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Last region starting at or below phys.
	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].phys > phys }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, phys)
	}
	r := h.regions[i]
	off := phys - r.phys
	if n < 0 || off+uint64(n) > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, phys, n)
	}
	return r.mem[off : off+uint64(n)], nil
}

// Outstanding returns the number of common buffers not yet freed.
func (h *Heap) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

// Allocations returns the number of successful allocations so far.
func (h *Heap) Allocations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs
}
