//go:build linux

package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap allocates every common buffer as its own anonymous, page-backed
// mapping. The bus address is the virtual address, which is what an
// identity-mapped IOMMU domain or a userspace device model sees.
// Mmap is safe for concurrent use.
type Mmap struct {
	mu           sync.Mutex
	regions      map[uint64][]byte // bus address -> whole mapping
	mapRegisters int
}

func NewMmap(mapRegisters int) *Mmap {
	if mapRegisters <= 0 {
		mapRegisters = DefaultMapRegisters
	}
	return &Mmap{
		regions:      make(map[uint64][]byte),
		mapRegisters: mapRegisters,
	}
}

func (m *Mmap) MapRegisters() int { return m.mapRegisters }

func (m *Mmap) AllocateCommonBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	length := int(AlignUp(uint64(size), PageSize))
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrExhausted, length, err)
	}
	phys := uint64(uintptr(unsafe.Pointer(&mem[0])))

	m.mu.Lock()
	m.regions[phys] = mem
	m.mu.Unlock()

	return &Buffer{Mem: mem[:size:size], Phys: phys}, nil
}

func (m *Mmap) FreeCommonBuffer(b *Buffer) error {
	if b == nil {
		return ErrUnknownBuffer
	}
	m.mu.Lock()
	mem, ok := m.regions[b.Phys]
	delete(m.regions, b.Phys)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: bus address %#x", ErrUnknownBuffer, b.Phys)
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func (m *Mmap) Slice(phys uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, mem := range m.regions {
		if phys < base || phys >= base+uint64(len(mem)) {
			continue
		}
		off := phys - base
		if n < 0 || off+uint64(n) > uint64(len(mem)) {
			break
		}
		return mem[off : off+uint64(n)], nil
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, phys, n)
}

// Close unmaps every buffer that is still allocated.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for phys, mem := range m.regions {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap %#x: %w", phys, err))
		}
		delete(m.regions, phys)
	}
	return errors.Join(errs...)
}
