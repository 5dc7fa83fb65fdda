package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrWindowTooSmall = errors.New("register window too small")
	ErrNoBacking      = errors.New("resource has no backing")
	ErrUnknownKind    = errors.New("unknown resource kind")
)

// Kind is the address space a register window lives in.
type Kind int

const (
	KindPort Kind = iota
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindPort:
		return "port"
	case KindMemory:
		return "memory"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// PortIO is an I/O port space such as /dev/port.
type PortIO interface {
	io.ReaderAt
	io.WriterAt
}

// Resource is a claimed register window.
type Resource struct {
	Kind Kind

	// Port and Base locate a port space window.
	Port PortIO
	Base int64

	// Mem is a memory space window, typically from MapBAR.
	Mem []byte
}

// Map selects the access mode for r and returns the matching Accessor.
func Map(r Resource) (Accessor, error) {
	switch r.Kind {
	case KindPort:
		if r.Port == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBacking, r.Kind)
		}
		return NewPortAccessor(r.Port, r.Base), nil
	case KindMemory:
		m, err := NewMemoryAccessor(r.Mem)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, r.Kind)
}

// MemoryAccessor reaches registers through a memory-mapped window.
type MemoryAccessor struct {
	mem []byte
}

func NewMemoryAccessor(mem []byte) (*MemoryAccessor, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBacking, KindMemory)
	}
	if len(mem) < WindowSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrWindowTooSmall, len(mem), WindowSize)
	}
	return &MemoryAccessor{mem: mem[:WindowSize:WindowSize]}, nil
}

func (m *MemoryAccessor) Read16(reg uint16) uint16 {
	return binary.LittleEndian.Uint16(m.mem[reg:])
}

func (m *MemoryAccessor) Write16(reg uint16, v uint16) {
	binary.LittleEndian.PutUint16(m.mem[reg:], v)
}

// PortAccessor reaches registers through an I/O port space.
// Port I/O cannot fail on real hardware, so the first failure of the
// underlying file is latched and reported by Err instead.
type PortAccessor struct {
	port PortIO
	base int64

	mu  sync.Mutex
	err error
}

func NewPortAccessor(port PortIO, base int64) *PortAccessor {
	return &PortAccessor{port: port, base: base}
}

func (p *PortAccessor) Read16(reg uint16) uint16 {
	var b [2]byte
	if _, err := p.port.ReadAt(b[:], p.base+int64(reg)); err != nil {
		p.latch(fmt.Errorf("reading register %#x: %w", reg, err))
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (p *PortAccessor) Write16(reg uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	if _, err := p.port.WriteAt(b[:], p.base+int64(reg)); err != nil {
		p.latch(fmt.Errorf("writing register %#x: %w", reg, err))
	}
}

// Err returns the first I/O error seen, if any.
func (p *PortAccessor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PortAccessor) latch(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}
