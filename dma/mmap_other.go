//go:build !linux

package dma

import "errors"

var errMmapUnsupported = errors.New("mmap common buffers are only supported on linux")

// Mmap is unavailable on this platform; every allocation fails.
type Mmap struct{ mapRegisters int }

func NewMmap(mapRegisters int) *Mmap { return &Mmap{mapRegisters: mapRegisters} }

func (m *Mmap) MapRegisters() int { return m.mapRegisters }

func (m *Mmap) AllocateCommonBuffer(int) (*Buffer, error) { return nil, errMmapUnsupported }

func (m *Mmap) FreeCommonBuffer(*Buffer) error { return ErrUnknownBuffer }

func (m *Mmap) Slice(phys uint64, n int) ([]byte, error) { return nil, ErrBadAddress }

func (m *Mmap) Close() error { return nil }
