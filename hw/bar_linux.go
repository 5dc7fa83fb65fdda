//go:build linux

package hw

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapBAR maps the first length bytes of a PCI resource file
// (/sys/bus/pci/devices/<addr>/resourceN) for memory space register access.
// The returned function unmaps the window.
func MapBAR(path string, length int) ([]byte, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping %q: %w", path, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
