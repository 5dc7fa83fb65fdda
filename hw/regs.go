// Package hw describes the hardware-facing contract of the adapter:
// its control/status register window, the way that window is reached
// (I/O port space or memory space) and the in-memory descriptor layouts
// the DMA engine reads and writes.
//
// All multi-byte fields are little endian.
package hw

// WindowSize is the length of the control/status register window in bytes.
const WindowSize = 16

// Register offsets within the window. Every register is 16 bits wide.
const (
	RegStatus   uint16 = 0x0
	RegCommand  uint16 = 0x2
	RegPointer0 uint16 = 0x4 // Bits 0-15 of the general pointer.
	RegPointer1 uint16 = 0x6
	RegPointer2 uint16 = 0x8
	RegPointer3 uint16 = 0xA // Bits 48-63.
	RegIntMask  uint16 = 0xC
)

// Status register bits. Writing a 1 acknowledges (clears) the bit.
const (
	StatusCX  uint16 = 1 << 15 // Command unit finished a TCB with the I bit set.
	StatusFR  uint16 = 1 << 14 // Receive unit finished a frame.
	StatusRNR uint16 = 1 << 12 // Receive unit had no posted RFD.

	StatusAckMask = StatusCX | StatusFR | StatusRNR
)

// Commands written to RegCommand. Commands that take an address use the
// value of the general pointer at the time of the write.
const (
	CmdRUPost  uint16 = 0x0001 // Append the RFD at pointer to the receive list.
	CmdCUStart uint16 = 0x0010 // Start the command unit at the TCB at pointer.
	CmdReset   uint16 = 0x0080 // Selective reset: abort queued work, drop posted RFDs and pending status.
)

// IntMaskAll masks every interrupt source.
const IntMaskAll uint16 = 0x0001

// Accessor reads and writes 16-bit device registers.
// Implementations are chosen once when the register window is mapped
// and stay fixed for the lifetime of the device.
type Accessor interface {
	Read16(reg uint16) uint16
	Write16(reg uint16, v uint16)
}

// WritePointer loads a 64-bit bus address into the general pointer.
func WritePointer(a Accessor, addr uint64) {
	a.Write16(RegPointer0, uint16(addr))
	a.Write16(RegPointer1, uint16(addr>>16))
	a.Write16(RegPointer2, uint16(addr>>32))
	a.Write16(RegPointer3, uint16(addr>>48))
}

// ReadPointer returns the current value of the general pointer.
func ReadPointer(a Accessor) uint64 {
	return uint64(a.Read16(RegPointer0)) |
		uint64(a.Read16(RegPointer1))<<16 |
		uint64(a.Read16(RegPointer2))<<32 |
		uint64(a.Read16(RegPointer3))<<48
}
