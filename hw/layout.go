package hw

import "encoding/binary"

// Descriptor status bits shared by RFDs and TCBs.
const (
	DescComplete uint16 = 0x8000 // Written by the device when it is done.
	DescOK       uint16 = 0x2000 // Transfer finished without error.
)

// TCB command bits.
const (
	CmdEL       uint16 = 0x8000 // End of list: the command unit stops after this TCB.
	CmdI        uint16 = 0x2000 // Raise StatusCX once this TCB completes.
	CmdTransmit uint16 = 0x0004
)

/*---- Receive frame descriptor ----*/

// An RFD is a 6 byte header followed by the frame payload:
//
//	0  status       u16
//	2  actual count u16  (bytes written by the device)
//	4  size         u16  (payload capacity)
//	6  payload
//
// The header starts RFDShiftOffset bytes past an 8 byte boundary so the
// payload itself lands on the next 8 byte boundary.
const (
	RFDHeaderSize  = 6
	RFDShiftOffset = 2
	DataAlign      = 8

	// MoreDataForAlign is the slack a receive block is over-allocated by so
	// the aligned, shifted header always fits regardless of the raw base.
	MoreDataForAlign = DataAlign + RFDShiftOffset
)

// RFD is a view of a hardware receive frame descriptor header.
type RFD []byte

func (r RFD) Status() uint16      { return binary.LittleEndian.Uint16(r[0:]) }
func (r RFD) ActualCount() uint16 { return binary.LittleEndian.Uint16(r[2:]) }
func (r RFD) Size() uint16        { return binary.LittleEndian.Uint16(r[4:]) }

func (r RFD) SetStatus(v uint16)      { binary.LittleEndian.PutUint16(r[0:], v) }
func (r RFD) SetActualCount(v uint16) { binary.LittleEndian.PutUint16(r[2:], v) }
func (r RFD) SetSize(v uint16)        { binary.LittleEndian.PutUint16(r[4:], v) }

// Reset returns the header to the state the device expects for a freshly
// posted descriptor.
func (r RFD) Reset(size uint16) {
	r.SetStatus(0)
	r.SetActualCount(0)
	r.SetSize(size)
}

/*---- Transmit control block ----*/

// TCBSize is the size of a hardware TCB:
//
//	0  status    u16
//	2  command   u16
//	4  byte count u16
//	6  TBD count u16
//	8  link      u64  (bus address of the next TCB)
//	16 TBD array u64  (bus address of the fragment table)
const TCBSize = 24

// TCB is a view of a hardware transmit control block.
type TCB []byte

func (t TCB) Status() uint16    { return binary.LittleEndian.Uint16(t[0:]) }
func (t TCB) Command() uint16   { return binary.LittleEndian.Uint16(t[2:]) }
func (t TCB) ByteCount() uint16 { return binary.LittleEndian.Uint16(t[4:]) }
func (t TCB) TBDCount() uint16  { return binary.LittleEndian.Uint16(t[6:]) }
func (t TCB) Link() uint64      { return binary.LittleEndian.Uint64(t[8:]) }
func (t TCB) TBDArray() uint64  { return binary.LittleEndian.Uint64(t[16:]) }

func (t TCB) SetStatus(v uint16)    { binary.LittleEndian.PutUint16(t[0:], v) }
func (t TCB) SetCommand(v uint16)   { binary.LittleEndian.PutUint16(t[2:], v) }
func (t TCB) SetByteCount(v uint16) { binary.LittleEndian.PutUint16(t[4:], v) }
func (t TCB) SetTBDCount(v uint16)  { binary.LittleEndian.PutUint16(t[6:], v) }
func (t TCB) SetLink(v uint64)      { binary.LittleEndian.PutUint64(t[8:], v) }
func (t TCB) SetTBDArray(v uint64)  { binary.LittleEndian.PutUint64(t[16:], v) }

/*---- Transmit buffer descriptor ----*/

// TBDSize is the size of one fragment table entry:
//
//	0  address u64
//	8  size    u32
//	12 reserved
const TBDSize = 16

// TBD is a view of one fragment table entry.
type TBD []byte

func (t TBD) Addr() uint64 { return binary.LittleEndian.Uint64(t[0:]) }
func (t TBD) Size() uint32 { return binary.LittleEndian.Uint32(t[8:]) }

func (t TBD) SetAddr(v uint64) { binary.LittleEndian.PutUint64(t[0:], v) }
func (t TBD) SetSize(v uint32) { binary.LittleEndian.PutUint32(t[8:], v) }
