package nic

import (
	"errors"
	"fmt"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

// ControlBlock is the software side of one transmit slot.
type ControlBlock struct {
	index int
	next  int

	inUse     bool
	localBuf  bool // Payload was copied into the block's local buffer.
	fragments int

	hwTCB   hw.TCB
	tcbPhys uint64
	tbds    []byte // maxFragments entries of hw.TBDSize.
	tbdPhys uint64

	local     []byte
	localPhys uint64

	req    WriteRequest
	length int
}

func (b *ControlBlock) Index() int  { return b.index }
func (b *ControlBlock) InUse() bool { return b.inUse }

// Phys returns the bus address of the block's hardware TCB.
func (b *ControlBlock) Phys() uint64 { return b.tcbPhys }

func (b *ControlBlock) hwComplete() bool {
	return b.hwTCB.Status()&hw.DescComplete != 0
}

func (b *ControlBlock) hwOK() bool {
	return b.hwTCB.Status()&hw.DescOK != 0
}

// load copies p into the local buffer and builds the fragment table and
// hardware TCB describing it. Fragments are split at page boundaries of
// the bus address space.
func (b *ControlBlock) load(p []byte, maxFragments int) error {
	n := copy(b.local, p)
	b.localBuf = true

	frags := 0
	for addr, end := b.localPhys, b.localPhys+uint64(n); addr < end; frags++ {
		if frags == maxFragments {
			return fmt.Errorf("%w: %d bytes need more than %d fragments", ErrInvalidLength, n, maxFragments)
		}
		size := min(dma.AlignUp(addr+1, dma.PageSize), end) - addr
		tbd := hw.TBD(b.tbds[frags*hw.TBDSize : (frags+1)*hw.TBDSize])
		tbd.SetAddr(addr)
		tbd.SetSize(uint32(size))
		addr += size
	}
	b.fragments = frags

	b.hwTCB.SetStatus(0)
	b.hwTCB.SetByteCount(uint16(n))
	b.hwTCB.SetTBDCount(uint16(frags))
	b.hwTCB.SetCommand(hw.CmdTransmit | hw.CmdI | hw.CmdEL)
	b.length = n
	return nil
}

// TxRing is a fixed circular chain of transmit control blocks over one
// DMA region holding the hardware TCBs followed by their fragment tables.
// Blocks are allocated at tail and freed at head, both in ring order.
//
// WARNING: TxRing is not safe for concurrent use.
type TxRing struct {
	alloc        dma.Allocator
	frameSize    int
	maxFragments int

	region *dma.Buffer // TCBs, then TBD tables.
	copies *dma.Buffer // Local copy buffers.

	blocks []ControlBlock
	head   int
	tail   int
	inUse  int
}

func NewTxRing(alloc dma.Allocator, frameSize, maxFragments int) *TxRing {
	return &TxRing{
		alloc:        alloc,
		frameSize:    frameSize,
		maxFragments: maxFragments,
	}
}

// Initialize lays out the ring for at most requested blocks and returns the
// number actually created: min(requested, map registers / per transfer,
// hardMax).
func (t *TxRing) Initialize(requested, hardMax int) (int, error) {
	perTransfer := dma.BytesToPages(t.frameSize) + 1
	byMapRegisters := t.alloc.MapRegisters() / perTransfer
	if byMapRegisters == 0 {
		return 0, fmt.Errorf("%w: %d available, %d per transfer",
			ErrInsufficientMapRegisters, t.alloc.MapRegisters(), perTransfer)
	}
	count := min(requested, byMapRegisters, hardMax)
	if count < 1 {
		return 0, fmt.Errorf("%w: transmit ring of %d blocks", ErrInvalidLength, count)
	}

	tbdTable := t.maxFragments * hw.TBDSize
	region, err := t.alloc.AllocateCommonBuffer(count*hw.TCBSize + count*tbdTable)
	if err != nil {
		return 0, fmt.Errorf("allocating transmit region: %w", err)
	}
	stride := int(dma.AlignUp(uint64(t.frameSize), hw.DataAlign))
	copies, err := t.alloc.AllocateCommonBuffer(count * stride)
	if err != nil {
		return 0, errors.Join(
			fmt.Errorf("allocating transmit copy buffers: %w", err),
			t.alloc.FreeCommonBuffer(region),
		)
	}
	clear(region.Mem)

	t.region, t.copies = region, copies
	t.blocks = make([]ControlBlock, count)
	tbdBase := count * hw.TCBSize
	for i := range t.blocks {
		tcbOff := i * hw.TCBSize
		tbdOff := tbdBase + i*tbdTable
		b := &t.blocks[i]
		*b = ControlBlock{
			index:     i,
			next:      (i + 1) % count,
			hwTCB:     hw.TCB(region.Mem[tcbOff : tcbOff+hw.TCBSize : tcbOff+hw.TCBSize]),
			tcbPhys:   region.Phys + uint64(tcbOff),
			tbds:      region.Mem[tbdOff : tbdOff+tbdTable : tbdOff+tbdTable],
			tbdPhys:   region.Phys + uint64(tbdOff),
			local:     copies.Mem[i*stride : i*stride+t.frameSize : i*stride+t.frameSize],
			localPhys: copies.Phys + uint64(i*stride),
		}
		b.hwTCB.SetTBDArray(b.tbdPhys)
	}
	for i := range t.blocks {
		t.blocks[i].hwTCB.SetLink(t.blocks[t.blocks[i].next].tcbPhys)
	}
	t.head, t.tail, t.inUse = 0, 0, 0
	return count, nil
}

// Allocate takes the block at tail. It returns ErrBusy if every block is in use.
func (t *TxRing) Allocate() (*ControlBlock, error) {
	if t.inUse == len(t.blocks) {
		return nil, ErrBusy
	}
	b := &t.blocks[t.tail]
	b.inUse = true
	t.tail = b.next
	t.inUse++
	return b, nil
}

// Free releases b, which must be the block at head.
func (t *TxRing) Free(b *ControlBlock) error {
	if !b.inUse {
		return fmt.Errorf("%w: block %d", ErrBlockNotInUse, b.index)
	}
	if b.index != t.head {
		return fmt.Errorf("%w: block %d, head %d", ErrOutOfOrderFree, b.index, t.head)
	}
	b.inUse = false
	b.localBuf = false
	b.fragments = 0
	b.req = nil
	b.length = 0
	t.head = b.next
	t.inUse--
	return nil
}

// Head returns the oldest in-use block, or nil if none is in use.
func (t *TxRing) Head() *ControlBlock {
	if t.inUse == 0 {
		return nil
	}
	return &t.blocks[t.head]
}

// Block returns the block at index i.
func (t *TxRing) Block(i int) *ControlBlock { return &t.blocks[i] }

func (t *TxRing) InUse() int { return t.inUse }
func (t *TxRing) Count() int { return len(t.blocks) }

// Teardown frees the transmit region. No block may be in use.
func (t *TxRing) Teardown() error {
	if t.inUse != 0 {
		return fmt.Errorf("%w: %d transmit blocks in use", ErrNotQuiescent, t.inUse)
	}
	var errs []error
	if t.region != nil {
		if err := t.alloc.FreeCommonBuffer(t.region); err != nil {
			errs = append(errs, fmt.Errorf("freeing transmit region: %w", err))
		}
	}
	if t.copies != nil {
		if err := t.alloc.FreeCommonBuffer(t.copies); err != nil {
			errs = append(errs, fmt.Errorf("freeing transmit copy buffers: %w", err))
		}
	}
	t.region, t.copies, t.blocks = nil, nil, nil
	return errors.Join(errs...)
}
