// Package loopback simulates the adapter's hardware: a register window and
// a DMA engine that executes transmit control blocks and writes the frames
// back into posted receive descriptors, raising interrupts as a real
// adapter would.
//
// The device side reaches driver memory only through bus addresses
// resolved by a dma.Memory.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

var ErrChainTooLong = errors.New("transmit chain does not terminate")

// maxChain bounds how many TCBs a single CU start may walk.
const maxChain = 1024

type command struct {
	op  uint16
	ptr uint64
}

// Stats counts frames moved by the simulated device.
type Stats struct {
	Transmitted uint64
	Received    uint64
	Dropped     uint64 // No RFD was posted.
	Errors      uint64 // TCB or RFD could not be resolved.
}

// Device implements hw.Accessor. Doorbell writes are queued and executed by
// Process or by the Run worker. A reset is the exception: it takes effect
// before the register write returns.
type Device struct {
	l   *logrus.Entry
	mem dma.Memory

	// dmaMu is held while the device touches driver memory.
	// Lock order: dmaMu, then mu.
	dmaMu sync.Mutex

	mu      sync.Mutex
	regs    [hw.WindowSize / 2]uint16
	cmds    []command
	posted  []uint64 // Bus addresses of posted RFDs, oldest first.
	irq     func() bool
	loop    bool
	rxFault int // Receive frames to complete with an error status.
	tap     func([]byte)

	notify chan struct{}

	transmitted atomic.Uint64
	received    atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Uint64
}

type Option func(*Device)

// WithoutLoop makes transmitted frames leave the device instead of being
// received again.
func WithoutLoop() Option {
	return func(d *Device) { d.loop = false }
}

// WithTap calls fn with a copy of every transmitted frame.
func WithTap(fn func([]byte)) Option {
	return func(d *Device) { d.tap = fn }
}

func New(mem dma.Memory, l *logrus.Logger, opts ...Option) *Device {
	d := &Device{
		l:      l.WithField("device", "loopback"),
		mem:    mem,
		loop:   true,
		notify: make(chan struct{}, 1),
	}
	d.regs[hw.RegIntMask/2] = hw.IntMaskAll
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect binds the interrupt line to isr.
func (d *Device) Connect(isr func() bool) {
	d.mu.Lock()
	d.irq = isr
	d.mu.Unlock()
}

// InjectReceiveErrors makes the next n received frames complete without
// the OK bit, as after a DMA fault.
func (d *Device) InjectReceiveErrors(n int) {
	d.mu.Lock()
	d.rxFault += n
	d.mu.Unlock()
}

// Posted returns the number of RFDs currently posted to the receive unit.
func (d *Device) Posted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.posted)
}

func (d *Device) Stats() Stats {
	return Stats{
		Transmitted: d.transmitted.Load(),
		Received:    d.received.Load(),
		Dropped:     d.dropped.Load(),
		Errors:      d.failed.Load(),
	}
}

func (d *Device) Read16(reg uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg/2]
}

func (d *Device) Write16(reg uint16, v uint16) {
	if reg == hw.RegCommand && v == hw.CmdReset {
		d.reset()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch reg {
	case hw.RegStatus:
		d.regs[reg/2] &^= v
	case hw.RegCommand:
		d.regs[reg/2] = v
		d.cmds = append(d.cmds, command{op: v, ptr: d.pointer()})
		d.signal()
	case hw.RegIntMask:
		d.regs[reg/2] = v
		if v == 0 && d.regs[hw.RegStatus/2] != 0 {
			d.signal()
		}
	default:
		d.regs[reg/2] = v
	}
}

// reset waits for in-progress DMA to finish, then drops queued commands,
// posted RFDs and pending status. Once it returns the device no longer
// references any driver memory.
func (d *Device) reset() {
	d.dmaMu.Lock()
	defer d.dmaMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.cmds); n > 0 {
		d.l.WithField("commands", n).Debug("Reset aborted queued commands")
	}
	d.regs[hw.RegCommand/2] = hw.CmdReset
	d.regs[hw.RegStatus/2] = 0
	d.cmds = nil
	d.posted = nil
}

// pointer must be called with mu held.
func (d *Device) pointer() uint64 {
	return uint64(d.regs[hw.RegPointer0/2]) |
		uint64(d.regs[hw.RegPointer1/2])<<16 |
		uint64(d.regs[hw.RegPointer2/2])<<32 |
		uint64(d.regs[hw.RegPointer3/2])<<48
}

func (d *Device) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Process executes queued commands until none are left, raising the
// interrupt after each one that set a status bit. The interrupt handler
// runs without any device lock held, and commands it queues are executed
// in the same call. It returns the number of commands executed.
func (d *Device) Process() int {
	n := 0
	for {
		d.raise()

		d.dmaMu.Lock()
		d.mu.Lock()
		if len(d.cmds) == 0 {
			d.mu.Unlock()
			d.dmaMu.Unlock()
			return n
		}
		cmd := d.cmds[0]
		d.cmds = d.cmds[1:]
		d.mu.Unlock()

		d.execute(cmd)
		d.dmaMu.Unlock()
		n++
	}
}

// Run processes commands as they arrive until ctx is canceled.
func (d *Device) Run(ctx context.Context) error {
	for {
		d.Process()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		}
	}
}

// Inject delivers frame to the receive unit as if it came off the wire.
func (d *Device) Inject(frame []byte) {
	d.dmaMu.Lock()
	d.receive(frame)
	d.dmaMu.Unlock()
	d.raise()
}

func (d *Device) execute(cmd command) {
	switch cmd.op {
	case hw.CmdRUPost:
		d.mu.Lock()
		d.posted = append(d.posted, cmd.ptr)
		d.mu.Unlock()
	case hw.CmdCUStart:
		if err := d.transmit(cmd.ptr); err != nil {
			d.failed.Add(1)
			d.l.WithError(err).WithField("tcb", fmt.Sprintf("%#x", cmd.ptr)).
				Warn("Transmit failed")
		}
	default:
		d.l.WithField("command", fmt.Sprintf("%#04x", cmd.op)).Debug("Ignoring unknown command")
	}
}

// transmit walks the TCB chain starting at phys until a TCB with the EL bit.
func (d *Device) transmit(phys uint64) error {
	for range maxChain {
		raw, err := d.mem.Slice(phys, hw.TCBSize)
		if err != nil {
			return fmt.Errorf("resolving TCB: %w", err)
		}
		tcb := hw.TCB(raw)
		cmd := tcb.Command()
		if cmd&hw.CmdTransmit == 0 || tcb.Status()&hw.DescComplete != 0 {
			return nil
		}

		frame, err := d.gather(tcb)
		if err != nil {
			tcb.SetStatus(hw.DescComplete)
			d.setStatus(hw.StatusCX)
			return err
		}
		tcb.SetStatus(hw.DescComplete | hw.DescOK)
		d.transmitted.Add(1)
		if d.tap != nil {
			d.tap(frame)
		}
		if d.loop {
			d.receive(frame)
		}
		if cmd&hw.CmdI != 0 {
			d.setStatus(hw.StatusCX)
		}
		if cmd&hw.CmdEL != 0 {
			return nil
		}
		phys = tcb.Link()
	}
	return ErrChainTooLong
}

// gather copies the fragments listed in tcb's TBD array into one frame.
func (d *Device) gather(tcb hw.TCB) ([]byte, error) {
	count := int(tcb.TBDCount())
	table, err := d.mem.Slice(tcb.TBDArray(), count*hw.TBDSize)
	if err != nil {
		return nil, fmt.Errorf("resolving TBD array: %w", err)
	}
	frame := make([]byte, 0, tcb.ByteCount())
	for i := range count {
		tbd := hw.TBD(table[i*hw.TBDSize : (i+1)*hw.TBDSize])
		data, err := d.mem.Slice(tbd.Addr(), int(tbd.Size()))
		if err != nil {
			return nil, fmt.Errorf("resolving fragment %d: %w", i, err)
		}
		frame = append(frame, data...)
	}
	return frame, nil
}

// receive writes frame into the oldest posted RFD.
func (d *Device) receive(frame []byte) {
	d.mu.Lock()
	if len(d.posted) == 0 {
		d.regs[hw.RegStatus/2] |= hw.StatusRNR
		d.mu.Unlock()
		d.dropped.Add(1)
		return
	}
	phys := d.posted[0]
	d.posted = d.posted[1:]
	fault := d.rxFault > 0
	if fault {
		d.rxFault--
	}
	d.mu.Unlock()

	raw, err := d.mem.Slice(phys, hw.RFDHeaderSize)
	if err != nil {
		d.failed.Add(1)
		d.l.WithError(err).Warn("Resolving RFD failed")
		return
	}
	rfd := hw.RFD(raw)
	payload, err := d.mem.Slice(phys+hw.RFDHeaderSize, int(rfd.Size()))
	if err != nil {
		d.failed.Add(1)
		d.l.WithError(err).Warn("Resolving RFD payload failed")
		return
	}

	n := copy(payload, frame)
	rfd.SetActualCount(uint16(n))
	if fault {
		rfd.SetStatus(hw.DescComplete)
	} else {
		rfd.SetStatus(hw.DescComplete | hw.DescOK)
		d.received.Add(1)
	}
	d.setStatus(hw.StatusFR)
}

func (d *Device) setStatus(bits uint16) {
	d.mu.Lock()
	d.regs[hw.RegStatus/2] |= bits
	d.mu.Unlock()
}

// raise calls the interrupt handler while a status bit is pending and
// interrupts are unmasked.
func (d *Device) raise() {
	for {
		d.mu.Lock()
		pending := d.regs[hw.RegStatus/2]&hw.StatusAckMask != 0 &&
			d.regs[hw.RegIntMask/2] == 0
		isr := d.irq
		d.mu.Unlock()

		if !pending || isr == nil || !isr() {
			return
		}
	}
}
