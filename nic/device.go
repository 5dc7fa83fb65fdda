// Package nic implements the packet I/O engine of the adapter: the receive
// and transmit descriptor rings, the receive buffer pool and the interrupt
// work that moves frames between the rings and client requests.
//
// Locking: rcvLock guards the receive ring and pool, sendLock guards the
// transmit ring, mu guards device start and shutdown. Interrupt work is
// serialized by dpcLock. Receive and send locks are never held together;
// cmdLock is a leaf taken under either of them.
package nic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/hw"
)

type Options struct {
	// Name identifies the device in logs and metric names.
	Name string
	// Logger receives the device's logs. Defaults to a new logrus logger.
	Logger *logrus.Logger
	// Metrics is the registry the byte counters are registered in.
	// Defaults to a private registry.
	Metrics metrics.Registry
}

type clientRef struct{ Client }

type txCompletion struct {
	req WriteRequest
	n   int
	err error
}

// Device is one adapter instance.
type Device struct {
	name  string
	l     *logrus.Entry
	cfg   Config
	alloc dma.Allocator
	regs  hw.Accessor
	stats counters

	client atomic.Pointer[clientRef]

	mu      sync.Mutex
	running bool

	dpcLock sync.Mutex
	batch   []*Descriptor
	done    []txCompletion

	cmdLock sync.Mutex

	rcvLock  sync.Mutex
	rxActive bool
	pool     *BufferPool
	rx       *RecvRing

	sendLock sync.Mutex
	txActive bool
	tx       *TxRing
}

// New creates a stopped device. regs is the register accessor selected
// when the register window was mapped; it is used unchanged for the
// lifetime of the device.
func New(cfg Config, alloc dma.Allocator, regs hw.Accessor, opts Options) (*Device, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if opts.Name == "" {
		opts.Name = "nic0"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	d := &Device{
		name:  opts.Name,
		l:     opts.Logger.WithField("device", opts.Name),
		cfg:   cfg,
		alloc: alloc,
		regs:  regs,
		stats: newCounters(opts.Metrics, opts.Name),
		batch: make([]*Descriptor, 0, cfg.BatchSize),
	}
	regs.Write16(hw.RegIntMask, hw.IntMaskAll)
	return d, nil
}

// Config returns the validated configuration.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) Name() string { return d.name }

// Attach connects the request queue the pipelines serve.
// It must be called before Start.
func (d *Device) Attach(c Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyStarted
	}
	d.client.Store(&clientRef{c})
	return nil
}

// Start allocates the rings, hands every receive descriptor to the device
// and unmasks interrupts.
//
// A receive ring that bound no more than Config.MinRfds descriptors is
// logged as a resource shortage and the device runs degraded. Start fails
// if no descriptor could be bound or the transmit ring cannot be built.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyStarted
	}
	d.regs.Write16(hw.RegIntMask, hw.IntMaskAll)

	tx := NewTxRing(d.alloc, d.cfg.FrameSize, d.cfg.MaxFragments)
	numTcb, err := tx.Initialize(d.cfg.NumTcb, HardMaxTcbs)
	if err != nil {
		return fmt.Errorf("initializing transmit ring: %w", err)
	}
	if numTcb < d.cfg.NumTcb {
		d.l.WithFields(logrus.Fields{
			"requested":    d.cfg.NumTcb,
			"tcbs":         numTcb,
			"mapRegisters": d.alloc.MapRegisters(),
		}).Warn("Transmit ring clamped by available map registers")
	}

	maxTotal := d.cfg.MaxTotalRfds()
	pool := NewBufferPool(d.alloc, d.cfg.FrameSize, maxTotal)
	rx := NewRecvRing(pool, maxTotal, d.postRFD)

	d.rcvLock.Lock()
	err = rx.Initialize(d.cfg.MinRfds, d.cfg.NumRfd)
	switch {
	case errors.Is(err, ErrResourceShortage):
		d.l.WithError(err).Warn("Receive ring running degraded")
	case err != nil:
		d.rcvLock.Unlock()
		return errors.Join(
			fmt.Errorf("initializing receive ring: %w", err),
			pool.Close(),
			tx.Teardown(),
		)
	}
	d.pool, d.rx, d.rxActive = pool, rx, true
	d.rcvLock.Unlock()

	d.sendLock.Lock()
	d.tx, d.txActive = tx, true
	d.sendLock.Unlock()

	d.running = true
	d.regs.Write16(hw.RegIntMask, 0)

	d.l.WithFields(logrus.Fields{
		"rfds":      rx.Total(),
		"maxRfds":   rx.Max(),
		"tcbs":      numTcb,
		"frameSize": d.cfg.FrameSize,
	}).Info("Device started")
	return nil
}

// Shutdown masks interrupts, resets the device, completes every busy send
// with ErrDeviceStopped and releases all ring memory.
//
// Shutdown panics if a ring is not quiescent: releasing memory the device
// or a client still owns is not recoverable.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	d.dpcLock.Lock()
	defer d.dpcLock.Unlock()

	d.regs.Write16(hw.RegIntMask, hw.IntMaskAll)
	d.issue(hw.CmdReset, 0)

	d.sendLock.Lock()
	d.txActive = false
	var aborted []WriteRequest
	for b := d.tx.Head(); b != nil; b = d.tx.Head() {
		aborted = append(aborted, b.req)
		must(d.tx.Free(b))
	}
	d.sendLock.Unlock()

	for _, req := range aborted {
		if req != nil {
			req.Complete(0, ErrDeviceStopped)
		}
	}
	if len(aborted) > 0 {
		d.l.WithField("count", len(aborted)).Info("Freed busy sends")
	}

	d.rcvLock.Lock()
	d.rxActive = false
	must(d.rx.Teardown())
	poolErr := d.pool.Close()
	d.rcvLock.Unlock()
	if errors.Is(poolErr, ErrContractViolation) {
		panic(poolErr)
	}

	d.sendLock.Lock()
	txErr := d.tx.Teardown()
	d.sendLock.Unlock()
	if errors.Is(txErr, ErrContractViolation) {
		panic(txErr)
	}

	d.running = false
	d.l.Info("Device stopped")
	return errors.Join(poolErr, txErr)
}

// Stats returns the byte counters.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// RingStats is a point-in-time view of the ring counters.
type RingStats struct {
	RxReady int
	RxTotal int
	RxMax   int
	TxInUse int
	TxCount int
}

func (d *Device) Rings() (s RingStats) {
	d.rcvLock.Lock()
	if d.rxActive {
		s.RxReady, s.RxTotal, s.RxMax = d.rx.Ready(), d.rx.Total(), d.rx.Max()
	}
	d.rcvLock.Unlock()

	d.sendLock.Lock()
	if d.txActive {
		s.TxInUse, s.TxCount = d.tx.InUse(), d.tx.Count()
	}
	d.sendLock.Unlock()
	return s
}

// issue writes ptr to the general pointer and then cmd to the command
// register.
func (d *Device) issue(cmd uint16, ptr uint64) {
	d.cmdLock.Lock()
	defer d.cmdLock.Unlock()
	hw.WritePointer(d.regs, ptr)
	d.regs.Write16(hw.RegCommand, cmd)
}

// postRFD hands a recycled descriptor back to the receive unit.
// Called with rcvLock held.
func (d *Device) postRFD(desc *Descriptor) {
	d.issue(hw.CmdRUPost, desc.Phys())
}

func (d *Device) currentClient() Client {
	if c := d.client.Load(); c != nil {
		return c.Client
	}
	return nil
}
