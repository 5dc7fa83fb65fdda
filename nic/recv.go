package nic

import (
	"errors"
	"fmt"

	"github.com/romshark/pcidrv-go/hw"
)

// Descriptor is a receive descriptor: a pool buffer paired with the
// hardware RFD inside it.
type Descriptor struct {
	index  int
	state  DescriptorState
	buf    *Buffer
	length int
}

func (d *Descriptor) Index() int             { return d.index }
func (d *Descriptor) State() DescriptorState { return d.state }
func (d *Descriptor) Phys() uint64           { return d.buf.phys }

// Payload returns the bytes the device delivered into this descriptor.
func (d *Descriptor) Payload() []byte { return d.buf.payload[:d.length] }

// Release hands a drained descriptor back to the ring owner once its
// payload has been consumed. The descriptor must then be recycled.
func (d *Descriptor) Release() error {
	if d.state != StateInFlight && d.state != StateClientCopy {
		return fmt.Errorf("%w: descriptor %d is %s", ErrIllegalTransition, d.index, d.state)
	}
	return d.transition(StateIdle)
}

func (d *Descriptor) transition(to DescriptorState) error {
	if !d.state.canTransition(to) {
		return fmt.Errorf("%w: descriptor %d %s -> %s", ErrIllegalTransition, d.index, d.state, to)
	}
	d.state = to
	return nil
}

// hwComplete reports whether the device has finished writing the RFD.
func (d *Descriptor) hwComplete() bool {
	return d.buf.rfd.Status()&hw.DescComplete != 0
}

// RecvRing owns the receive descriptors and the FIFO of descriptors
// handed to the device. The FIFO is an index ring over the descriptor
// arena; a descriptor is on it if and only if it is StateReady.
//
// Counters satisfy ready <= total <= max at every method boundary.
//
// WARNING: RecvRing is not safe for concurrent use.
type RecvRing struct {
	pool *BufferPool
	post func(*Descriptor)

	arena []*Descriptor
	list  []int // Arena indices; len(list) == max.
	head  int

	ready     int
	total     int
	max       int
	minimum   int
	frameSize uint16
}

// NewRecvRing creates an empty ring holding at most maxTotal descriptors.
// post, if not nil, is called for every descriptor appended to the ring
// to hand its RFD to the device.
func NewRecvRing(pool *BufferPool, maxTotal int, post func(*Descriptor)) *RecvRing {
	return &RecvRing{
		pool:      pool,
		post:      post,
		arena:     make([]*Descriptor, 0, maxTotal),
		list:      make([]int, maxTotal),
		max:       maxTotal,
		frameSize: uint16(pool.frameSize),
	}
}

// Initialize binds up to count descriptors and places them on the ring.
// Descriptors whose buffer cannot be acquired are skipped. The result wraps
// ErrResourceShortage when no more than minCount descriptors were bound,
// and ErrExhausted when none were.
func (r *RecvRing) Initialize(minCount, count int) error {
	r.minimum = minCount

	var lastErr error
	for range min(count, r.max-len(r.arena)) {
		b, err := r.pool.Acquire()
		if err != nil {
			lastErr = err
			continue
		}
		d := &Descriptor{index: len(r.arena), buf: b}
		r.arena = append(r.arena, d)
		r.total++
		if err := r.Recycle(d); err != nil {
			return err
		}
	}

	switch {
	case r.total == 0:
		if lastErr == nil {
			lastErr = ErrExhausted
		}
		return fmt.Errorf("binding receive descriptors: %w", lastErr)
	case r.total <= minCount:
		return fmt.Errorf("%w: bound %d of %d descriptors (minimum %d)",
			ErrResourceShortage, r.total, count, minCount)
	}
	return nil
}

// Recycle appends an idle descriptor to the tail of the ring and posts it
// to the device.
func (r *RecvRing) Recycle(d *Descriptor) error {
	if d.state != StateIdle {
		return fmt.Errorf("%w: descriptor %d is %s", ErrDescriptorNotIdle, d.index, d.state)
	}
	if r.ready >= r.total {
		return fmt.Errorf("%w: ready %d, total %d", ErrRingOverflow, r.ready, r.total)
	}
	if err := d.transition(StateReady); err != nil {
		return err
	}
	d.length = 0
	d.buf.rfd.Reset(r.frameSize)

	r.list[(r.head+r.ready)%len(r.list)] = d.index
	r.ready++

	if r.post != nil {
		r.post(d)
	}
	return nil
}

// DrainReady pops up to maxBatch descriptors from the head of the ring in
// FIFO order and marks them in flight.
func (r *RecvRing) DrainReady(maxBatch int) []*Descriptor {
	return r.drain(make([]*Descriptor, 0, min(maxBatch, r.ready)), maxBatch, false)
}

// DrainCompleted is like DrainReady but stops at the first descriptor the
// device has not completed yet. Drained descriptors are appended to dst.
func (r *RecvRing) DrainCompleted(dst []*Descriptor, maxBatch int) []*Descriptor {
	return r.drain(dst, maxBatch, true)
}

func (r *RecvRing) drain(dst []*Descriptor, maxBatch int, completedOnly bool) []*Descriptor {
	for n := 0; n < maxBatch && r.ready > 0; n++ {
		d := r.arena[r.list[r.head]]
		if completedOnly && !d.hwComplete() {
			break
		}
		must(d.transition(StateInFlight))
		if completedOnly {
			d.length = min(int(d.buf.rfd.ActualCount()), len(d.buf.payload))
		}
		r.head = (r.head + 1) % len(r.list)
		r.ready--
		dst = append(dst, d)
	}
	return dst
}

// Abandon permanently removes an in-flight descriptor from the ring after
// a DMA failure. Its buffer is kept until Teardown.
func (r *RecvRing) Abandon(d *Descriptor) error {
	if err := d.transition(StateAbandoned); err != nil {
		return err
	}
	r.total--
	return nil
}

// CheckFloor verifies that the ring has not been starved below its
// minimum size.
func (r *RecvRing) CheckFloor() error {
	if floor := min(r.minimum, r.total); r.ready < floor {
		return fmt.Errorf("%w: ready %d, floor %d", ErrRingStarved, r.ready, floor)
	}
	return nil
}

// Teardown releases every descriptor's buffer to the pool. All descriptors
// must be back on the ring.
func (r *RecvRing) Teardown() error {
	if r.ready != r.total {
		return fmt.Errorf("%w: %d of %d receive descriptors outstanding",
			ErrNotQuiescent, r.total-r.ready, r.total)
	}
	var errs []error
	for _, d := range r.arena {
		if d.state != StateReady && d.state != StateAbandoned {
			errs = append(errs, fmt.Errorf("%w: descriptor %d is %s", ErrNotQuiescent, d.index, d.state))
			continue
		}
		r.pool.Release(d.buf)
		d.buf = nil
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.arena = r.arena[:0]
	r.head, r.ready, r.total = 0, 0, 0
	return nil
}

// Ready returns the number of descriptors on the ring.
func (r *RecvRing) Ready() int { return r.ready }

// Total returns the number of bound, non-abandoned descriptors.
func (r *RecvRing) Total() int { return r.total }

// Max returns the ring capacity.
func (r *RecvRing) Max() int { return r.max }

// Minimum returns the size at or below which the ring is degraded.
func (r *RecvRing) Minimum() int { return r.minimum }
