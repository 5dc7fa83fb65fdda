// Package bridge connects callers to a nic.Device. Reads wait in a FIFO
// until the receive pipeline has a frame for them; writes go straight to
// the transmit ring and are queued in order while it is full.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/romshark/pcidrv-go/nic"
)

var (
	ErrClosed   = errors.New("bridge closed")
	ErrCanceled = errors.New("request canceled")
)

// Device is the part of nic.Device the bridge drives.
type Device interface {
	Attach(c nic.Client) error
	SubmitWrite(req nic.WriteRequest) error
	Shutdown() error
}

// Bridge implements nic.Client.
//
// Lock order: mu is taken before the device's send lock. The device calls
// NextRead and TransmitSpaceAvailable from interrupt work without holding
// any of its ring locks.
type Bridge struct {
	l   *logrus.Entry
	dev Device

	mu     sync.Mutex
	reads  *queue.Queue // *Request
	writes *queue.Queue // *Request
	closed bool
}

// New creates a bridge and attaches it to dev. dev must not be started.
func New(dev Device, l *logrus.Logger) (*Bridge, error) {
	b := &Bridge{
		l:      l.WithField("component", "bridge"),
		dev:    dev,
		reads:  queue.New(),
		writes: queue.New(),
	}
	if err := dev.Attach(b); err != nil {
		return nil, err
	}
	return b, nil
}

// PostRead queues r behind earlier reads.
func (b *Bridge) PostRead(r *Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.reads.Add(r)
	return nil
}

// PostWrite submits r to the device, or queues it if earlier writes are
// still waiting or the transmit ring is full. Errors other than ErrClosed
// have already completed r.
func (b *Bridge) PostWrite(r *Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.writes.Length() > 0 {
		b.writes.Add(r)
		return nil
	}
	if !r.tryClaim() {
		// Canceled before it was posted.
		return nil
	}

	err := b.dev.SubmitWrite(r)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nic.ErrBusy):
		if r.unclaim() {
			b.writes.Add(r)
		}
		return nil
	default:
		r.Complete(0, err)
		return err
	}
}

// Read receives one frame into p.
func (b *Bridge) Read(ctx context.Context, p []byte) (int, error) {
	r := NewRequest(p)
	if err := b.PostRead(r); err != nil {
		return 0, err
	}
	return r.Wait(ctx)
}

// Write transmits p as one frame and waits until the device is done with it.
func (b *Bridge) Write(ctx context.Context, p []byte) (int, error) {
	r := NewRequest(p)
	if err := b.PostWrite(r); err != nil {
		return 0, err
	}
	return r.Wait(ctx)
}

// NextRead hands the oldest pending read to the device, skipping reads
// that were canceled while queued.
func (b *Bridge) NextRead() nic.ReadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.reads.Length() > 0 {
		r := b.reads.Remove().(*Request)
		if r.tryClaim() {
			return r
		}
	}
	return nil
}

// TransmitSpaceAvailable submits queued writes until the transmit ring is
// full again.
func (b *Bridge) TransmitSpaceAvailable() {
	b.mu.Lock()
	defer b.mu.Unlock()

	submitted := 0
	for b.writes.Length() > 0 {
		r := b.writes.Peek().(*Request)
		if !r.tryClaim() {
			b.writes.Remove()
			continue
		}
		err := b.dev.SubmitWrite(r)
		if errors.Is(err, nic.ErrBusy) {
			if !r.unclaim() {
				b.writes.Remove()
				continue
			}
			break
		}
		b.writes.Remove()
		if err != nil {
			r.Complete(0, err)
			continue
		}
		submitted++
	}
	if submitted > 0 && b.l.Logger.IsLevelEnabled(logrus.TraceLevel) {
		b.l.WithFields(logrus.Fields{
			"submitted": submitted,
			"queued":    b.writes.Length(),
		}).Trace("Resumed queued writes")
	}
}

// PendingReads returns the number of queued reads, including canceled ones
// not yet skipped.
func (b *Bridge) PendingReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads.Length()
}

// PendingWrites returns the number of writes waiting for transmit space.
func (b *Bridge) PendingWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes.Length()
}

// Close completes every queued request with ErrClosed and shuts the
// device down. Writes the device already owns are completed by the
// shutdown.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var queued []*Request
	for _, q := range []*queue.Queue{b.reads, b.writes} {
		for q.Length() > 0 {
			queued = append(queued, q.Remove().(*Request))
		}
	}
	b.mu.Unlock()

	for _, r := range queued {
		r.Complete(0, ErrClosed)
	}
	if len(queued) > 0 {
		b.l.WithField("count", len(queued)).Debug("Canceled queued requests")
	}
	return b.dev.Shutdown()
}
