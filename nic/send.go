package nic

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/pcidrv-go/hw"
)

// SubmitWrite copies the request's payload into a free transmit control
// block and starts the command unit on it. The request is completed by the
// send pipeline once the device reports the block done.
//
// ErrBusy means every block is in use: the request was not taken and
// should be queued until Client.TransmitSpaceAvailable.
func (d *Device) SubmitWrite(req WriteRequest) error {
	p := req.Payload()
	if len(p) == 0 || len(p) > d.cfg.FrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidLength, len(p), d.cfg.FrameSize)
	}

	d.sendLock.Lock()
	defer d.sendLock.Unlock()
	if !d.txActive {
		return ErrDeviceStopped
	}

	b, err := d.tx.Allocate()
	if err != nil {
		return err
	}
	must(b.load(p, d.cfg.MaxFragments))
	b.req = req
	d.issue(hw.CmdCUStart, b.tcbPhys)

	if d.l.Logger.IsLevelEnabled(logrus.TraceLevel) {
		d.l.WithFields(logrus.Fields{
			"tcb":       b.index,
			"bytes":     b.length,
			"fragments": b.fragments,
		}).Trace("Submitted write")
	}
	return nil
}

// sendDPC retires the completed prefix of the transmit chain in
// submission order, then completes the requests outside sendLock and
// tells the client space is available.
//
// Called with dpcLock held.
func (d *Device) sendDPC() {
	done := d.done[:0]

	d.sendLock.Lock()
	if !d.txActive {
		d.sendLock.Unlock()
		return
	}
	for b := d.tx.Head(); b != nil && b.hwComplete(); b = d.tx.Head() {
		c := txCompletion{req: b.req, n: b.length}
		if b.hwOK() {
			d.stats.txBytes.Inc(int64(b.length))
		} else {
			c.n, c.err = 0, ErrTransmitFailed
		}
		must(d.tx.Free(b))
		done = append(done, c)
	}
	d.sendLock.Unlock()

	for i, c := range done {
		if c.req != nil {
			c.req.Complete(c.n, c.err)
		}
		done[i] = txCompletion{}
	}
	d.done = done[:0]

	if len(done) == 0 {
		return
	}
	if client := d.currentClient(); client != nil {
		client.TransmitSpaceAvailable()
	}
}
