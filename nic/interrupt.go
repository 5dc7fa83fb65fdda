package nic

import (
	"github.com/sirupsen/logrus"

	"github.com/romshark/pcidrv-go/hw"
)

// HandleInterrupt is the interrupt service routine. It acknowledges the
// pending status bits and runs the receive and transmit work they signal.
// It reports false if the device had nothing pending, as on a shared line.
func (d *Device) HandleInterrupt() bool {
	d.dpcLock.Lock()
	defer d.dpcLock.Unlock()

	status := d.regs.Read16(hw.RegStatus) & hw.StatusAckMask
	if status == 0 {
		return false
	}
	d.regs.Write16(hw.RegStatus, status)

	if status&hw.StatusRNR != 0 {
		d.l.Debug("Receive unit ran out of descriptors")
	}
	if status&hw.StatusFR != 0 {
		d.recvDPC()
	}
	if status&hw.StatusCX != 0 {
		d.sendDPC()
	}
	return true
}

// NotifyReceiveInterrupt runs the receive pipeline.
func (d *Device) NotifyReceiveInterrupt() {
	d.dpcLock.Lock()
	defer d.dpcLock.Unlock()
	d.recvDPC()
}

// NotifyTransmitInterrupt runs the send pipeline.
func (d *Device) NotifyTransmitInterrupt() {
	d.dpcLock.Lock()
	defer d.dpcLock.Unlock()
	d.sendDPC()
}

// recvDPC drains completed receive descriptors in batches, copies them
// into pending client reads and recycles them. The number of batches per
// call is bounded so one interrupt cannot monopolize the CPU; anything
// left over is picked up by the next receive interrupt.
//
// Called with dpcLock held.
func (d *Device) recvDPC() {
	d.rcvLock.Lock()
	if !d.rxActive {
		d.rcvLock.Unlock()
		return
	}
	must(d.rx.CheckFloor())

	loops := d.rx.Max()/d.cfg.BatchSize + 1
	for range loops {
		batch := d.rx.DrainCompleted(d.batch[:0], d.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}

		kept := batch[:0]
		for _, desc := range batch {
			if desc.buf.rfd.Status()&hw.DescOK == 0 {
				must(d.rx.Abandon(desc))
				d.l.WithFields(logrus.Fields{
					"descriptor": desc.index,
					"status":     desc.buf.rfd.Status(),
					"total":      d.rx.Total(),
				}).Warn("Abandoned receive descriptor after DMA error")
				continue
			}
			kept = append(kept, desc)
		}

		d.rcvLock.Unlock()
		d.serviceReads(kept)
		d.rcvLock.Lock()

		for _, desc := range kept {
			must(d.rx.Recycle(desc))
		}
	}

	must(d.rx.CheckFloor())
	d.rcvLock.Unlock()
}

// serviceReads copies each in-flight descriptor into the next pending
// client read. Descriptors without a reader are dropped.
func (d *Device) serviceReads(batch []*Descriptor) {
	client := d.currentClient()
	for _, desc := range batch {
		var req ReadRequest
		if client != nil {
			req = client.NextRead()
		}
		if req == nil {
			must(desc.Release())
			if d.l.Logger.IsLevelEnabled(logrus.TraceLevel) {
				d.l.WithField("bytes", desc.length).Trace("No pending read, frame dropped")
			}
			continue
		}

		must(desc.transition(StateClientCopy))
		n := copy(req.Buffer(), desc.Payload())
		d.stats.rxBytes.Inc(int64(n))
		req.Complete(n, nil)
		must(desc.Release())
	}
}
