package nic

import (
	"github.com/rcrowley/go-metrics"
)

// Stats are the byte counters of a device.
type Stats struct {
	RxBytes uint64
	TxBytes uint64
}

type counters struct {
	rxBytes metrics.Counter
	txBytes metrics.Counter
}

func newCounters(r metrics.Registry, name string) counters {
	return counters{
		rxBytes: metrics.GetOrRegisterCounter("nic."+name+".rx.bytes", r),
		txBytes: metrics.GetOrRegisterCounter("nic."+name+".tx.bytes", r),
	}
}

func (c counters) snapshot() Stats {
	return Stats{
		RxBytes: uint64(c.rxBytes.Count()),
		TxBytes: uint64(c.txBytes.Count()),
	}
}
