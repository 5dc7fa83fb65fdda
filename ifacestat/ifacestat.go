// Package ifacestat snapshots the byte counters of one or more devices and
// prints the difference between two snapshots.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/pcidrv-go/nic"
)

type Counter int

const (
	TxBytes Counter = iota
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxBytes:
		return "tx.bytes"
	case RxBytes:
		return "rx.bytes"
	}
	return ""
}

// Source is anything reporting device byte counters, usually a *nic.Device.
type Source interface {
	Stats() nic.Stats
}

// Per-device values.
type DeviceStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]DeviceStats

// Snapshot reads the counters of every named source.
func Snapshot(sources map[string]Source) Stats {
	s := make(Stats, len(sources))
	for name, src := range sources {
		st := src.Stats()
		s[name] = DeviceStats{
			TxBytes: st.TxBytes,
			RxBytes: st.RxBytes,
		}
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for dev, now := range s {
		prev := old[dev]
		diff := make(DeviceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[dev] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	devs := make([]string, 0, len(s))
	for dev := range s {
		devs = append(devs, dev)
	}
	slices.Sort(devs)

	for _, dev := range devs {
		stats := s[dev]

		if alias, ok := aliases[dev]; ok {
			if _, err := fmt.Fprintf(w, "%s (%s):\n", dev, alias); err != nil {
				return err
			}
		} else if _, err := fmt.Fprintf(w, "%s :\n", dev); err != nil {
			return err
		}

		for _, ctr := range []Counter{TxBytes, RxBytes} {
			v := stats[ctr]
			if _, err := fmt.Fprintf(w, "  %-9s ≈ %-8s (%s)\n",
				ctr, humanize.Bytes(v), humanize.Comma(int64(v)),
			); err != nil {
				return err
			}
		}
	}
	return nil
}
