package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/pcidrv-go/bridge"
	"github.com/romshark/pcidrv-go/config"
	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/frame"
	"github.com/romshark/pcidrv-go/ifacestat"
	"github.com/romshark/pcidrv-go/loopback"
	"github.com/romshark/pcidrv-go/nic"
	"github.com/romshark/pcidrv-go/ratelimit"
)

type Config struct {
	config.Config `yaml:",inline"`

	Bench struct {
		Count   uint64 `yaml:"count"`
		Size    int    `yaml:"size"`
		Writers int    `yaml:"writers"`
		Readers int    `yaml:"readers"`
		Rate    uint64 `yaml:"rate"` // Frames per second, 0 is unlimited.
	} `yaml:"bench"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "frame count")
	fSize := flag.Int("l", 0, "frame size")
	fWriters := flag.Int("w", 0, "writer goroutines")
	fReaders := flag.Int("r", 0, "reader goroutines")
	fRate := flag.Uint64("rate", 0, "frames per second")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Bench.Count = *fCount
	}
	if *fSize != 0 {
		conf.Bench.Size = *fSize
	}
	if *fWriters != 0 {
		conf.Bench.Writers = *fWriters
	}
	if *fReaders != 0 {
		conf.Bench.Readers = *fReaders
	}
	if *fRate != 0 {
		conf.Bench.Rate = *fRate
	}

	// Validate

	if err := conf.Config.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.Hardware.Kind != config.HardwareLoopback {
		return nil, errors.New("hardware.kind must be loopback")
	}
	if !*conf.Hardware.Loop {
		return nil, errors.New("hardware.loop must be enabled")
	}
	if conf.Bench.Count == 0 {
		return nil, errors.New("bench.count must be > 0")
	}
	if conf.Bench.Size == 0 {
		conf.Bench.Size = frame.MinSize
	}
	if conf.Bench.Size < frame.MinSize || conf.Bench.Size > conf.Device.FrameSize {
		return nil, fmt.Errorf("bench.size must be between %d-%d", frame.MinSize, conf.Device.FrameSize)
	}
	if conf.Bench.Writers <= 0 {
		conf.Bench.Writers = 1
	}
	if conf.Bench.Readers <= 0 {
		conf.Bench.Readers = conf.Device.NumRfd
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxFailed  atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	RxInvalid atomic.Uint64

	Elapsed atomic.Int64
}

// runReceivers keeps one read per reader goroutine posted until ctx is
// canceled.
func runReceivers(ctx context.Context, g *errgroup.Group, br *bridge.Bridge, stats *Stats, readers, size int) {
	for range readers {
		g.Go(func() error {
			buf := make([]byte, size)
			for {
				n, err := br.Read(ctx, buf)
				switch {
				case ctx.Err() != nil:
					return nil
				case err != nil:
					return fmt.Errorf("reading: %w", err)
				}
				if _, err := frame.Parse(buf[:n]); err != nil {
					stats.RxInvalid.Add(1)
					continue
				}
				stats.RxPackets.Add(1)
				stats.RxBytes.Add(uint64(n))
			}
		})
	}
}

func runSenders(ctx context.Context, br *bridge.Bridge, conf *Config, stats *Stats) error {
	g, ctx := errgroup.WithContext(ctx)
	var seq atomic.Uint32
	spec := frame.DefaultSpec()
	writers := uint64(conf.Bench.Writers)

	start := time.Now()
	for w := range writers {
		count := conf.Bench.Count / writers
		if w < conf.Bench.Count%writers {
			count++
		}
		throttle := ratelimit.New(conf.Bench.Rate / writers)

		g.Go(func() error {
			for range count {
				if err := throttle.Wait(ctx, 1); err != nil {
					return err
				}
				f, err := frame.Build(spec, seq.Add(1), conf.Bench.Size)
				if err != nil {
					return err
				}
				n, err := br.Write(ctx, f)
				if err != nil {
					if errors.Is(err, nic.ErrTransmitFailed) {
						stats.TxFailed.Add(1)
						continue
					}
					return fmt.Errorf("writing: %w", err)
				}
				stats.TxPackets.Add(1)
				stats.TxBytes.Add(uint64(n))
			}
			return nil
		})
	}
	err := g.Wait()
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return err
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	// Print final resolved config.
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	l, err := config.NewLogger(conf.Logging)
	fatalIf(err, "configuring logger")

	reg := metrics.NewRegistry()
	srv, err := config.StartStats(l, conf.Stats, reg)
	fatalIf(err, "starting stats")
	if srv != nil {
		defer srv.Close()
	}

	var alloc interface {
		dma.Allocator
		dma.Memory
	}
	switch conf.DMA.Kind {
	case config.DMAMmap:
		m := dma.NewMmap(conf.DMA.MapRegisters)
		defer m.Close()
		alloc = m
	default:
		alloc = dma.NewHeap(dma.WithMapRegisters(conf.DMA.MapRegisters))
	}

	lb := loopback.New(alloc, l)
	const name = "loopback0"
	dev, err := nic.New(conf.Device, alloc, lb, nic.Options{Name: name, Logger: l, Metrics: reg})
	fatalIf(err, "creating device")
	br, err := bridge.New(dev, l)
	fatalIf(err, "creating bridge")
	lb.Connect(dev.HandleInterrupt)

	ctxDev, cancelDev := context.WithCancel(context.Background())
	defer cancelDev()
	devDone := make(chan struct{})
	go func() {
		defer close(devDone)
		_ = lb.Run(ctxDev)
	}()
	fatalIf(dev.Start(), "starting device")

	var stats Stats
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes uint64
		var lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			txPkts := stats.TxPackets.Load()
			rxPkts := stats.RxPackets.Load()
			txBytes := stats.TxBytes.Load()
			rxBytes := stats.RxBytes.Load()

			dTxPkts := txPkts - lastTxPkts
			dRxPkts := rxPkts - lastRxPkts
			dTxBytes := txBytes - lastTxBytes
			dRxBytes := rxBytes - lastRxBytes

			lastTxPkts, lastTxBytes = txPkts, txBytes
			lastRxPkts, lastRxBytes = rxPkts, rxBytes

			rings := dev.Rings()
			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f RFD=%d/%d TCB=%d/%d\n",
				txPkts, rxPkts,
				uint64(float64(dTxPkts)/dt), uint64(float64(dRxPkts)/dt),
				float64(dTxBytes*8)/1e6/dt, float64(dRxBytes*8)/1e6/dt,
				rings.RxReady, rings.RxTotal, rings.TxInUse, rings.TxCount,
			)
		}
	}()

	before := ifacestat.Snapshot(map[string]ifacestat.Source{name: dev})

	ctxRecv, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()
	var recv errgroup.Group
	runReceivers(ctxRecv, &recv, br, &stats, conf.Bench.Readers, conf.Device.FrameSize)

	fatalIf(runSenders(context.Background(), br, conf, &stats), "sending")

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for reception...\n", d)
		time.Sleep(d) // Let the last frames reach the readers.
	}
	cancelRecv()
	fatalIf(recv.Wait(), "receiving")

	fatalIf(br.Close(), "closing bridge")
	cancelDev()
	<-devDone

	if l.IsLevelEnabled(logrus.DebugLevel) {
		l.WithField("loopback", lb.Stats()).Debug("Loopback counters")
	}

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	drops := txPackets - min(rxPackets, txPackets)
	elapsed := float64(stats.Elapsed.Load()) / 1e9

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d frames\n", txPackets)
	p.Printf(" RX:                %d frames\n", rxPackets)
	p.Printf(" TX failed:         %d\n", stats.TxFailed.Load())
	p.Printf(" RX invalid:        %d\n", stats.RxInvalid.Load())
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
	p.Printf(" No RFD posted:     %d\n", lb.Stats().Dropped)
	p.Print("\n")
	_ = ifacestat.Print(os.Stdout,
		ifacestat.Snapshot(map[string]ifacestat.Source{name: dev}).Since(before),
		map[string]string{name: "device counters"},
	)
}
