//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/pcidrv-go/bridge"
	"github.com/romshark/pcidrv-go/config"
	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/frame"
	"github.com/romshark/pcidrv-go/hw"
	"github.com/romshark/pcidrv-go/ifacestat"
	"github.com/romshark/pcidrv-go/loopback"
	"github.com/romshark/pcidrv-go/nic"
)

type Options struct {
	Count    int           `yaml:"count"`
	Size     int           `yaml:"size"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	MaxRetry int           `yaml:"max-retry"`
}

func loadConfig() (*config.Config, *Options, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fCount := flag.Int("n", 4, "number of pings")
	fSize := flag.Int("l", 0, "extra bytes after the ping payload")
	fTimeout := flag.Duration("w", time.Second, "reply timeout")
	fInterval := flag.Duration("i", time.Second, "interval between pings")
	fRetry := flag.Int("retry", 3, "resends before giving up on a ping")
	fHardware := flag.String("hw", "", "register backend: loopback, port or memory")
	fPath := flag.String("path", "", "port device or PCI resource file")
	fLevel := flag.String("log", "", "log level")

	flag.Parse()

	var (
		conf *config.Config
		err  error
	)
	if *fConfig != "" {
		conf, err = config.Load(*fConfig)
	} else {
		conf, err = config.Parse(nil)
	}
	if err != nil {
		return nil, nil, err
	}

	// Apply CLI overrides if necessary.
	if *fHardware != "" {
		conf.Hardware.Kind = *fHardware
	}
	if *fPath != "" {
		conf.Hardware.Path = *fPath
	}
	if *fLevel != "" {
		conf.Logging.Level = *fLevel
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, nil, err
	}

	opts := &Options{
		Count:    *fCount,
		Size:     *fSize,
		Timeout:  *fTimeout,
		Interval: *fInterval,
		MaxRetry: *fRetry,
	}
	if opts.Count <= 0 {
		return nil, nil, errors.New("count must be > 0")
	}
	if opts.Size < 0 || len(frame.Ping)+opts.Size > conf.Device.FrameSize {
		return nil, nil, fmt.Errorf("size must be between 0-%d", conf.Device.FrameSize-len(frame.Ping))
	}
	if opts.Timeout <= 0 {
		return nil, nil, errors.New("timeout must be > 0")
	}
	return conf, opts, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type allocator interface {
	dma.Allocator
	dma.Memory
}

func openAllocator(c config.DMA) (allocator, func() error, error) {
	switch c.Kind {
	case config.DMAMmap:
		m := dma.NewMmap(c.MapRegisters)
		return m, m.Close, nil
	default:
		return dma.NewHeap(dma.WithMapRegisters(c.MapRegisters)), func() error { return nil }, nil
	}
}

// backend is the register window of the device and the loop that delivers
// its interrupts.
type backend struct {
	regs  hw.Accessor
	run   func(ctx context.Context, dev *nic.Device) error
	close func() error
}

func openBackend(c config.Hardware, mem dma.Memory, l *logrus.Logger) (*backend, error) {
	switch c.Kind {
	case config.HardwarePort:
		f, err := os.OpenFile(c.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("opening port space: %w", err)
		}
		regs, err := hw.Map(hw.Resource{Kind: hw.KindPort, Port: f, Base: c.Base})
		if err != nil {
			f.Close()
			return nil, err
		}
		return &backend{regs: regs, run: pollInterrupts(regs), close: f.Close}, nil

	case config.HardwareMemory:
		window, unmap, err := hw.MapBAR(c.Path, hw.WindowSize)
		if err != nil {
			return nil, err
		}
		regs, err := hw.Map(hw.Resource{Kind: hw.KindMemory, Mem: window})
		if err != nil {
			unmap()
			return nil, err
		}
		return &backend{regs: regs, run: pollInterrupts(regs), close: unmap}, nil

	default:
		var opts []loopback.Option
		if !*c.Loop {
			opts = append(opts, loopback.WithoutLoop())
		}
		lb := loopback.New(mem, l, opts...)
		return &backend{
			regs: lb,
			run: func(ctx context.Context, dev *nic.Device) error {
				lb.Connect(dev.HandleInterrupt)
				return lb.Run(ctx)
			},
			close: func() error { return nil },
		}, nil
	}
}

// pollInterrupts services the device from a ticker: interrupt line
// registration is left to the platform.
func pollInterrupts(regs hw.Accessor) func(context.Context, *nic.Device) error {
	return func(ctx context.Context, dev *nic.Device) error {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			for dev.HandleInterrupt() {
			}
			if p, ok := regs.(*hw.PortAccessor); ok && p.Err() != nil {
				return p.Err()
			}
		}
	}
}

type Report struct {
	Sent     int
	Received int
	Lost     int
	RTTs     []time.Duration
}

// ping posts a read, writes the ping and waits for the reply, resending
// up to MaxRetry times on timeout.
func ping(ctx context.Context, br *bridge.Bridge, name string, opts *Options) (r Report) {
	payload := make([]byte, len(frame.Ping)+opts.Size)
	copy(payload, frame.Ping)

	fmt.Printf("Pinging %s with %d bytes of data\n", name, len(payload))

	for seq := 1; seq <= opts.Count && ctx.Err() == nil; seq++ {
		if seq > 1 {
			select {
			case <-ctx.Done():
				return r
			case <-time.After(opts.Interval):
			}
		}

		read := bridge.NewRequest(make([]byte, len(payload)))
		if err := br.PostRead(read); err != nil {
			fmt.Printf("Posting read: %v\n", err)
			return r
		}

		replied := false
		for retry := 0; retry <= opts.MaxRetry && !replied; retry++ {
			start := time.Now()
			if _, err := br.Write(ctx, payload); err != nil {
				fmt.Printf("Write failed: %v\n", err)
				continue
			}
			r.Sent++

			wctx, cancel := context.WithTimeout(ctx, opts.Timeout)
			select {
			case <-read.Done():
				n, err := read.Result()
				if err != nil {
					fmt.Printf("Read failed: %v\n", err)
				} else {
					rtt := time.Since(start)
					r.RTTs = append(r.RTTs, rtt)
					r.Received++
					fmt.Printf("Reply from %s: seq=%d bytes=%d time=%s\n", name, seq, n, rtt)
				}
				replied = true
			case <-wctx.Done():
				if ctx.Err() == nil {
					fmt.Printf("Request timed out: seq=%d\n", seq)
				}
			}
			cancel()
		}
		if !replied {
			read.Cancel()
			r.Lost++
			if ctx.Err() == nil {
				fmt.Println("No response from the target")
			}
			return r
		}
	}
	return r
}

func main() {
	conf, opts, err := loadConfig()
	fatalIf(err, "reading config")

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

	alloc, closeAlloc, err := openAllocator(conf.DMA)
	fatalIf(err, "opening DMA allocator")
	defer closeAlloc()

	be, err := openBackend(conf.Hardware, alloc, l)
	fatalIf(err, "opening %s registers", conf.Hardware.Kind)
	defer be.close()

	const name = "nic0"
	dev, err := nic.New(conf.Device, alloc, be.regs, nic.Options{Name: name, Logger: l, Metrics: reg})
	fatalIf(err, "creating device")
	br, err := bridge.New(dev, l)
	fatalIf(err, "creating bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- be.run(runCtx, dev) }()

	fatalIf(dev.Start(), "starting device")
	before := ifacestat.Snapshot(map[string]ifacestat.Source{name: dev})

	start := time.Now()
	r := ping(ctx, br, name, opts)
	elapsed := time.Since(start)

	fatalIf(br.Close(), "closing bridge")
	cancelRun()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Interrupt loop failed")
	}

	var minRTT, maxRTT, sumRTT time.Duration
	for i, rtt := range r.RTTs {
		if i == 0 || rtt < minRTT {
			minRTT = rtt
		}
		maxRTT = max(maxRTT, rtt)
		sumRTT += rtt
	}
	var avgRTT time.Duration
	if len(r.RTTs) > 0 {
		avgRTT = sumRTT / time.Duration(len(r.RTTs))
	}
	var loss float64
	if r.Sent > 0 {
		loss = float64(r.Sent-r.Received) / float64(r.Sent) * 100
	}

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed.Seconds())
	p.Printf(" Sent:              %d\n", r.Sent)
	p.Printf(" Received:          %d\n", r.Received)
	p.Printf(" Lost:              %d (%.1f%%)\n", r.Sent-r.Received, loss)
	p.Printf(" Unanswered pings:  %d\n", r.Lost)
	p.Printf(" RTT min/avg/max:   %s / %s / %s\n", minRTT, avgRTT, maxRTT)
	p.Print("\n")
	_ = ifacestat.Print(os.Stdout,
		ifacestat.Snapshot(map[string]ifacestat.Source{name: dev}).Since(before),
		map[string]string{name: conf.Hardware.Kind},
	)
}
