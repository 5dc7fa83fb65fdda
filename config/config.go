// Package config loads the YAML configuration shared by the commands:
// device ring settings, logging, stats export and the DMA and register
// backends.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/pcidrv-go/dma"
	"github.com/romshark/pcidrv-go/nic"
)

const (
	DMAHeap = "heap"
	DMAMmap = "mmap"

	HardwareLoopback = "loopback"
	HardwarePort     = "port"
	HardwareMemory   = "memory"

	DefaultStatsInterval = 10 * time.Second
)

type Config struct {
	Device   nic.Config `yaml:"device"`
	Logging  Logging    `yaml:"logging"`
	Stats    Stats      `yaml:"stats"`
	DMA      DMA        `yaml:"dma"`
	Hardware Hardware   `yaml:"hardware"`
}

type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	TimestampFormat  string `yaml:"timestamp_format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
}

type Stats struct {
	// Type is "none" or "prometheus".
	Type      string        `yaml:"type"`
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

type DMA struct {
	Kind         string `yaml:"kind"`
	MapRegisters int    `yaml:"map-registers"`
}

type Hardware struct {
	Kind string `yaml:"kind"`
	// Path is the port I/O device (/dev/port) or the PCI resource file of
	// the memory-mapped register window.
	Path string `yaml:"path"`
	// Base is the first I/O port of the register window.
	Base int64 `yaml:"base"`
	// Loop makes the loopback device receive what it transmits.
	Loop *bool `yaml:"loop"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if err := c.Device.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if err := ConfigureLogger(discardLogger(), c.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	switch c.Stats.Type {
	case "", "none":
		c.Stats.Type = "none"
	case "prometheus":
		if c.Stats.Listen == "" {
			return errors.New("stats.listen should not be empty")
		}
		if c.Stats.Path == "" {
			c.Stats.Path = "/metrics"
		}
		if c.Stats.Interval == 0 {
			c.Stats.Interval = DefaultStatsInterval
		}
		if c.Stats.Interval < 0 {
			return fmt.Errorf("stats.interval must be positive: %s", c.Stats.Interval)
		}
	default:
		return fmt.Errorf("stats.type was not understood: %s", c.Stats.Type)
	}

	switch c.DMA.Kind {
	case "":
		c.DMA.Kind = DMAHeap
	case DMAHeap, DMAMmap:
	default:
		return fmt.Errorf("dma.kind must be %q or %q: %q", DMAHeap, DMAMmap, c.DMA.Kind)
	}
	if c.DMA.MapRegisters <= 0 {
		c.DMA.MapRegisters = dma.DefaultMapRegisters
	}

	switch c.Hardware.Kind {
	case "":
		c.Hardware.Kind = HardwareLoopback
	case HardwareLoopback:
	case HardwarePort, HardwareMemory:
		if c.Hardware.Path == "" {
			return fmt.Errorf("hardware.path must be set for %s registers", c.Hardware.Kind)
		}
	default:
		return fmt.Errorf("hardware.kind was not understood: %s", c.Hardware.Kind)
	}
	if c.Hardware.Loop == nil {
		loop := true
		c.Hardware.Loop = &loop
	}
	return nil
}
