package nic

import (
	"errors"
	"fmt"

	"github.com/romshark/pcidrv-go/dma"
)

const (
	DefaultNumRfd      = 256
	DefaultMinRfds     = 16
	DefaultMaxGrowRfds = 256
	HardMaxRfds        = 1024

	DefaultNumTcb = 32
	HardMaxTcbs   = 64

	DefaultFrameSize    = 2048
	MaxFrameSize        = 16 * 1024
	DefaultMaxFragments = 8
	DefaultBatchSize    = 64 // Receive descriptors drained per interrupt loop.
)

var (
	ErrFrameSizeTooLarge = errors.New("frame size too large")
	ErrTooFewFragments   = errors.New("max fragments cannot cover one frame")
)

// Config holds the ring sizing parameters read once at device start.
type Config struct {
	// NumRfd is the number of receive descriptors to bind at start,
	// clamped to [1, HardMaxRfds].
	NumRfd int `yaml:"num-rfd"`
	// MinRfds is the receive ring size at or below which the device runs
	// degraded.
	MinRfds int `yaml:"min-rfds"`
	// MaxGrowRfds bounds the receive ring together with NumRfd:
	// the maximum total is max(NumRfd, MaxGrowRfds).
	MaxGrowRfds int `yaml:"max-grow-rfds"`
	// RfdShrinkThreshold is accepted for compatibility and has no effect.
	// The receive ring never shrinks.
	RfdShrinkThreshold int `yaml:"rfd-shrink-threshold"`

	// NumTcb is the requested number of transmit control blocks, clamped
	// to [1, HardMaxTcbs] and later by the available map registers.
	NumTcb int `yaml:"num-tcb"`

	// FrameSize is the payload capacity of one receive descriptor and the
	// largest accepted write.
	FrameSize int `yaml:"frame-size"`
	// MaxFragments is the number of fragment table entries per TCB.
	MaxFragments int `yaml:"max-fragments"`
	// BatchSize is the number of receive descriptors drained per loop.
	BatchSize int `yaml:"batch-size"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumRfd == 0 {
		c.NumRfd = DefaultNumRfd
	}
	c.NumRfd = clamp(c.NumRfd, 1, HardMaxRfds)
	if c.MaxGrowRfds == 0 {
		c.MaxGrowRfds = DefaultMaxGrowRfds
	}
	c.MaxGrowRfds = clamp(c.MaxGrowRfds, 1, HardMaxRfds)
	if c.MinRfds == 0 {
		c.MinRfds = DefaultMinRfds
	}
	c.MinRfds = clamp(c.MinRfds, 0, c.NumRfd-1)

	if c.NumTcb == 0 {
		c.NumTcb = DefaultNumTcb
	}
	c.NumTcb = clamp(c.NumTcb, 1, HardMaxTcbs)

	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.FrameSize < 0 || c.FrameSize > MaxFrameSize {
		return fmt.Errorf("%w: %d (max %d)", ErrFrameSizeTooLarge, c.FrameSize, MaxFrameSize)
	}
	if c.MaxFragments == 0 {
		c.MaxFragments = DefaultMaxFragments
	}
	if need := c.perTransferMapRegisters(); c.MaxFragments < need {
		return fmt.Errorf("%w: %d < %d", ErrTooFewFragments, c.MaxFragments, need)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.BatchSize = max(c.BatchSize, 1)
	return nil
}

// MaxTotalRfds is the capacity of the receive ring.
func (c *Config) MaxTotalRfds() int {
	return max(c.NumRfd, c.MaxGrowRfds)
}

// perTransferMapRegisters is the number of page translations one frame
// needs in the worst case, when it straddles a page boundary.
func (c *Config) perTransferMapRegisters() int {
	return dma.BytesToPages(c.FrameSize) + 1
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
