// Package ratelimit provides a simple frames-per-second rate limiter.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame int64
	framesSent uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		nsPerFrame: int64(time.Second) / int64(fps),
		startTime:  time.Now(),

		// Check the clock roughly every 10ms worth of frames,
		// at least every 8 frames and at most every 1024.
		checkEvery: min(max(fps/100, 8), 1024),
	}
}

// Wait blocks until n more frames are allowed or ctx is done.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}

	before := l.framesSent / l.checkEvery
	l.framesSent += n
	if l.framesSent/l.checkEvery == before {
		return nil // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.framesSent) * l.nsPerFrame))
	d := time.Until(expected)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
