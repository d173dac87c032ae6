// Package sched drives frame transmission: replay of a recorded trace with
// its original timing, and periodic generation of a fixed frame.
package sched

import (
	"context"
	"time"
)

// Clock is the time source of a scheduler.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx's error in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Wall is the real-time Clock.
var Wall Clock = wallClock{}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
