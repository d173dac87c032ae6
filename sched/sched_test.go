package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/trace"
)

// fakeClock advances only when slept on or told to.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type sentFrame struct {
	frame cansim.Frame
	at    time.Time
}

// recordBus records every Send. With a fake clock, each Send takes latency.
type recordBus struct {
	mu      sync.Mutex
	clock   *fakeClock
	latency time.Duration
	fail    func(n int) error
	after   func(n int)
	sent    []sentFrame
}

func (b *recordBus) Send(ctx context.Context, f cansim.Frame) error {
	b.mu.Lock()
	n := len(b.sent)
	at := time.Now()
	if b.clock != nil {
		at = b.clock.Now()
		b.clock.advance(b.latency)
	}
	b.sent = append(b.sent, sentFrame{frame: f, at: at})
	fail, after := b.fail, b.after
	b.mu.Unlock()

	var err error
	if fail != nil {
		err = fail(n)
	}
	if after != nil {
		after(n + 1)
	}
	return err
}

func (b *recordBus) Receive(ctx context.Context) (cansim.Frame, error) {
	<-ctx.Done()
	return cansim.Frame{}, ctx.Err()
}

func (b *recordBus) Close() error { return nil }

func (b *recordBus) frames() []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentFrame(nil), b.sent...)
}

// memSink keeps appended frames in memory.
type memSink struct {
	mu     sync.Mutex
	frames []cansim.Frame
	err    error
}

func (s *memSink) Append(f cansim.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) rows() []cansim.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cansim.Frame(nil), s.frames...)
}

var errBusOff = errors.New("bus-off")

func frameAt(ts float64, id uint32, data ...byte) cansim.Frame {
	f := cansim.MustFrame(id, data)
	f.Timestamp = ts
	return f
}

var _ trace.Sink = (*memSink)(nil)

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
