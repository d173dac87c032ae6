package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/trace"
)

// ErrTransmit wraps a frame the bus refused. It is reported, never retried.
var ErrTransmit = errors.New("sched: transmit failed")

// DefaultSendTimeout bounds a single Send.
const DefaultSendTimeout = time.Second

// Transmitter sends frames and records every attempt in the observation log.
type Transmitter struct {
	Bus    cansim.Bus
	Sink   trace.Sink    // nil means trace.Discard
	Clock  Clock         // nil means Wall
	Logger *slog.Logger  // nil means slog.Default()
	// SendTimeout bounds one Send; zero means DefaultSendTimeout.
	SendTimeout time.Duration
	// OnSend, if set, observes every attempt after it is logged. err is nil
	// on success or wraps ErrTransmit.
	OnSend func(f cansim.Frame, err error)
}

func (t *Transmitter) clock() Clock {
	if t.Clock == nil {
		return Wall
	}
	return t.Clock
}

func (t *Transmitter) sink() trace.Sink {
	if t.Sink == nil {
		return trace.Discard
	}
	return t.Sink
}

func (t *Transmitter) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// Transmit sends f once. ok reports whether the bus accepted it. A refused
// frame is logged and ok is false with a nil error; err is only returned
// when the observation log cannot be written.
//
// Cancellation of ctx does not cut a send short: once started, a send runs
// to completion or SendTimeout.
func (t *Transmitter) Transmit(ctx context.Context, f cansim.Frame) (ok bool, err error) {
	timeout := t.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	sendErr := t.Bus.Send(sendCtx, f)
	cancel()

	stamped := f.WithTimestamp(cansim.UnixSeconds(t.clock().Now()))
	if sendErr != nil {
		sendErr = fmt.Errorf("%w: %w", ErrTransmit, sendErr)
		t.logger().Warn("send failed", "frame", stamped.String(), "err", sendErr)
	}
	if err := t.sink().Append(stamped); err != nil {
		return false, err
	}
	if t.OnSend != nil {
		t.OnSend(stamped, sendErr)
	}
	return sendErr == nil, nil
}
