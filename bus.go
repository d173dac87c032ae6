package cansim

import (
	"context"
	"errors"
)

// Bus represents a CAN bus connection which can send and receive CAN frames.
// Implementations should be safe for concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued or sent.
	// Context cancellation should abort the operation and return the context error.
	Send(ctx context.Context, frame Frame) error

	// Receive retrieves the next available frame. It should block until a frame
	// is available or the context is done. A receive timeout is expressed as a
	// context deadline and surfaces as context.DeadlineExceeded.
	Receive(ctx context.Context) (Frame, error)

	// Close releases resources. Further Send/Receive may return an error.
	Close() error
}

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("cansim: closed")

// IsTimeout reports whether err is a receive timeout rather than a bus failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
