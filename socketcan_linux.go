//go:build linux

package cansim

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// socketCAN implements Bus over Linux SocketCAN using go.einride.tech/can.
type socketCAN struct {
	conn   net.Conn
	tx     *socketcan.Transmitter
	logger *slog.Logger

	rmu       sync.Mutex // one reader at a time owns the read deadline
	closeOnce sync.Once
	closeErr  error
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name (e.g., "can0").
// Error frames reported by the controller are logged and skipped by Receive.
func DialSocketCAN(ctx context.Context, iface string, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, err
	}
	return &socketCAN{
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		logger: logger.With("iface", iface),
	}, nil
}

func (s *socketCAN) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// Send transmits one frame. The declared DLC goes on the wire as the frame
// length; payload bytes past it are not sent and missing ones are zero.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	cf := can.Frame{
		ID:         frame.ID,
		Length:     frame.DLC,
		IsExtended: frame.Extended,
	}
	copy(cf.Data[:], frame.Data)
	if err := s.tx.TransmitFrame(ctx, cf); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads the next data frame. ctx's deadline becomes the socket read
// deadline; cancellation interrupts a pending read.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		// Receiver keeps the first error forever, so use a fresh one per read.
		rx := socketcan.NewReceiver(s.conn)
		if !rx.Receive() {
			err := rx.Err()
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			if err == nil || errors.Is(err, net.ErrClosed) {
				return Frame{}, ErrClosed
			}
			return Frame{}, err
		}
		if rx.HasErrorFrame() {
			s.logger.Warn("socketcan error frame", "frame", rx.ErrorFrame())
			continue
		}
		cf := rx.Frame()
		if cf.IsRemote {
			continue
		}
		n := int(cf.Length)
		if n > MaxDataLen {
			n = MaxDataLen
		}
		return Frame{
			ID:       cf.ID,
			Extended: cf.IsExtended,
			DLC:      cf.Length,
			Data:     append([]byte(nil), cf.Data[:n]...),
		}, nil
	}
}
