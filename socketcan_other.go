//go:build !linux

package cansim

import (
	"context"
	"errors"
	"log/slog"
)

// DialSocketCAN is only available on Linux.
func DialSocketCAN(ctx context.Context, iface string, logger *slog.Logger) (Bus, error) {
	return nil, errors.ErrUnsupported
}
