package trace

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/notnil/cansim"
)

// ErrSinkWrite wraps every failure to persist an observed frame.
var ErrSinkWrite = errors.New("trace: sink write failed")

// ErrSinkClosed is returned by Append after Close.
var ErrSinkClosed = fmt.Errorf("%w: sink closed", ErrSinkWrite)

// Sink persists observed frames. Implementations serialize Append so one
// row is fully written before the next begins; rows land in call order.
type Sink interface {
	Append(f cansim.Frame) error
	Close() error
}

// Discard is a Sink that drops every frame.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(cansim.Frame) error { return nil }
func (discard) Close() error              { return nil }

// Multi fans each frame out to several sinks under one lock, so every sink
// sees the same row order.
type Multi struct {
	mu     sync.Mutex
	sinks  []Sink
	closed bool
}

// NewMulti returns a sink writing to all of sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Append writes f to every sink and returns the first failure.
func (m *Multi) Append(f cansim.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	for _, s := range m.sinks {
		if err := s.Append(f); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, joining their errors.
func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Create opens an observation sink for path. The extension selects the
// format as in ReadFile.
func Create(path string) (Sink, error) {
	switch kindOf(path) {
	case kindPcap:
		return CreatePcap(path)
	case kindSQLite:
		return OpenSQLite(path)
	}
	return CreateCSV(path)
}

// CreateAll opens one sink per comma-separated path. An empty list yields
// Discard.
func CreateAll(paths string) (Sink, error) {
	var sinks []Sink
	for _, p := range strings.Split(paths, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s, err := Create(p)
		if err != nil {
			for _, open := range sinks {
				_ = open.Close()
			}
			return nil, fmt.Errorf("trace: open %s: %w", p, err)
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return Discard, nil
	case 1:
		return sinks[0], nil
	}
	return NewMulti(sinks...), nil
}

func writeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrSinkWrite, err)
}
