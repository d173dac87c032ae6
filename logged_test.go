package cansim

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordSink struct {
	mu      sync.Mutex
	records []slog.Record
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }
func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	// Make a deep copy of attributes because slog reuses the record during processing
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr := slog.Record{Time: r.Time, Level: r.Level, PC: r.PC, Message: r.Message}
	for _, a := range attrs {
		nr.AddAttrs(a)
	}
	s.mu.Lock()
	s.records = append(s.records, nr)
	s.mu.Unlock()
	return nil
}
func (s *recordSink) WithAttrs(attrs []slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(name string) slog.Handler       { return s }

func hasSlogMsg(records []slog.Record, level slog.Level, msg string) bool {
	for _, r := range records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}

func TestLoggedBus_WriteAndReadLogging(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()

	sink := &recordSink{}
	logger := slog.New(sink)

	// Wrap both endpoints to verify read and write logging independently.
	sender := NewLoggedBus(lb.Open(), logger, slog.LevelInfo, LogWrite)
	receiver := NewLoggedBus(lb.Open(), logger, slog.LevelInfo, LogRead)
	defer sender.Close()
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame := MustFrame(0x123, []byte{1, 2, 3})
	if err := sender.Send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := receiver.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if !hasSlogMsg(sink.records, slog.LevelInfo, "cansim send") {
		t.Fatalf("expected write log entry")
	}
	if !hasSlogMsg(sink.records, slog.LevelInfo, "cansim receive") {
		t.Fatalf("expected read log entry")
	}
}

func TestLoggedBus_ErrorLogging(t *testing.T) {
	lb := NewLoopbackBus()
	// Create and immediately close a receiver to force error on Receive
	rx := lb.Open()
	_ = rx.Close()

	sink := &recordSink{}
	logger := slog.New(sink)
	wrapped := NewLoggedBus(rx, logger, slog.LevelInfo, LogRead)
	_, _ = wrapped.Receive(context.Background())

	if !hasSlogMsg(sink.records, slog.LevelError, "cansim receive error") {
		t.Fatalf("expected receive error log entry")
	}
}

func TestLoggedBus_TimeoutIsNotAnError(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()
	sink := &recordSink{}
	wrapped := NewLoggedBus(lb.Open(), slog.New(sink), slog.LevelInfo, LogAll)
	defer wrapped.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := wrapped.Receive(ctx); !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("timeouts should not be logged, got %d records", len(sink.records))
	}
}

func TestLoggedBus_FilterLimitsLogging(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()
	sink := &recordSink{}
	sender := NewLoggedBusWithFilter(lb.Open(), slog.New(sink), slog.LevelInfo, LogWrite, ByID(0x200))
	defer sender.Close()

	ctx := context.Background()
	_ = sender.Send(ctx, MustFrame(0x100, nil))
	if len(sink.records) != 0 {
		t.Fatalf("filtered frame was logged")
	}
	_ = sender.Send(ctx, MustFrame(0x200, nil))
	if !hasSlogMsg(sink.records, slog.LevelInfo, "cansim send") {
		t.Fatalf("expected log entry for matching frame")
	}
}
