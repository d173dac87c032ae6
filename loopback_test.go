package cansim

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopbackBus_SendReceive_MultiEndpoint(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()
	c := bus.Open()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	send := MustFrame(0x321, []byte("hello"))

	done := make(chan error, 1)
	go func() { done <- a.Send(ctx, send) }()

	gotB, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive b: %v", err)
	}
	gotC, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive c: %v", err)
	}
	if !gotB.Equal(send) || !bytes.Equal(gotB.Data, []byte("hello")) {
		t.Fatalf("b mismatch: got %+v want %+v", gotB, send)
	}
	if !gotC.Equal(send) {
		t.Fatalf("c mismatch: got %+v want %+v", gotC, send)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotB.String() != "321 [5] 68 65 6C 6C 6F" {
		t.Fatalf("string: got %q", gotB.String())
	}

	// The sender does not hear itself.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := a.Receive(short); !IsTimeout(err) {
		t.Fatalf("sender received its own frame or failed: %v", err)
	}
}

func TestLoopbackBus_ReceiversGetOwnPayload(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	a, b := bus.Open(), bus.Open()
	ctx := context.Background()

	send := MustFrame(0x10, []byte{1, 2})
	if err := a.Send(ctx, send); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	got.Data[0] = 0xFF
	if send.Data[0] != 1 {
		t.Fatalf("receiver payload aliases sender payload")
	}
}

func TestLoopbackBus_SendFault(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	a, b := bus.Open(), bus.Open()
	ctx := context.Background()

	busOff := errors.New("bus-off")
	bus.SetSendFault(func(f Frame) error {
		if f.ID == 0x666 {
			return busOff
		}
		return nil
	})
	if err := a.Send(ctx, MustFrame(0x666, nil)); !errors.Is(err, busOff) {
		t.Fatalf("send err = %v, want bus-off", err)
	}
	if err := a.Send(ctx, MustFrame(0x111, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil || got.ID != 0x111 {
		t.Fatalf("receive got %v, %v; want only the 0x111 frame", got, err)
	}
	bus.SetSendFault(nil)
	if err := a.Send(ctx, MustFrame(0x666, nil)); err != nil {
		t.Fatalf("send after clearing fault: %v", err)
	}
}

func TestLoopbackBus_CloseBehavior(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	ctx := context.Background()

	// Close endpoint and ensure it errors
	_ = a.Close()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Receive, got %v", err)
	}
	if err := a.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Send, got %v", err)
	}

	// Close bus and ensure other endpoint errors after close
	_ = bus.Close()
	if _, err := b.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint should error after bus close, got %v", err)
	}
	if err := b.Send(ctx, MustFrame(0x1, nil)); err == nil {
		t.Fatalf("endpoint should error on Send after bus close")
	}
	if _, err := bus.Open().Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint opened on closed bus should be closed, got %v", err)
	}
}

func TestLoopbackBus_ReceiveHonoursContext(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	a := bus.Open()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("receive err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receive did not observe cancellation")
	}
}
