package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/internal/config"
	"github.com/notnil/cansim/trace"
)

func baseConfig() config.Config {
	return config.Config{
		Iface:          "vcan0",
		ReceiveTimeout: 50 * time.Millisecond,
		SendTimeout:    time.Second,
		QueueSize:      64,
	}
}

func loopbackDialer(lb *cansim.LoopbackBus, dialed *bool) Dialer {
	return func(context.Context, string, *slog.Logger) (cansim.Bus, error) {
		if dialed != nil {
			*dialed = true
		}
		return lb.Open(), nil
	}
}

func echo(ep cansim.Bus) {
	for {
		f, err := ep.Receive(context.Background())
		if err != nil {
			return
		}
		_ = ep.Send(context.Background(), cansim.Frame{ID: f.ID + 1, DLC: f.DLC, Data: f.Data})
	}
}

func TestRun_ReplayWithMutationAndLog(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	if err := os.WriteFile(in, []byte("ts,id_hex,is_ext,dlc,data_hex\n0.000,110,0,2,0102\n0.050,120,0,1,ff\n"), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	out := filepath.Join(dir, "out.csv")

	lb := cansim.NewLoopbackBus()
	defer lb.Close()
	go echo(lb.Open())

	cfg := baseConfig()
	cfg.Replay = in
	cfg.Modify = "id:0x110:byte:1:scale:2"
	cfg.LogOut = out
	cfg.Linger = 150 * time.Millisecond

	var stdout, stderr strings.Builder
	if err := Run(context.Background(), cfg, loopbackDialer(lb, nil), &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}

	if n := strings.Count(stdout.String(), "[SEND]"); n != 2 {
		t.Fatalf("stdout has %d send lines:\n%s", n, stdout.String())
	}
	if n := strings.Count(stdout.String(), "[RECV]"); n != 2 {
		t.Fatalf("stdout has %d recv lines:\n%s", n, stdout.String())
	}

	got, err := trace.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("log has %d rows, want 4", len(got))
	}
	for _, f := range got {
		if f.ID == 0x110 && f.Data[1] != 0x04 {
			t.Fatalf("0x110 not mutated in log: %v", f)
		}
		if f.ID == 0x111 && f.Data[1] != 0x04 {
			t.Fatalf("echo of mutated frame carries %v", f)
		}
	}
}

func TestRun_BadReplayFailsBeforeDial(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	if err := os.WriteFile(empty, []byte("ts,id_hex,is_ext,dlc,data_hex\n"), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("0.0,XYZ,0,1,00\n"), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "missing.csv"), os.ErrNotExist},
		{"empty", empty, trace.ErrEmptyTrace},
		{"malformed", bad, trace.ErrMalformedRow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := cansim.NewLoopbackBus()
			defer lb.Close()
			var dialed bool
			cfg := baseConfig()
			cfg.Replay = tt.path
			var sink strings.Builder
			err := Run(context.Background(), cfg, loopbackDialer(lb, &dialed), &sink, &sink)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if dialed {
				t.Fatalf("bus opened for an unusable trace")
			}
		})
	}
}

func TestRun_MalformedGeneratorListensOnly(t *testing.T) {
	lb := cansim.NewLoopbackBus()
	defer lb.Close()

	cfg := baseConfig()
	cfg.Gen = "id:0x110:freq"
	var stdout, stderr strings.Builder
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := Run(ctx, cfg, loopbackDialer(lb, nil), &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(stdout.String(), "[SEND]") {
		t.Fatalf("malformed generator still sent:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "generator spec ignored") {
		t.Fatalf("missing warning:\n%s", stderr.String())
	}
}

func TestRun_DialFailure(t *testing.T) {
	boom := errors.New("no such device")
	dial := func(context.Context, string, *slog.Logger) (cansim.Bus, error) { return nil, boom }
	var sink strings.Builder
	if err := Run(context.Background(), baseConfig(), dial, &sink, &sink); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

// gatedWriter blocks every Write until open is closed.
type gatedWriter struct {
	open <-chan struct{}
	mu   sync.Mutex
	b    strings.Builder
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.open
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func TestRun_SlowTerminalDropsLinesNotFrames(t *testing.T) {
	lb := cansim.NewLoopbackBus()
	defer lb.Close()
	peer := lb.Open()

	dir := t.TempDir()
	cfg := baseConfig()
	cfg.QueueSize = 1
	cfg.LogOut = filepath.Join(dir, "out.csv")

	open := make(chan struct{})
	stdout := &gatedWriter{open: open}
	var stderr syncBuilder
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	time.AfterFunc(50*time.Millisecond, func() {
		for i := 0; i < 10; i++ {
			_ = peer.Send(context.Background(), cansim.MustFrame(0x200, []byte{byte(i)}))
		}
	})
	time.AfterFunc(400*time.Millisecond, func() { close(open) })

	if err := Run(ctx, cfg, loopbackDialer(lb, nil), stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := trace.ReadFile(cfg.LogOut)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("log has %d rows, want all 10", len(got))
	}
	if strings.Contains(stderr.String(), "dropped=0") || !strings.Contains(stderr.String(), "dropped=") {
		t.Fatalf("session summary should report dropped lines:\n%s", stderr.String())
	}
	if n := strings.Count(stdout.b.String(), "[RECV]"); n == 0 || n >= 10 {
		t.Fatalf("printed %d lines, want some but not all", n)
	}
}

// syncBuilder is a strings.Builder safe for the logger and the test.
type syncBuilder struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuilder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuilder) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
