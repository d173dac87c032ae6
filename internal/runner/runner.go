// Package runner turns a Config into a running session on a SocketCAN
// interface.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/internal/config"
	"github.com/notnil/cansim/sched"
	"github.com/notnil/cansim/session"
	"github.com/notnil/cansim/trace"
)

// Dialer opens the bus for an interface. Tests substitute a loopback bus.
type Dialer func(ctx context.Context, iface string, logger *slog.Logger) (cansim.Bus, error)

// Run executes one cansim invocation: replay, generate or listen only.
// Frame lines go to stdout, logs and the progress bar to stderr.
func Run(ctx context.Context, cfg config.Config, dial Dialer, stdout, stderr io.Writer) error {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	filter, err := cansim.ParseFilter(cfg.Filter)
	if err != nil {
		return err
	}

	// Load the replay input before anything touches the bus.
	var tr trace.Trace
	if cfg.Replay != "" {
		tr, err = trace.ReadFile(cfg.Replay)
		if err != nil {
			return err
		}
		if len(tr) == 0 {
			return fmt.Errorf("%s: %w", cfg.Replay, trace.ErrEmptyTrace)
		}
	}
	rule := cansim.LenientMutationRule(cfg.Modify, logger)

	if dial == nil {
		dial = DialInterface(cfg)
	}
	bus, err := dial(ctx, cfg.Iface, logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Iface, err)
	}
	defer bus.Close()
	if cfg.Verbose {
		bus = cansim.NewLoggedBus(bus, logger, slog.LevelDebug, cansim.LogAll)
	}

	sink, err := trace.CreateAll(cfg.LogOut)
	if err != nil {
		return err
	}

	out := &printer{w: stdout}
	var bar *progressbar.ProgressBar
	if cfg.Progress && len(tr) > 0 {
		bar = progressbar.NewOptions(len(tr),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("replay"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "#",
				SaucerPadding: "-",
				BarStart:      "[",
				BarEnd:        "]",
			}))
	}
	sess := session.New(bus, sink, session.Options{
		Listener: session.ListenerOptions{
			Filter:         filter,
			ReceiveTimeout: cfg.ReceiveTimeout,
			QueueSize:      cfg.QueueSize,
		},
		Linger:      cfg.Linger,
		SendTimeout: cfg.SendTimeout,
		OnSend: func(f cansim.Frame, err error) {
			if bar != nil {
				_ = bar.Add(1)
				return
			}
			out.frame("SEND", f, err)
		},
		Logger: logger,
	})

	// Received frames are printed from a subscription so a slow terminal
	// never holds up logging; lines it cannot keep up with are counted as
	// dropped in the session summary.
	recv, unsubscribe := sess.Listener().Subscribe(nil, cfg.QueueSize)
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for f := range recv {
			out.frame("RECV", f, nil)
		}
	}()

	var sch session.Scheduler
	switch {
	case len(tr) > 0:
		sch = &sched.Replay{Trace: tr, Rule: rule, Tx: sess.Transmitter()}
	case cfg.Gen != "":
		if spec, ok := cansim.LenientGeneratorSpec(cfg.Gen, logger); ok {
			sch = &sched.Generator{Spec: spec, Tx: sess.Transmitter()}
		}
	}
	if sch == nil {
		logger.Info("no scheduler, listening only; interrupt to exit")
	}
	err = sess.Run(ctx, sch)
	<-printed
	if bar != nil {
		_ = bar.Finish()
	}
	return err
}

// DialInterface prepares the interface as cfg asks and opens it over
// SocketCAN.
func DialInterface(cfg config.Config) Dialer {
	return func(ctx context.Context, iface string, logger *slog.Logger) (cansim.Bus, error) {
		if cfg.Bitrate > 0 {
			if err := cansim.SetBitrate(iface, uint32(cfg.Bitrate)); err != nil {
				return nil, err
			}
		}
		if cfg.BringUp {
			if err := cansim.SetInterfaceUp(iface); err != nil {
				return nil, err
			}
		}
		if up, err := cansim.IsInterfaceUp(iface); err == nil && !up {
			logger.Warn("interface is down", "iface", iface)
		}
		return cansim.DialSocketCAN(ctx, iface, logger)
	}
}

// printer serializes frame lines from the scheduler and listener.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) frame(tag string, f cansim.Frame, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.w, "[%s] t=%.6f %s FAILED: %v\n", tag, f.Timestamp, f, err)
		return
	}
	fmt.Fprintf(p.w, "[%s] t=%.6f %s\n", tag, f.Timestamp, f)
}
