// Package session runs a scheduler and a listener against one bus handle
// and one observation log, and owns their shutdown ordering.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/sched"
	"github.com/notnil/cansim/trace"
)

// Scheduler is the transmit side of a session: a sched.Replay or a
// sched.Generator.
type Scheduler interface {
	Run(ctx context.Context) error
}

// Options configures a Session.
type Options struct {
	Listener ListenerOptions
	// Linger keeps the listener running this long after a scheduler
	// finishes on its own, to capture late responses.
	Linger time.Duration
	// OnSend observes every transmit attempt.
	OnSend func(f cansim.Frame, err error)
	// SendTimeout bounds each Send; zero means sched.DefaultSendTimeout.
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Session wires one Bus, one Sink, a Listener and at most one Scheduler.
// The Bus is borrowed: the caller opens and closes it. The Sink is owned
// and closed by Run.
type Session struct {
	ID       string
	bus      cansim.Bus
	sink     trace.Sink
	listener *Listener
	opts     Options
	log      *slog.Logger
}

// New creates a session. sink may be nil to discard the observation log.
func New(bus cansim.Bus, sink trace.Sink, opts Options) *Session {
	if sink == nil {
		sink = trace.Discard
	}
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id)
	lopts := opts.Listener
	lopts.Logger = log.With("task", "listener")
	return &Session{
		ID:       id,
		bus:      bus,
		sink:     sink,
		listener: NewListener(bus, sink, lopts),
		opts:     opts,
		log:      log,
	}
}

// Listener returns the session's listener, e.g. to Subscribe before Run.
func (s *Session) Listener() *Listener { return s.listener }

// Transmitter returns a transmitter that sends on the session's bus and logs
// to the session's sink, for building the Scheduler passed to Run.
func (s *Session) Transmitter() *sched.Transmitter {
	return &sched.Transmitter{
		Bus:         s.bus,
		Sink:        s.sink,
		Logger:      s.log.With("task", "scheduler"),
		SendTimeout: s.opts.SendTimeout,
		OnSend:      s.opts.OnSend,
	}
}

// Run starts the listener and sch concurrently. A nil sch listens only.
//
// Run returns when ctx is done, when sch finishes on its own (after
// Linger), or when either task fails. Shutdown order: the scheduler stops
// sending, the listener stops receiving, and only then is the sink closed.
// Cancellation is a normal stop and yields a nil error.
func (s *Session) Run(ctx context.Context, sch Scheduler) error {
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	s.log.Info("session started", "listen_only", sch == nil)
	g, gctx := errgroup.WithContext(listenCtx)
	g.Go(func() error {
		return s.listener.Run(gctx)
	})
	g.Go(func() error {
		if sch == nil {
			<-gctx.Done()
			return nil
		}
		if err := sch.Run(gctx); err != nil && !isCancel(err) {
			return err
		}
		if gctx.Err() == nil && s.opts.Linger > 0 {
			s.log.Info("scheduler finished, lingering", "linger", s.opts.Linger)
			_ = sched.Wall.Sleep(gctx, s.opts.Linger)
		}
		stopListening()
		return nil
	})
	runErr := g.Wait()
	closeErr := s.sink.Close()

	s.log.Info("session stopped",
		"received", s.listener.Received(),
		"dropped", s.listener.Dropped(),
		"err", runErr,
	)
	return errors.Join(runErr, closeErr)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
