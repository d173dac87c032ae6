package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/trace"
)

// ErrReceive wraps a receive failure other than a timeout, e.g. the
// interface going down. It ends the Listener.
var ErrReceive = errors.New("session: receive failed")

// Listener defaults.
const (
	DefaultReceiveTimeout = time.Second
	DefaultQueueSize      = 1024
)

// ListenerOptions configures a Listener. Zero values select defaults.
type ListenerOptions struct {
	// Filter drops frames it rejects before they are logged. Nil keeps all.
	Filter cansim.FrameFilter
	// ReceiveTimeout bounds each Receive so cancellation is seen promptly.
	ReceiveTimeout time.Duration
	// QueueSize is the capacity of the queue between the receive loop and
	// the logging consumer.
	QueueSize int
	// OnFrame observes every logged frame on the consumer goroutine.
	OnFrame func(cansim.Frame)
	Logger  *slog.Logger
	// Now stamps arrival times; nil means time.Now.
	Now func() time.Time
}

// Listener drains every inbound frame from a Bus, stamps its arrival time
// and hands it to the observation log, the OnFrame hook and any
// subscribers.
//
// A receive loop feeds a bounded queue read by a separate consumer
// goroutine, so slow logging or observers never run inside the receive
// loop. When the queue is full the receive loop waits; frames are then only
// lost if the transport's own buffer overflows.
type Listener struct {
	bus  cansim.Bus
	sink trace.Sink
	opts ListenerOptions
	log  *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
	done bool

	received atomic.Uint64
	dropped  atomic.Uint64
}

type subscriber struct {
	filter cansim.FrameFilter
	ch     chan cansim.Frame
}

// NewListener creates a listener reading bus and logging to sink (nil means
// trace.Discard). It does nothing until Run.
func NewListener(bus cansim.Bus, sink trace.Sink, opts ListenerOptions) *Listener {
	if sink == nil {
		sink = trace.Discard
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		bus:  bus,
		sink: sink,
		opts: opts,
		log:  log,
		subs: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new subscriber with the provided filter and channel buffer.
// The returned channel will receive logged frames that match the filter; a
// subscriber that falls behind misses frames, which are counted in Dropped.
// The cancel function closes the channel. All channels close when Run returns.
func (l *Listener) Subscribe(filter cansim.FrameFilter, buffer int) (<-chan cansim.Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan cansim.Frame, buffer)}
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := l.next
	l.next++
	l.subs[id] = s
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if cur, ok := l.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(l.subs, id)
		}
		l.mu.Unlock()
	}
	return s.ch, cancel
}

// Received is the number of frames logged so far.
func (l *Listener) Received() uint64 { return l.received.Load() }

// Dropped is the number of frames subscribers were too slow to take.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// Run receives until ctx is done, returning nil in that case. It returns an
// error wrapping ErrReceive if the bus fails, or trace.ErrSinkWrite if the
// log cannot be written. Frames already queued are logged before Run
// returns.
func (l *Listener) Run(ctx context.Context) error {
	defer l.closeSubscribers()

	queue := make(chan cansim.Frame, l.opts.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return l.receive(gctx, queue)
	})
	g.Go(func() error {
		return l.consume(queue)
	})
	return g.Wait()
}

func (l *Listener) receive(ctx context.Context, queue chan<- cansim.Frame) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, l.opts.ReceiveTimeout)
		f, err := l.bus.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if cansim.IsTimeout(err) {
				continue
			}
			l.log.Error("listener receive error", "err", err)
			return fmt.Errorf("%w: %w", ErrReceive, err)
		}
		f.Timestamp = cansim.UnixSeconds(l.opts.Now())
		if l.opts.Filter != nil && !l.opts.Filter(f) {
			continue
		}
		select {
		case queue <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) consume(queue <-chan cansim.Frame) error {
	for f := range queue {
		if err := l.sink.Append(f); err != nil {
			l.log.Error("listener log write failed", "err", err)
			// Unblock the receive loop, which exits once errgroup cancels it.
			go func() {
				for range queue {
				}
			}()
			return err
		}
		l.received.Add(1)
		if l.opts.OnFrame != nil {
			l.opts.OnFrame(f)
		}
		l.fanOut(f)
	}
	return nil
}

func (l *Listener) fanOut(f cansim.Frame) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.subs {
		if s.filter == nil || s.filter(f) {
			select {
			case s.ch <- f:
			default:
				l.dropped.Add(1)
			}
		}
	}
}

func (l *Listener) closeSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	for id, s := range l.subs {
		close(s.ch)
		delete(l.subs, id)
	}
}
