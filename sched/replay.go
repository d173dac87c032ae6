package sched

import (
	"context"
	"time"

	"github.com/notnil/cansim"
	"github.com/notnil/cansim/trace"
)

// Stats summarizes one replay run.
type Stats struct {
	Sent    int           // frames the bus accepted
	Failed  int           // frames the bus refused
	Mutated int           // frames changed by the mutation rule
	MaxLag  time.Duration // worst lateness behind the recorded schedule
}

// Replay sends a recorded trace once, in order, keeping the recorded
// spacing between frames.
type Replay struct {
	Trace trace.Trace
	Rule  *cansim.MutationRule // nil disables mutation
	Tx    *Transmitter
}

// Run replays the trace; it satisfies session.Scheduler.
func (r *Replay) Run(ctx context.Context) error {
	_, err := r.Replay(ctx)
	return err
}

// Replay sends every frame of the trace at
//
//	anchorWall + (frame.Timestamp - trace[0].Timestamp)
//
// where anchorWall is the clock reading when the run starts. Deadlines
// derive from that fixed anchor, never from the previous send, so
// scheduling error does not accumulate over a long trace. A frame whose
// deadline has passed is sent at once; later frames are not pulled earlier
// to catch up.
//
// Refused frames are counted and skipped. Replay stops early only when ctx
// is done (returning its error) or the observation log fails.
func (r *Replay) Replay(ctx context.Context) (Stats, error) {
	var st Stats
	if len(r.Trace) == 0 {
		return st, nil
	}
	clock := r.Tx.clock()
	log := r.Tx.logger()

	anchorRecord := r.Trace[0].Timestamp
	anchorWall := clock.Now()
	log.Info("replay started", "frames", len(r.Trace), "span", r.Trace.Duration(), "rule", r.Rule.String())

	for _, rec := range r.Trace {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		target := anchorWall.Add(rec.Offset(anchorRecord))
		if wait := target.Sub(clock.Now()); wait > 0 {
			if err := clock.Sleep(ctx, wait); err != nil {
				return st, err
			}
		} else if -wait > st.MaxLag {
			st.MaxLag = -wait
		}

		out := r.Rule.Apply(rec)
		if r.Rule.Matches(rec) {
			st.Mutated++
		}
		ok, err := r.Tx.Transmit(ctx, out)
		if err != nil {
			return st, err
		}
		if ok {
			st.Sent++
		} else {
			st.Failed++
		}
	}
	log.Info("replay finished", "sent", st.Sent, "failed", st.Failed, "mutated", st.Mutated, "max_lag", st.MaxLag)
	return st, nil
}
