package sched

import (
	"context"

	"github.com/notnil/cansim"
)

// Generator transmits one fixed frame every Spec.Period() until cancelled.
type Generator struct {
	Spec cansim.GeneratorSpec
	Tx   *Transmitter
}

// Run emits frames until ctx is done and returns ctx's error. Each period
// is independent: there is no phase correction. Refused frames are logged
// and generation continues.
func (g *Generator) Run(ctx context.Context) error {
	clock := g.Tx.clock()
	log := g.Tx.logger()
	period := g.Spec.Period()
	log.Info("generator started", "spec", g.Spec.String(), "period", period)

	var sent, failed int
	defer func() {
		log.Info("generator stopped", "sent", sent, "failed", failed)
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := g.Tx.Transmit(ctx, g.Spec.Frame())
		if err != nil {
			return err
		}
		if ok {
			sent++
		} else {
			failed++
		}
		if err := clock.Sleep(ctx, period); err != nil {
			return err
		}
	}
}
