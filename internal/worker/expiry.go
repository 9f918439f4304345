// Package worker holds the background loops: broadcast expiry, feedback
// follow-ups and gateway sync retries. Each loop is a ticker around one
// service call and stops with its context.
package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// sweepBatch bounds how many rows one tick processes.
const sweepBatch = 100

// ExpirySweeper closes open broadcasts past their deadline.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker periodically runs the broadcast expiry sweep.
type ExpiryWorker struct {
	sweeper  ExpirySweeper
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
}

// NewExpiryWorker creates a new expiry worker.
func NewExpiryWorker(sweeper ExpirySweeper, interval time.Duration, clock clockwork.Clock, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{sweeper: sweeper, interval: interval, clock: clock, log: log}
}

// Run blocks until the context is cancelled.
func (w *ExpiryWorker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("Expiry worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Expiry worker stopped")
			return
		case <-ticker.Chan():
			closed, err := w.sweeper.SweepExpired(ctx, sweepBatch)
			if err != nil {
				w.log.Error().Err(err).Msg("Expiry sweep failed")
				continue
			}
			if closed > 0 {
				w.log.Info().Int("closed", closed).Msg("Expiry sweep done")
			}
		}
	}
}
