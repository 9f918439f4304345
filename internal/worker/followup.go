package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// FollowupCreator opens feedback follow-ups for awarded requests.
type FollowupCreator interface {
	CreateDueFollowups(ctx context.Context, limit int) (int, error)
}

// FollowupWorker periodically opens due feedback follow-ups.
type FollowupWorker struct {
	creator  FollowupCreator
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
}

// NewFollowupWorker creates a new follow-up worker.
func NewFollowupWorker(creator FollowupCreator, interval time.Duration, clock clockwork.Clock, log zerolog.Logger) *FollowupWorker {
	return &FollowupWorker{creator: creator, interval: interval, clock: clock, log: log}
}

// Run blocks until the context is cancelled.
func (w *FollowupWorker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("Follow-up worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Follow-up worker stopped")
			return
		case <-ticker.Chan():
			created, err := w.creator.CreateDueFollowups(ctx, sweepBatch)
			if err != nil {
				w.log.Error().Err(err).Msg("Follow-up sweep failed")
				continue
			}
			if created > 0 {
				w.log.Info().Int("created", created).Msg("Follow-ups opened")
			}
		}
	}
}
