package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubSweeper struct {
	swept chan int
}

func (s *stubSweeper) SweepExpired(_ context.Context, limit int) (int, error) {
	s.swept <- limit
	return 1, nil
}

func TestExpiryWorkerTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sweeper := &stubSweeper{swept: make(chan int, 1)}
	w := NewExpiryWorker(sweeper, time.Minute, clock, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case limit := <-sweeper.swept:
		require.Equal(t, sweepBatch, limit)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep was not triggered by the tick")
	}
}

type stubCreator struct {
	created chan struct{}
}

func (s *stubCreator) CreateDueFollowups(_ context.Context, limit int) (int, error) {
	s.created <- struct{}{}
	return 0, nil
}

func TestFollowupWorkerTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	creator := &stubCreator{created: make(chan struct{}, 1)}
	w := NewFollowupWorker(creator, time.Minute, clock, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case <-creator.created:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up sweep was not triggered by the tick")
	}
}
