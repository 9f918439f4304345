package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// SyncQueue is the sync job persistence surface.
// Implemented by repository.SupportRepository.
type SyncQueue interface {
	ListPendingSyncJobs(ctx context.Context, limit int) ([]*repository.SyncJob, error)
	FinishSyncJob(ctx context.Context, id string, status string, attempts int, lastError *string) error
}

// GatewaySyncWorker drains the gateway sync queue: contact upserts and
// group memberships that failed inline during approval. maxAttempts is the
// lifetime attempt cap per job, counting attempts from previous ticks;
// exhausted jobs park as failed for manual review.
type GatewaySyncWorker struct {
	queue       SyncQueue
	gateway     client.NotificationGateway
	interval    time.Duration
	maxAttempts int
	clock       clockwork.Clock
	log         zerolog.Logger
}

// NewGatewaySyncWorker creates a new gateway sync worker.
func NewGatewaySyncWorker(queue SyncQueue, gateway client.NotificationGateway, interval time.Duration, maxAttempts int, clock clockwork.Clock, log zerolog.Logger) *GatewaySyncWorker {
	return &GatewaySyncWorker{
		queue:       queue,
		gateway:     gateway,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       clock,
		log:         log,
	}
}

// Run blocks until the context is cancelled.
func (w *GatewaySyncWorker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("Gateway sync worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Gateway sync worker stopped")
			return
		case <-ticker.Chan():
			w.drain(ctx)
		}
	}
}

func (w *GatewaySyncWorker) drain(ctx context.Context) {
	jobs, err := w.queue.ListPendingSyncJobs(ctx, sweepBatch)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to list sync jobs")
		return
	}

	for _, job := range jobs {
		attempts := job.Attempts
		backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempts++
			if err := w.apply(ctx, job); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err == nil {
			if ferr := w.queue.FinishSyncJob(ctx, job.ID, "done", attempts, nil); ferr != nil {
				w.log.Error().Err(ferr).Str("job_id", job.ID).Msg("Failed to mark sync job done")
			}
			w.log.Info().
				Str("job_id", job.ID).
				Str("kind", string(job.Kind)).
				Str("provider_id", job.ProviderID).
				Msg("Gateway sync completed")
			continue
		}

		status := "pending"
		if attempts >= w.maxAttempts {
			status = "failed"
		}
		msg := err.Error()
		if ferr := w.queue.FinishSyncJob(ctx, job.ID, status, attempts, &msg); ferr != nil {
			w.log.Error().Err(ferr).Str("job_id", job.ID).Msg("Failed to record sync job failure")
		}
		w.log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("status", status).
			Int("attempts", attempts).
			Msg("Gateway sync attempt failed")
	}
}

// apply executes one sync job against the gateway.
func (w *GatewaySyncWorker) apply(ctx context.Context, job *repository.SyncJob) error {
	switch job.Kind {
	case repository.SyncContactUpsert:
		phone, _ := job.Payload["phone"].(string)
		name, _ := job.Payload["name"].(string)
		email, _ := job.Payload["email"].(string)
		if phone == "" {
			return fmt.Errorf("sync job %s: missing phone", job.ID)
		}
		contactID, err := w.gateway.UpsertContact(ctx, phone, name, email, nil)
		if err != nil {
			return err
		}
		for _, g := range stringSlice(job.Payload["group_ids"]) {
			if err := w.gateway.AddContactsToGroup(ctx, g, []string{contactID}); err != nil {
				return err
			}
		}
		return nil

	case repository.SyncGroupAdd:
		groupID, _ := job.Payload["group_id"].(string)
		contactID, _ := job.Payload["contact_id"].(string)
		if groupID == "" || contactID == "" {
			return fmt.Errorf("sync job %s: missing group_id or contact_id", job.ID)
		}
		return w.gateway.AddContactsToGroup(ctx, groupID, []string{contactID})

	default:
		return fmt.Errorf("sync job %s: unknown kind %q", job.ID, job.Kind)
	}
}

// stringSlice coerces a JSONB array back to strings.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
