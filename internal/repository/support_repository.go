package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// SupportRepository handles OTP sessions, pending gateway sync jobs and the
// webhook audit trail.
type SupportRepository struct {
	db *database.DB
}

// NewSupportRepository creates a new support repository.
func NewSupportRepository(db *database.DB) *SupportRepository {
	return &SupportRepository{db: db}
}

// ── OTP sessions ────────────────────────────────────────────────────────────

// CreateOTPSession inserts a new OTP session. The id is generated by the
// caller so it can be attached to the outgoing gateway call.
func (r *SupportRepository) CreateOTPSession(ctx context.Context, s *OTPSession) error {
	query := `
		INSERT INTO otp_sessions (id, request_id, phone, code, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, s.ID, s.RequestID, s.Phone, s.Code, s.ExpiresAt).
		Scan(&s.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create otp session")
	}
	return nil
}

// GetLatestOTPSession returns the most recent OTP session for a request.
func (r *SupportRepository) GetLatestOTPSession(ctx context.Context, requestID string) (*OTPSession, error) {
	s := &OTPSession{}
	err := r.db.QueryRow(ctx, `
		SELECT id, request_id, phone, code, attempts, locked_until, verified_at, expires_at, created_at
		FROM otp_sessions
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID).Scan(
		&s.ID, &s.RequestID, &s.Phone, &s.Code,
		&s.Attempts, &s.LockedUntil, &s.VerifiedAt, &s.ExpiresAt, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("otp session", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get otp session")
	}
	return s, nil
}

// RecordOTPAttempt bumps the attempt counter and locks the session when the
// cap is reached. Returns the updated attempt count.
func (r *SupportRepository) RecordOTPAttempt(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, error) {
	query := `
		UPDATE otp_sessions
		SET attempts = attempts + 1,
		    locked_until = CASE WHEN attempts + 1 >= $2 THEN now() + $3::interval ELSE locked_until END
		WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	err := r.db.QueryRow(ctx, query, id, maxAttempts, lockFor.String()).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("otp session", id)
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to record otp attempt")
	}
	return attempts, nil
}

// MarkOTPVerified stamps a successful verification.
func (r *SupportRepository) MarkOTPVerified(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE otp_sessions SET verified_at = now() WHERE id = $1 AND verified_at IS NULL`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to mark otp verified")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("otp session", id)
	}
	return nil
}

// ── Gateway sync jobs ───────────────────────────────────────────────────────

// EnqueueSyncJob stores a gateway sync to be retried out-of-band.
func (r *SupportRepository) EnqueueSyncJob(ctx context.Context, j *SyncJob) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to marshal sync payload")
	}
	query := `
		INSERT INTO gateway_sync_jobs (provider_id, kind, payload, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query, j.ProviderID, j.Kind, payload).
		Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to enqueue sync job")
	}
	j.Status = "pending"
	return nil
}

// ListPendingSyncJobs returns pending jobs oldest first.
func (r *SupportRepository) ListPendingSyncJobs(ctx context.Context, limit int) ([]*SyncJob, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, kind, payload, status, attempts, last_error, created_at, updated_at
		FROM gateway_sync_jobs
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list sync jobs")
	}
	defer rows.Close()

	jobs := make([]*SyncJob, 0)
	for rows.Next() {
		j := &SyncJob{}
		var payload []byte
		if err := rows.Scan(&j.ID, &j.ProviderID, &j.Kind, &payload, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan sync job")
		}
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal sync payload")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FinishSyncJob records the outcome of a sync attempt. Jobs that exhaust
// their attempts are parked as failed for manual review.
func (r *SupportRepository) FinishSyncJob(ctx context.Context, id string, status string, attempts int, lastError *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE gateway_sync_jobs
		SET status = $2, attempts = $3, last_error = $4, updated_at = now()
		WHERE id = $1
	`, id, status, attempts, lastError)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to finish sync job")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("sync job", id)
	}
	return nil
}

// ── Webhook audit ───────────────────────────────────────────────────────────

// InsertWebhookAudit records an inbound webhook payload and its outcome.
// Every payload lands here, including malformed and ineligible ones.
func (r *SupportRepository) InsertWebhookAudit(ctx context.Context, a *WebhookAudit) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook_audit (id, source, payload, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Source, payload, a.Outcome, a.ReceivedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to insert webhook audit")
	}
	return nil
}
