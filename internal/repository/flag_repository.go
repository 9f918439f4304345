package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// FlagRepository handles flag, feedback and governance-advisory rows.
type FlagRepository struct {
	db *database.DB
}

// NewFlagRepository creates a new flag repository.
func NewFlagRepository(db *database.DB) *FlagRepository {
	return &FlagRepository{db: db}
}

// ── Flags ───────────────────────────────────────────────────────────────────

// InsertFlag records a flag against a provider.
func (r *FlagRepository) InsertFlag(ctx context.Context, f *Flag) error {
	query := `
		INSERT INTO flags (provider_id, reason, severity, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, f.ProviderID, f.Reason, f.Severity, f.Status).
		Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to insert flag")
	}
	return nil
}

// CountActive counts a provider's active flags, optionally restricted to a
// single reason (used for the pricing-dispute threshold).
func (r *FlagRepository) CountActive(ctx context.Context, providerID string, reason *string) (int, error) {
	query := `SELECT COUNT(*) FROM flags WHERE provider_id = $1 AND status = 'active'`
	args := []any{providerID}
	if reason != nil {
		query += ` AND reason = $2`
		args = append(args, *reason)
	}
	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to count flags")
	}
	return count, nil
}

// ListByProvider returns a provider's flags, newest first.
func (r *FlagRepository) ListByProvider(ctx context.Context, providerID string) ([]*Flag, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, reason, severity, status, created_at, resolved_at
		FROM flags WHERE provider_id = $1 ORDER BY created_at DESC
	`, providerID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list flags")
	}
	defer rows.Close()

	flags := make([]*Flag, 0)
	for rows.Next() {
		f := &Flag{}
		if err := rows.Scan(&f.ID, &f.ProviderID, &f.Reason, &f.Severity, &f.Status, &f.CreatedAt, &f.ResolvedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan flag")
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// Resolve marks a flag resolved.
func (r *FlagRepository) Resolve(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE flags SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to resolve flag")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("flag", id)
	}
	return nil
}

// ── Feedback ────────────────────────────────────────────────────────────────

// CreateFeedback inserts a pending follow-up record. The unique index on
// request_id keeps the sweep idempotent; duplicates report a conflict.
func (r *FlagRepository) CreateFeedback(ctx context.Context, f *Feedback) error {
	query := `
		INSERT INTO feedback (request_id, provider_id, customer_phone, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id, requested_at
	`
	err := r.db.QueryRow(ctx, query, f.RequestID, f.ProviderID, f.CustomerPhone, f.Status).
		Scan(&f.ID, &f.RequestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("feedback already requested for request " + f.RequestID)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create feedback")
	}
	return nil
}

// GetFeedbackByRequest retrieves the feedback record for a request.
func (r *FlagRepository) GetFeedbackByRequest(ctx context.Context, requestID string) (*Feedback, error) {
	f := &Feedback{}
	err := r.db.QueryRow(ctx, `
		SELECT id, request_id, provider_id, customer_phone, status, rating, comment, requested_at, completed_at
		FROM feedback WHERE request_id = $1
	`, requestID).Scan(
		&f.ID, &f.RequestID, &f.ProviderID, &f.CustomerPhone,
		&f.Status, &f.Rating, &f.Comment, &f.RequestedAt, &f.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("feedback", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get feedback")
	}
	return f, nil
}

// CompleteFeedback records the customer's reply. Conditional on pending
// status so a duplicate webhook delivery cannot overwrite a completed reply.
func (r *FlagRepository) CompleteFeedback(ctx context.Context, id string, rating int, comment *string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE feedback
		SET status = 'completed', rating = $2, comment = $3, completed_at = now()
		WHERE id = $1 AND status = 'pending_response'
	`, id, rating, comment)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to complete feedback")
	}
	return tag.RowsAffected() > 0, nil
}

// ListFollowupDue returns awarded requests older than the cutoff that have
// no feedback record yet, with the winning provider resolved.
func (r *FlagRepository) ListFollowupDue(ctx context.Context, cutoff time.Time, limit int) ([]*Feedback, error) {
	query := `
		SELECT req.id, resp.provider_id, req.customer_phone
		FROM requests req
		JOIN broadcasts b ON b.request_id = req.id AND b.state = 'awarded'
		JOIN responses resp ON resp.id = b.winning_response_id
		LEFT JOIN feedback f ON f.request_id = req.id
		WHERE req.status = 'awarded' AND req.updated_at <= $1 AND f.id IS NULL
		ORDER BY req.updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list due follow-ups")
	}
	defer rows.Close()

	due := make([]*Feedback, 0)
	for rows.Next() {
		f := &Feedback{Status: FeedbackPending}
		if err := rows.Scan(&f.RequestID, &f.ProviderID, &f.CustomerPhone); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan follow-up")
		}
		due = append(due, f)
	}
	return due, rows.Err()
}

// ── Advisories ──────────────────────────────────────────────────────────────

// InsertAdvisory stores a governance recommendation unless an open advisory
// of the same kind already exists for the provider.
func (r *FlagRepository) InsertAdvisory(ctx context.Context, a *Advisory) (bool, error) {
	query := `
		INSERT INTO governance_advisories (provider_id, kind, detail, status)
		SELECT $1, $2, $3, 'open'
		WHERE NOT EXISTS (
			SELECT 1 FROM governance_advisories
			WHERE provider_id = $1 AND kind = $2 AND status = 'open'
		)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, a.ProviderID, a.Kind, a.Detail).Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to insert advisory")
	}
	a.Status = "open"
	return true, nil
}

// ListOpenAdvisories returns all open advisories, newest first.
func (r *FlagRepository) ListOpenAdvisories(ctx context.Context) ([]*Advisory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, kind, detail, status, created_at, acked_at, acked_by
		FROM governance_advisories WHERE status = 'open' ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list advisories")
	}
	defer rows.Close()

	advisories := make([]*Advisory, 0)
	for rows.Next() {
		a := &Advisory{}
		if err := rows.Scan(&a.ID, &a.ProviderID, &a.Kind, &a.Detail, &a.Status, &a.CreatedAt, &a.AckedAt, &a.AckedBy); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan advisory")
		}
		advisories = append(advisories, a)
	}
	return advisories, rows.Err()
}

// AcknowledgeAdvisory closes an advisory after admin review.
func (r *FlagRepository) AcknowledgeAdvisory(ctx context.Context, id, ackedBy string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE governance_advisories
		SET status = 'acknowledged', acked_at = now(), acked_by = $2
		WHERE id = $1 AND status = 'open'
	`, id, ackedBy)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to acknowledge advisory")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("advisory", id)
	}
	return nil
}
