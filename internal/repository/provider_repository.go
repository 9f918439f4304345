package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// ProviderRepository handles provider data operations. It is the single
// writer for provider rows.
type ProviderRepository struct {
	db *database.DB
}

// NewProviderRepository creates a new provider repository.
func NewProviderRepository(db *database.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

const providerColumns = `
	id, company_name, phone, status, services, areas, entity_type,
	flags, compliance_score, response_rate, replies_total, replies_given,
	group_ids, application_id, status_reason, removed_at, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	p := &Provider{}
	err := row.Scan(
		&p.ID,
		&p.CompanyName,
		&p.Phone,
		&p.Status,
		&p.Services,
		&p.Areas,
		&p.EntityType,
		&p.Flags,
		&p.ComplianceScore,
		&p.ResponseRate,
		&p.RepliesTotal,
		&p.RepliesGiven,
		&p.GroupIDs,
		&p.ApplicationID,
		&p.StatusReason,
		&p.RemovedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a new provider.
func (r *ProviderRepository) Create(ctx context.Context, p *Provider) error {
	query := `
		INSERT INTO providers (company_name, phone, status, services, areas,
		                       entity_type, group_ids, application_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, flags, compliance_score, response_rate, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		p.CompanyName,
		p.Phone,
		p.Status,
		p.Services,
		p.Areas,
		p.EntityType,
		p.GroupIDs,
		p.ApplicationID,
	).Scan(&p.ID, &p.Flags, &p.ComplianceScore, &p.ResponseRate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create provider")
	}
	return nil
}

// GetByID retrieves a provider by id.
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*Provider, error) {
	p, err := scanProvider(r.db.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("provider", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get provider")
	}
	return p, nil
}

// GetLiveByPhone retrieves the non-removed provider registered on the given
// contact channel, if any.
func (r *ProviderRepository) GetLiveByPhone(ctx context.Context, phone string) (*Provider, error) {
	p, err := scanProvider(r.db.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE phone = $1 AND status <> 'removed'`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("provider", phone)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get provider by phone")
	}
	return p, nil
}

// List retrieves providers, optionally filtered by status.
func (r *ProviderRepository) List(ctx context.Context, status *ProviderStatus) ([]*Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list providers")
	}
	defer rows.Close()

	providers := make([]*Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan provider")
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// ListEligible returns active providers covering the given service and area.
// This query is the single source of truth for broadcast eligibility.
func (r *ProviderRepository) ListEligible(ctx context.Context, service, area string) ([]*Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE status = 'active' AND $1 = ANY(services) AND $2 = ANY(areas)
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, service, area)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list eligible providers")
	}
	defer rows.Close()

	providers := make([]*Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan provider")
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateStatus sets a provider's status. Removal stamps the tombstone; the
// row is never purged.
func (r *ProviderRepository) UpdateStatus(ctx context.Context, id string, status ProviderStatus, reason string) error {
	query := `
		UPDATE providers
		SET status = $2,
		    status_reason = $3,
		    removed_at = CASE WHEN $2 = 'removed' THEN now() ELSE removed_at END,
		    updated_at = now()
		WHERE id = $1
		RETURNING id
	`
	var returned string
	err := r.db.QueryRow(ctx, query, id, status, reason).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("provider", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update provider status")
	}
	return nil
}

// IncrementFlags bumps the flag counter and recomputes the compliance score,
// returning the new count. The counter and score move together so threshold
// checks see a consistent snapshot.
func (r *ProviderRepository) IncrementFlags(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE providers
		SET flags = flags + 1,
		    compliance_score = GREATEST(0.0, 1.0 - 0.2 * (flags + 1)),
		    updated_at = now()
		WHERE id = $1
		RETURNING flags
	`
	var count int
	err := r.db.QueryRow(ctx, query, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("provider", id)
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to increment flags")
	}
	return count, nil
}

// RecordReplyOutcome updates the rolling response-rate counters: every
// broadcast the provider was a candidate for counts, replies of any kind
// count as answered.
func (r *ProviderRepository) RecordReplyOutcome(ctx context.Context, id string, answered bool) (float64, error) {
	query := `
		UPDATE providers
		SET replies_total = replies_total + 1,
		    replies_given = replies_given + CASE WHEN $2 THEN 1 ELSE 0 END,
		    response_rate = (replies_given + CASE WHEN $2 THEN 1 ELSE 0 END)::float
		                    / (replies_total + 1)::float,
		    updated_at = now()
		WHERE id = $1
		RETURNING response_rate
	`
	var rate float64
	err := r.db.QueryRow(ctx, query, id, answered).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("provider", id)
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to record reply outcome")
	}
	return rate, nil
}

// UpdateGroups replaces a provider's external group memberships.
func (r *ProviderRepository) UpdateGroups(ctx context.Context, id string, groupIDs []string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE providers SET group_ids = $2, updated_at = now() WHERE id = $1`, id, groupIDs)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update provider groups")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("provider", id)
	}
	return nil
}
