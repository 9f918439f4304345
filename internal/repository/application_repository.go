package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// ApplicationRepository handles application intake rows. Only reviewer
// actions go through here; terminal rows are protected by a conditional
// update on the expected current status.
type ApplicationRepository struct {
	db *database.DB
}

// NewApplicationRepository creates a new application repository.
func NewApplicationRepository(db *database.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

const applicationColumns = `
	id, applicant_name, company_name, phone, email, services, areas,
	has_id_document, has_trade_license, status, entity_type, group_ids,
	review_notes, decided_by, decided_at, created_at, updated_at`

func scanApplication(row pgx.Row) (*Application, error) {
	a := &Application{}
	err := row.Scan(
		&a.ID,
		&a.ApplicantName,
		&a.CompanyName,
		&a.Phone,
		&a.Email,
		&a.Services,
		&a.Areas,
		&a.HasIDDocument,
		&a.HasTradeLicense,
		&a.Status,
		&a.EntityType,
		&a.GroupIDs,
		&a.ReviewNotes,
		&a.DecidedBy,
		&a.DecidedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a submitted application in pending status.
func (r *ApplicationRepository) Create(ctx context.Context, a *Application) error {
	query := `
		INSERT INTO applications (applicant_name, company_name, phone, email,
		                          services, areas, has_id_document, has_trade_license, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		a.ApplicantName,
		a.CompanyName,
		a.Phone,
		a.Email,
		a.Services,
		a.Areas,
		a.HasIDDocument,
		a.HasTradeLicense,
		a.Status,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create application")
	}
	return nil
}

// GetByID retrieves an application.
func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*Application, error) {
	a, err := scanApplication(r.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("application", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get application")
	}
	return a, nil
}

// List retrieves applications, optionally filtered by status.
func (r *ApplicationRepository) List(ctx context.Context, status *ApplicationStatus) ([]*Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list applications")
	}
	defer rows.Close()

	apps := make([]*Application, 0)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan application")
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// Decide moves an application from expected to next in one conditional
// update. Returns false when the row was not in the expected status, which
// is how a concurrent or repeated decision on a terminal application is
// rejected.
func (r *ApplicationRepository) Decide(ctx context.Context, id string, expected, next ApplicationStatus, entityType *string, groupIDs []string, decidedBy string, notes *string) (bool, error) {
	query := `
		UPDATE applications
		SET status = $3,
		    entity_type = COALESCE($4, entity_type),
		    group_ids = CASE WHEN $5::text[] IS NULL THEN group_ids ELSE $5 END,
		    review_notes = COALESCE($6, review_notes),
		    decided_by = $7,
		    decided_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, id, expected, next, entityType, groupIDs, notes, decidedBy)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to decide application")
	}
	return tag.RowsAffected() > 0, nil
}
