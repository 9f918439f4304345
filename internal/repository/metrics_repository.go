package repository

import (
	"context"
	"time"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// MetricsRepository runs the read-only rollup queries behind the dashboard.
// It never writes.
type MetricsRepository struct {
	db *database.DB
}

// NewMetricsRepository creates a new metrics repository.
func NewMetricsRepository(db *database.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// CountStalledRequests counts new/verified requests older than the cutoff.
func (r *MetricsRepository) CountStalledRequests(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE status IN ('new', 'verified') AND created_at <= $1
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to count stalled requests")
	}
	return count, nil
}

// CountSilentBroadcasts counts open broadcasts older than the cutoff with
// zero recorded responses.
func (r *MetricsRepository) CountSilentBroadcasts(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM broadcasts b
		WHERE b.state = 'open' AND b.dispatched_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM responses resp WHERE resp.broadcast_id = b.id)
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to count silent broadcasts")
	}
	return count, nil
}

// StatusHistogram returns a status → count map for the given table. Only
// the known entity tables are accepted.
func (r *MetricsRepository) StatusHistogram(ctx context.Context, entity string) (map[string]int, error) {
	var query string
	switch entity {
	case "providers":
		query = `SELECT status, COUNT(*) FROM providers GROUP BY status`
	case "applications":
		query = `SELECT status, COUNT(*) FROM applications GROUP BY status`
	case "requests":
		query = `SELECT status, COUNT(*) FROM requests GROUP BY status`
	case "broadcasts":
		query = `SELECT state, COUNT(*) FROM broadcasts GROUP BY state`
	default:
		return nil, apperr.Validation("entity", "unknown entity "+entity)
	}

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to build histogram")
	}
	defer rows.Close()

	histogram := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan histogram row")
		}
		histogram[status] = count
	}
	return histogram, rows.Err()
}

// CountOpenAdvisories counts open governance advisories.
func (r *MetricsRepository) CountOpenAdvisories(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM governance_advisories WHERE status = 'open'`).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to count advisories")
	}
	return count, nil
}

// AuditReady reports whether every terminal request has a verified OTP
// session and, when awarded, a recorded winning response.
func (r *MetricsRepository) AuditReady(ctx context.Context) (bool, error) {
	var gaps int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM requests req
		WHERE req.status IN ('awarded', 'unserved')
		  AND (
			NOT EXISTS (
				SELECT 1 FROM otp_sessions s
				WHERE s.request_id = req.id AND s.verified_at IS NOT NULL
			)
			OR (req.status = 'awarded' AND NOT EXISTS (
				SELECT 1 FROM broadcasts b
				WHERE b.request_id = req.id AND b.state = 'awarded'
				  AND b.winning_response_id IS NOT NULL
			))
		  )
	`).Scan(&gaps)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to check audit readiness")
	}
	return gaps == 0, nil
}
