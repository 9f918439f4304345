package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/database"
)

// BroadcastRepository handles request, broadcast and response rows. It is
// the single writer for all three.
type BroadcastRepository struct {
	db *database.DB
}

// NewBroadcastRepository creates a new broadcast repository.
func NewBroadcastRepository(db *database.DB) *BroadcastRepository {
	return &BroadcastRepository{db: db}
}

// ── Requests ────────────────────────────────────────────────────────────────

// CreateRequest inserts a new customer request.
func (r *BroadcastRepository) CreateRequest(ctx context.Context, req *Request) error {
	query := `
		INSERT INTO requests (customer_name, customer_phone, service, area, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		req.CustomerName,
		req.CustomerPhone,
		req.Service,
		req.Area,
		req.Description,
		req.Status,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create request")
	}
	return nil
}

// GetRequest retrieves a request by id.
func (r *BroadcastRepository) GetRequest(ctx context.Context, id string) (*Request, error) {
	req := &Request{}
	err := r.db.QueryRow(ctx, `
		SELECT id, customer_name, customer_phone, service, area, description,
		       status, otp_verified, created_at, updated_at
		FROM requests WHERE id = $1
	`, id).Scan(
		&req.ID,
		&req.CustomerName,
		&req.CustomerPhone,
		&req.Service,
		&req.Area,
		&req.Description,
		&req.Status,
		&req.OTPVerified,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("request", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get request")
	}
	return req, nil
}

// UpdateRequestStatus sets a request's status, optionally marking the
// customer phone as OTP-verified.
func (r *BroadcastRepository) UpdateRequestStatus(ctx context.Context, id string, status RequestStatus, otpVerified bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE requests
		SET status = $2, otp_verified = otp_verified OR $3, updated_at = now()
		WHERE id = $1
	`, id, status, otpVerified)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update request status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("request", id)
	}
	return nil
}

// ── Broadcasts ──────────────────────────────────────────────────────────────

const broadcastColumns = `
	id, request_id, candidate_ids, state, winning_response_id,
	dispatched_at, expires_at, created_at, updated_at`

func scanBroadcast(row pgx.Row) (*Broadcast, error) {
	b := &Broadcast{}
	err := row.Scan(
		&b.ID,
		&b.RequestID,
		&b.CandidateIDs,
		&b.State,
		&b.WinningResponseID,
		&b.DispatchedAt,
		&b.ExpiresAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBroadcast inserts a broadcast.
func (r *BroadcastRepository) CreateBroadcast(ctx context.Context, b *Broadcast) error {
	query := `
		INSERT INTO broadcasts (request_id, candidate_ids, state, dispatched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		b.RequestID,
		b.CandidateIDs,
		b.State,
		b.DispatchedAt,
		b.ExpiresAt,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create broadcast")
	}
	return nil
}

// GetBroadcast retrieves a broadcast by id.
func (r *BroadcastRepository) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	b, err := scanBroadcast(r.db.QueryRow(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("broadcast", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get broadcast")
	}
	return b, nil
}

// Award attempts the open → awarded compare-and-swap, recording responseID
// as the single winner. Returns false when the broadcast was no longer open,
// i.e. the caller lost the race. The condition on state makes the
// check-then-act indivisible: two concurrent awards cannot both match an
// 'open' row. The winner verdict and the request status commit in the same
// transaction, so an awarded broadcast never leaves its request dispatched.
func (r *BroadcastRepository) Award(ctx context.Context, broadcastID, responseID string) (bool, error) {
	won := false
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var requestID string
		err := tx.QueryRow(ctx, `
			UPDATE broadcasts
			SET state = 'awarded', winning_response_id = $2, updated_at = now()
			WHERE id = $1 AND state = 'open'
			RETURNING request_id
		`, broadcastID, responseID).Scan(&requestID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE responses SET verdict = 'awarded' WHERE id = $1`, responseID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE requests SET status = 'awarded', updated_at = now() WHERE id = $1`, requestID); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to award broadcast")
	}
	return won, nil
}

// CloseExpired moves an open broadcast past its expiry into the given
// terminal state. Same CAS shape as Award: a broadcast awarded between the
// sweep's read and this write stays awarded.
func (r *BroadcastRepository) CloseExpired(ctx context.Context, id string, state BroadcastState) (bool, error) {
	query := `
		UPDATE broadcasts
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = 'open' AND expires_at <= now()
	`
	tag, err := r.db.Exec(ctx, query, id, state)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to close expired broadcast")
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredOpen returns open broadcasts whose expiry has passed.
func (r *BroadcastRepository) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*Broadcast, error) {
	query := `
		SELECT ` + broadcastColumns + `
		FROM broadcasts
		WHERE state = 'open' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list expired broadcasts")
	}
	defer rows.Close()

	broadcasts := make([]*Broadcast, 0)
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan broadcast")
		}
		broadcasts = append(broadcasts, b)
	}
	return broadcasts, rows.Err()
}

// ── Responses ───────────────────────────────────────────────────────────────

// InsertResponse records a provider reply. Rows are append-only; only the
// verdict is finalized afterwards.
func (r *BroadcastRepository) InsertResponse(ctx context.Context, resp *Response) error {
	query := `
		INSERT INTO responses (broadcast_id, provider_id, raw_reply, reply, eligible, verdict, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		resp.BroadcastID,
		resp.ProviderID,
		resp.RawReply,
		resp.Reply,
		resp.Eligible,
		resp.Verdict,
		resp.ReceivedAt,
	).Scan(&resp.ID, &resp.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to insert response")
	}
	return nil
}

// SetResponseVerdict finalizes the resolution outcome of a response.
func (r *BroadcastRepository) SetResponseVerdict(ctx context.Context, id string, verdict ResponseVerdict) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE responses SET verdict = $2 WHERE id = $1`, id, verdict)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to set response verdict")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("response", id)
	}
	return nil
}

// ListResponses returns all responses for a broadcast in receipt order.
func (r *BroadcastRepository) ListResponses(ctx context.Context, broadcastID string) ([]*Response, error) {
	query := `
		SELECT id, broadcast_id, provider_id, raw_reply, reply, eligible, verdict, received_at, created_at
		FROM responses
		WHERE broadcast_id = $1
		ORDER BY received_at
	`
	rows, err := r.db.Query(ctx, query, broadcastID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list responses")
	}
	defer rows.Close()

	responses := make([]*Response, 0)
	for rows.Next() {
		resp := &Response{}
		err := rows.Scan(
			&resp.ID,
			&resp.BroadcastID,
			&resp.ProviderID,
			&resp.RawReply,
			&resp.Reply,
			&resp.Eligible,
			&resp.Verdict,
			&resp.ReceivedAt,
			&resp.CreatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan response")
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}
