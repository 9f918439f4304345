package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// otpSessionTTL bounds how long a delivered code stays usable.
const otpSessionTTL = 10 * time.Minute

// notifyTimeout bounds the detached post-award notification fanout.
const notifyTimeout = 30 * time.Second

// BroadcastStore is the request/broadcast/response persistence surface.
// Implemented by repository.BroadcastRepository.
type BroadcastStore interface {
	CreateRequest(ctx context.Context, req *repository.Request) error
	GetRequest(ctx context.Context, id string) (*repository.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status repository.RequestStatus, otpVerified bool) error
	CreateBroadcast(ctx context.Context, b *repository.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (*repository.Broadcast, error)
	Award(ctx context.Context, broadcastID, responseID string) (bool, error)
	CloseExpired(ctx context.Context, id string, state repository.BroadcastState) (bool, error)
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*repository.Broadcast, error)
	InsertResponse(ctx context.Context, resp *repository.Response) error
	SetResponseVerdict(ctx context.Context, id string, verdict repository.ResponseVerdict) error
	ListResponses(ctx context.Context, broadcastID string) ([]*repository.Response, error)
}

// OTPStore is the OTP session persistence surface.
// Implemented by repository.SupportRepository.
type OTPStore interface {
	CreateOTPSession(ctx context.Context, s *repository.OTPSession) error
	GetLatestOTPSession(ctx context.Context, requestID string) (*repository.OTPSession, error)
	RecordOTPAttempt(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (int, error)
	MarkOTPVerified(ctx context.Context, id string) error
}

// ProviderDirectory is what broadcast resolution needs from the provider
// registry. Implemented by ProviderService.
type ProviderDirectory interface {
	GetByID(ctx context.Context, id string) (*repository.Provider, error)
	GetEligible(ctx context.Context, service, area string) ([]*repository.Provider, error)
	RecordReplyOutcome(ctx context.Context, providerID string, answered bool) (float64, error)
}

// ResolutionOutcome is what happened to one inbound provider reply.
type ResolutionOutcome string

const (
	OutcomeAwarded    ResolutionOutcome = "awarded"
	OutcomeRaceLost   ResolutionOutcome = "race_lost"
	OutcomeIneligible ResolutionOutcome = "ineligible"
	OutcomeRecorded   ResolutionOutcome = "recorded"
)

// yesTokens and noTokens are the accepted normalized reply forms. Anything
// else is ambiguous and never awards.
var yesTokens = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true,
	"ok": true, "okay": true, "نعم": true, "ايوه": true,
}

var noTokens = map[string]bool{
	"no": true, "n": true, "nope": true, "لا": true,
}

// NormalizeReply folds a raw inbound reply to yes, no or ambiguous.
func NormalizeReply(raw string) repository.Reply {
	token := strings.ToLower(strings.TrimSpace(raw))
	token = strings.TrimRight(token, ".!")
	switch {
	case yesTokens[token]:
		return repository.ReplyYes
	case noTokens[token]:
		return repository.ReplyNo
	default:
		return repository.ReplyAmbiguous
	}
}

// BroadcastService owns request intake, OTP verification, candidate
// dispatch and first-valid-yes resolution. The award itself is a single
// compare-and-swap in the store; everything after it is notification.
type BroadcastService struct {
	repo      BroadcastStore
	otp       OTPStore
	providers ProviderDirectory
	gateway   client.NotificationGateway
	events    EventPublisher
	policy    config.PolicyConfig
	country   string
	clock     clockwork.Clock
	log       zerolog.Logger
}

// NewBroadcastService creates a new broadcast service.
func NewBroadcastService(
	repo BroadcastStore,
	otp OTPStore,
	providers ProviderDirectory,
	gateway client.NotificationGateway,
	events EventPublisher,
	policy config.PolicyConfig,
	countryCode string,
	clock clockwork.Clock,
	log zerolog.Logger,
) *BroadcastService {
	return &BroadcastService{
		repo:      repo,
		otp:       otp,
		providers: providers,
		gateway:   gateway,
		events:    events,
		policy:    policy,
		country:   countryCode,
		clock:     clock,
		log:       log,
	}
}

// CreateRequestInput is a new customer request.
type CreateRequestInput struct {
	CustomerName  string
	CustomerPhone string
	Service       string
	Area          string
	Description   *string
}

// CreateRequest records a customer request and opens an OTP session on the
// customer's phone. The code delivery is best-effort; the session can be
// retried through a fresh request if the gateway was down.
func (s *BroadcastService) CreateRequest(ctx context.Context, in *CreateRequestInput) (*repository.Request, error) {
	if in.CustomerName == "" {
		return nil, apperr.Validation("customer_name", "required")
	}
	phone := client.NormalizePhone(in.CustomerPhone, s.country)
	if phone == "" {
		return nil, apperr.Validation("customer_phone", "required")
	}
	if in.Service == "" {
		return nil, apperr.Validation("service", "required")
	}
	if in.Area == "" {
		return nil, apperr.Validation("area", "required")
	}

	req := &repository.Request{
		CustomerName:  in.CustomerName,
		CustomerPhone: phone,
		Service:       in.Service,
		Area:          in.Area,
		Description:   in.Description,
		Status:        repository.RequestNew,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	code, err := generateOTPCode()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to generate otp code")
	}
	session := &repository.OTPSession{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Phone:     phone,
		Code:      code,
		ExpiresAt: s.clock.Now().Add(otpSessionTTL),
	}
	if err := s.otp.CreateOTPSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.gateway.SendOTP(ctx, phone, code); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Msg("OTP delivery failed")
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("service", req.Service).
		Str("area", req.Area).
		Msg("Request created")

	return req, nil
}

// GetRequest retrieves a request.
func (s *BroadcastService) GetRequest(ctx context.Context, id string) (*repository.Request, error) {
	return s.repo.GetRequest(ctx, id)
}

// VerifyOTP checks the submitted code against the latest session for the
// request. Too many wrong codes lock the session for the configured window.
func (s *BroadcastService) VerifyOTP(ctx context.Context, requestID, code string) error {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.OTPVerified {
		return nil
	}

	session, err := s.otp.GetLatestOTPSession(ctx, requestID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if session.LockedUntil != nil && now.Before(*session.LockedUntil) {
		return apperr.New(apperr.CodeValidation, "otp verification is locked, try again later")
	}
	if now.After(session.ExpiresAt) {
		return apperr.New(apperr.CodeValidation, "otp code expired")
	}
	if session.Code != code {
		attempts, aerr := s.otp.RecordOTPAttempt(ctx, session.ID, s.policy.OTPMaxAttempts, s.policy.OTPLockDuration)
		if aerr != nil {
			return aerr
		}
		if attempts >= s.policy.OTPMaxAttempts {
			return apperr.New(apperr.CodeValidation, "too many attempts, otp verification locked")
		}
		return apperr.New(apperr.CodeValidation, "incorrect otp code")
	}

	if err := s.otp.MarkOTPVerified(ctx, session.ID); err != nil {
		return err
	}
	if err := s.repo.UpdateRequestStatus(ctx, requestID, repository.RequestVerified, true); err != nil {
		return err
	}

	s.log.Info().Str("request_id", requestID).Msg("Request verified")
	return nil
}

// Dispatch snapshots the eligible candidate set for a verified request and
// opens a broadcast against it. An empty candidate set closes immediately
// as no_response and marks the request unserved without touching the
// gateway.
func (s *BroadcastService) Dispatch(ctx context.Context, requestID string) (*repository.Broadcast, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestVerified {
		return nil, apperr.InvalidTransition("request", string(req.Status), string(repository.RequestDispatched))
	}

	candidates, err := s.providers.GetEligible(ctx, req.Service, req.Area)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	broadcast := &repository.Broadcast{
		RequestID:    requestID,
		DispatchedAt: now,
		ExpiresAt:    now.Add(s.policy.BroadcastExpiry),
	}
	for _, c := range candidates {
		broadcast.CandidateIDs = append(broadcast.CandidateIDs, c.ID)
	}

	if len(candidates) == 0 {
		broadcast.State = repository.BroadcastNoResponse
		if err := s.repo.CreateBroadcast(ctx, broadcast); err != nil {
			return nil, err
		}
		if err := s.repo.UpdateRequestStatus(ctx, requestID, repository.RequestUnserved, req.OTPVerified); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("broadcast_id", broadcast.ID).
			Msg("No eligible candidates, request unserved")
		return broadcast, nil
	}

	broadcast.State = repository.BroadcastOpen
	if err := s.repo.CreateBroadcast(ctx, broadcast); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateRequestStatus(ctx, requestID, repository.RequestDispatched, req.OTPVerified); err != nil {
		return nil, err
	}

	// Delivery is best-effort. Providers can still reply through any
	// channel the webhook accepts even if the push failed.
	groupIDs := candidateGroupIDs(candidates)
	params := map[string]string{
		"service": req.Service,
		"area":    req.Area,
	}
	if req.Description != nil {
		params["description"] = *req.Description
	}
	if err := s.gateway.SendBroadcast(ctx, groupIDs, "new_request", params, ""); err != nil {
		s.log.Warn().Err(err).
			Str("broadcast_id", broadcast.ID).
			Msg("Broadcast delivery failed")
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("broadcast_id", broadcast.ID).
		Int("candidates", len(candidates)).
		Time("expires_at", broadcast.ExpiresAt).
		Msg("Broadcast dispatched")

	return broadcast, nil
}

// GetBroadcast retrieves a broadcast.
func (s *BroadcastService) GetBroadcast(ctx context.Context, id string) (*repository.Broadcast, error) {
	return s.repo.GetBroadcast(ctx, id)
}

// ListResponses returns a broadcast's responses in receipt order.
func (s *BroadcastService) ListResponses(ctx context.Context, broadcastID string) ([]*repository.Response, error) {
	return s.repo.ListResponses(ctx, broadcastID)
}

// OnResponse records one provider reply and resolves it. Exactly one valid
// yes per broadcast wins; the decision point is the store's conditional
// award, so concurrent yes replies race on the database row, not in here.
func (s *BroadcastService) OnResponse(ctx context.Context, broadcastID, providerID, rawReply string) (ResolutionOutcome, *repository.Response, error) {
	broadcast, err := s.repo.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return "", nil, err
	}
	if !containsID(broadcast.CandidateIDs, providerID) {
		return "", nil, apperr.Eligibility(providerID, "provider is not a candidate of this broadcast")
	}

	reply := NormalizeReply(rawReply)
	eligible, err := s.eligibleNow(ctx, broadcast, providerID)
	if err != nil {
		return "", nil, err
	}

	resp := &repository.Response{
		BroadcastID: broadcastID,
		ProviderID:  providerID,
		RawReply:    rawReply,
		Reply:       reply,
		Eligible:    eligible,
		Verdict:     repository.VerdictRecorded,
		ReceivedAt:  s.clock.Now(),
	}
	if err := s.repo.InsertResponse(ctx, resp); err != nil {
		return "", nil, err
	}
	if _, err := s.providers.RecordReplyOutcome(ctx, providerID, true); err != nil {
		s.log.Warn().Err(err).
			Str("provider_id", providerID).
			Msg("Failed to record reply outcome")
	}

	if reply != repository.ReplyYes {
		s.log.Info().
			Str("broadcast_id", broadcastID).
			Str("provider_id", providerID).
			Str("reply", string(reply)).
			Msg("Response recorded")
		return OutcomeRecorded, resp, nil
	}
	if !eligible {
		resp.Verdict = repository.VerdictIneligible
		if err := s.repo.SetResponseVerdict(ctx, resp.ID, repository.VerdictIneligible); err != nil {
			return "", nil, err
		}
		s.log.Info().
			Str("broadcast_id", broadcastID).
			Str("provider_id", providerID).
			Msg("Yes from ineligible provider recorded")
		return OutcomeIneligible, resp, nil
	}

	won, err := s.repo.Award(ctx, broadcastID, resp.ID)
	if err != nil {
		return "", nil, err
	}
	if !won {
		resp.Verdict = repository.VerdictRaceLost
		if err := s.repo.SetResponseVerdict(ctx, resp.ID, repository.VerdictRaceLost); err != nil {
			return "", nil, err
		}
		s.notifySlotFilled(ctx, providerID)
		return OutcomeRaceLost, resp, apperr.RaceLost(broadcastID)
	}

	// The store committed the winner verdict and the request status together
	// with the award; mirror the verdict on the in-flight response.
	resp.Verdict = repository.VerdictAwarded

	s.log.Info().
		Str("broadcast_id", broadcastID).
		Str("request_id", broadcast.RequestID).
		Str("provider_id", providerID).
		Str("response_id", resp.ID).
		Msg("Broadcast awarded")

	s.events.Publish(ctx, client.SubjectBroadcastAwarded, client.Event{
		Type:       "broadcast_awarded",
		ProviderID: providerID,
		EntityID:   broadcastID,
		Payload:    map[string]any{"request_id": broadcast.RequestID, "response_id": resp.ID},
		OccurredAt: s.clock.Now(),
	})

	// The award is committed; the fanout below is pure notification and
	// must not block or fail the webhook reply.
	s.notifyAwardFanout(ctx, broadcast, providerID)

	return OutcomeAwarded, resp, nil
}

// SweepExpired closes open broadcasts past their expiry. Zero replies
// closes as no_response, otherwise expired. Candidates who never answered
// get a missed-reply mark against their response rate.
func (s *BroadcastService) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	expired, err := s.repo.ListExpiredOpen(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, b := range expired {
		responses, err := s.repo.ListResponses(ctx, b.ID)
		if err != nil {
			s.log.Error().Err(err).Str("broadcast_id", b.ID).Msg("Expiry sweep failed to list responses")
			continue
		}
		state := repository.BroadcastExpired
		if len(responses) == 0 {
			state = repository.BroadcastNoResponse
		}

		moved, err := s.repo.CloseExpired(ctx, b.ID, state)
		if err != nil {
			s.log.Error().Err(err).Str("broadcast_id", b.ID).Msg("Expiry sweep failed to close broadcast")
			continue
		}
		if !moved {
			// Awarded between the listing and the close. Leave it alone.
			continue
		}
		closed++

		if err := s.repo.UpdateRequestStatus(ctx, b.RequestID, repository.RequestUnserved, true); err != nil {
			s.log.Error().Err(err).Str("request_id", b.RequestID).Msg("Expiry sweep failed to mark request unserved")
		}

		answered := make(map[string]bool, len(responses))
		for _, r := range responses {
			answered[r.ProviderID] = true
		}
		for _, candidateID := range b.CandidateIDs {
			if answered[candidateID] {
				continue
			}
			if _, err := s.providers.RecordReplyOutcome(ctx, candidateID, false); err != nil {
				s.log.Warn().Err(err).
					Str("provider_id", candidateID).
					Msg("Failed to record missed reply")
			}
		}

		s.events.Publish(ctx, client.SubjectBroadcastExpired, client.Event{
			Type:     "broadcast_expired",
			EntityID: b.ID,
			Payload: map[string]any{
				"request_id": b.RequestID,
				"state":      string(state),
				"candidates": b.CandidateIDs,
				"replies":    len(responses),
			},
			OccurredAt: now,
		})

		s.log.Info().
			Str("broadcast_id", b.ID).
			Str("state", string(state)).
			Int("replies", len(responses)).
			Msg("Broadcast closed by expiry sweep")
	}

	return closed, nil
}

// eligibleNow re-evaluates the provider's eligibility at receipt time. The
// candidate snapshot taken at dispatch does not shield a provider that has
// since been paused, removed or re-scoped. The check goes through the
// registry's eligibility query, the same predicate that selected the
// candidates in the first place.
func (s *BroadcastService) eligibleNow(ctx context.Context, b *repository.Broadcast, providerID string) (bool, error) {
	req, err := s.repo.GetRequest(ctx, b.RequestID)
	if err != nil {
		return false, err
	}
	eligible, err := s.providers.GetEligible(ctx, req.Service, req.Area)
	if err != nil {
		return false, err
	}
	for _, p := range eligible {
		if p.ID == providerID {
			return true, nil
		}
	}
	return false, nil
}

// notifyAwardFanout tells the winner they got the job and every other
// responder that the slot is filled. Runs detached from the request
// context so a slow gateway never holds the webhook open.
func (s *BroadcastService) notifyAwardFanout(ctx context.Context, b *repository.Broadcast, winnerID string) {
	detached := context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(detached, notifyTimeout)
		defer cancel()

		winner, err := s.providers.GetByID(nctx, winnerID)
		if err != nil {
			s.log.Warn().Err(err).Str("provider_id", winnerID).Msg("Award notification failed to load winner")
			return
		}
		req, err := s.repo.GetRequest(nctx, b.RequestID)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", b.RequestID).Msg("Award notification failed to load request")
			return
		}

		body := fmt.Sprintf("You won the %s request in %s. Customer: %s, %s.",
			req.Service, req.Area, req.CustomerName, client.FormatPhone(req.CustomerPhone, s.country))
		if err := s.gateway.SendDirectMessage(nctx, winner.Phone, body); err != nil {
			s.log.Warn().Err(err).Str("provider_id", winnerID).Msg("Winner notification failed")
		}

		responses, err := s.repo.ListResponses(nctx, b.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("broadcast_id", b.ID).Msg("Award fanout failed to list responses")
			return
		}
		for _, r := range responses {
			if r.ProviderID == winnerID {
				continue
			}
			s.notifySlotFilled(nctx, r.ProviderID)
		}
	}()
}

// notifySlotFilled sends a best-effort slot-filled notice.
func (s *BroadcastService) notifySlotFilled(ctx context.Context, providerID string) {
	provider, err := s.providers.GetByID(ctx, providerID)
	if err != nil {
		return
	}
	if err := s.gateway.SendDirectMessage(ctx, provider.Phone, "This request has already been taken. Thanks for the quick reply."); err != nil {
		s.log.Warn().Err(err).Str("provider_id", providerID).Msg("Slot-filled notification failed")
	}
}

func candidateGroupIDs(candidates []*repository.Provider) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range candidates {
		for _, g := range c.GroupIDs {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
