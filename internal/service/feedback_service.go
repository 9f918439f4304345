package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// FeedbackStore is the follow-up persistence surface.
// Implemented by repository.FlagRepository.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, f *repository.Feedback) error
	GetFeedbackByRequest(ctx context.Context, requestID string) (*repository.Feedback, error)
	CompleteFeedback(ctx context.Context, id string, rating int, comment *string) (bool, error)
	ListFollowupDue(ctx context.Context, cutoff time.Time, limit int) ([]*repository.Feedback, error)
}

// FeedbackService asks customers how their awarded request went and turns
// the answers into feedback records the governance layer consumes.
type FeedbackService struct {
	repo    FeedbackStore
	gateway client.NotificationGateway
	events  EventPublisher
	policy  config.PolicyConfig
	country string
	clock   clockwork.Clock
	log     zerolog.Logger
}

// NewFeedbackService creates a new feedback service.
func NewFeedbackService(
	repo FeedbackStore,
	gateway client.NotificationGateway,
	events EventPublisher,
	policy config.PolicyConfig,
	countryCode string,
	clock clockwork.Clock,
	log zerolog.Logger,
) *FeedbackService {
	return &FeedbackService{
		repo:    repo,
		gateway: gateway,
		events:  events,
		policy:  policy,
		country: countryCode,
		clock:   clock,
		log:     log,
	}
}

// CreateDueFollowups opens a feedback record for every awarded request past
// the follow-up delay that has none yet, and messages the customer. Returns
// the number of follow-ups opened.
func (s *FeedbackService) CreateDueFollowups(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock.Now().Add(-s.policy.FollowupDelay)
	due, err := s.repo.ListFollowupDue(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, f := range due {
		if err := s.repo.CreateFeedback(ctx, f); err != nil {
			if apperr.IsCode(err, apperr.CodeConflict) {
				// Another sweep beat us to this request.
				continue
			}
			s.log.Error().Err(err).Str("request_id", f.RequestID).Msg("Failed to create feedback record")
			continue
		}
		created++

		body := "How did your service request go? Reply with a rating from 1 to 5."
		if err := s.gateway.SendDirectMessage(ctx, f.CustomerPhone, body); err != nil {
			s.log.Warn().Err(err).Str("request_id", f.RequestID).Msg("Follow-up message failed")
		}

		s.log.Info().
			Str("request_id", f.RequestID).
			Str("provider_id", f.ProviderID).
			Msg("Follow-up opened")
	}

	return created, nil
}

// RecordReply completes the pending feedback for a request with the
// customer's rating. A second reply for the same request is a conflict.
func (s *FeedbackService) RecordReply(ctx context.Context, requestID string, rating int, comment *string) (*repository.Feedback, error) {
	if rating < 1 || rating > 5 {
		return nil, apperr.Validation("rating", "must be between 1 and 5")
	}

	feedback, err := s.repo.GetFeedbackByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	completed, err := s.repo.CompleteFeedback(ctx, feedback.ID, rating, comment)
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, apperr.Conflict("feedback already recorded for this request")
	}

	feedback, err = s.repo.GetFeedbackByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("provider_id", feedback.ProviderID).
		Int("rating", rating).
		Msg("Feedback recorded")

	s.events.Publish(ctx, client.SubjectFeedbackCompleted, client.Event{
		Type:       "feedback_completed",
		ProviderID: feedback.ProviderID,
		EntityID:   requestID,
		Payload:    map[string]any{"rating": rating},
		OccurredAt: s.clock.Now(),
	})

	return feedback, nil
}

// GetByRequest returns the feedback record for a request.
func (s *FeedbackService) GetByRequest(ctx context.Context, requestID string) (*repository.Feedback, error) {
	return s.repo.GetFeedbackByRequest(ctx, requestID)
}
