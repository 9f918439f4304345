package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// ProviderRegistry is what governance is allowed to do to providers. All
// mutations go through the registry so its transition rules always apply.
type ProviderRegistry interface {
	GetByID(ctx context.Context, id string) (*repository.Provider, error)
	SetStatus(ctx context.Context, id string, next repository.ProviderStatus, reason string) error
	RecordFlag(ctx context.Context, providerID, reason string, severity repository.FlagSeverity) (int, repository.ProviderStatus, error)
}

// AdvisoryStore is the advisory persistence surface.
// Implemented by repository.FlagRepository.
type AdvisoryStore interface {
	CountActive(ctx context.Context, providerID string, reason *string) (int, error)
	InsertAdvisory(ctx context.Context, a *repository.Advisory) (bool, error)
	ListOpenAdvisories(ctx context.Context) ([]*repository.Advisory, error)
	AcknowledgeAdvisory(ctx context.Context, id, ackedBy string) error
}

// DirectiveKind names a governance conclusion. Observe acts on the
// provider directly; the other two only surface advisories.
type DirectiveKind string

const (
	DirectiveObserve        DirectiveKind = "observe"
	DirectivePauseRecommend DirectiveKind = "pause_recommend"
	DirectiveResponseRisk   DirectiveKind = "response_risk"
)

// Directive is a governance conclusion about one provider.
type Directive struct {
	Kind       DirectiveKind
	ProviderID string
	Reason     string
}

// EvaluateConduct decides whether accumulated conduct flags demand the
// observed state. Returns nil when no action is needed. Re-evaluating an
// already observed or paused provider is a no-op, so the rule is idempotent.
func EvaluateConduct(providerID string, flagCount, threshold int, status repository.ProviderStatus) *Directive {
	if flagCount < threshold || status != repository.ProviderActive {
		return nil
	}
	return &Directive{
		Kind:       DirectiveObserve,
		ProviderID: providerID,
		Reason:     fmt.Sprintf("%d active conduct flags", flagCount),
	}
}

// EvaluatePricingDisputes decides whether pricing disputes warrant a pause
// recommendation. The pause itself stays a human decision.
func EvaluatePricingDisputes(providerID string, disputes, threshold int) *Directive {
	if disputes < threshold {
		return nil
	}
	return &Directive{
		Kind:       DirectivePauseRecommend,
		ProviderID: providerID,
		Reason:     fmt.Sprintf("%d pricing disputes", disputes),
	}
}

// EvaluateResponseHealth decides whether a provider's response rate has
// dropped below the healthy floor. Providers with no reply history yet
// are left alone.
func EvaluateResponseHealth(providerID string, repliesTotal int, rate, healthy float64) *Directive {
	if repliesTotal == 0 || rate >= healthy {
		return nil
	}
	return &Directive{
		Kind:       DirectiveResponseRisk,
		ProviderID: providerID,
		Reason:     fmt.Sprintf("response rate %.2f below %.2f", rate, healthy),
	}
}

// GovernanceService watches the coordination event stream and applies the
// policy thresholds: conduct flags to observation, pricing disputes to
// pause recommendations, poor ratings to conduct flags and missed replies
// to response-risk advisories. It never touches provider rows directly.
type GovernanceService struct {
	registry   ProviderRegistry
	advisories AdvisoryStore
	policy     config.PolicyConfig
	log        zerolog.Logger
}

// NewGovernanceService creates a new governance service.
func NewGovernanceService(registry ProviderRegistry, advisories AdvisoryStore, policy config.PolicyConfig, log zerolog.Logger) *GovernanceService {
	return &GovernanceService{
		registry:   registry,
		advisories: advisories,
		policy:     policy,
		log:        log,
	}
}

// Start subscribes the governance handlers to the event stream.
func (s *GovernanceService) Start(bus *client.EventBus) error {
	if err := bus.Subscribe(client.SubjectFlagRecorded, s.onFlagRecorded); err != nil {
		return err
	}
	if err := bus.Subscribe(client.SubjectFeedbackCompleted, s.onFeedbackCompleted); err != nil {
		return err
	}
	if err := bus.Subscribe(client.SubjectBroadcastExpired, s.onBroadcastExpired); err != nil {
		return err
	}
	return nil
}

// onFlagRecorded re-checks the conduct and pricing-dispute thresholds for
// the flagged provider.
func (s *GovernanceService) onFlagRecorded(event client.Event) {
	ctx := context.Background()
	providerID := event.ProviderID
	if providerID == "" {
		return
	}

	provider, err := s.registry.GetByID(ctx, providerID)
	if err != nil {
		s.log.Warn().Err(err).Str("provider_id", providerID).Msg("Governance failed to load flagged provider")
		return
	}

	flags, err := s.advisories.CountActive(ctx, providerID, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("provider_id", providerID).Msg("Governance failed to count flags")
		return
	}
	if d := EvaluateConduct(providerID, flags, s.policy.AutoObserveFlagThreshold, provider.Status); d != nil {
		if err := s.registry.SetStatus(ctx, providerID, repository.ProviderObserved, d.Reason); err != nil {
			s.log.Error().Err(err).Str("provider_id", providerID).Msg("Governance failed to observe provider")
		}
	}

	reason := repository.FlagReasonPricingDispute
	disputes, err := s.advisories.CountActive(ctx, providerID, &reason)
	if err != nil {
		s.log.Warn().Err(err).Str("provider_id", providerID).Msg("Governance failed to count disputes")
		return
	}
	if d := EvaluatePricingDisputes(providerID, disputes, s.policy.PauseRecommendDisputes); d != nil {
		s.recordAdvisory(ctx, d)
	}
}

// onFeedbackCompleted turns a poor rating into a conduct flag, which in
// turn re-triggers the conduct evaluation via the flag event.
func (s *GovernanceService) onFeedbackCompleted(event client.Event) {
	ctx := context.Background()
	rating, ok := ratingFromPayload(event.Payload)
	if !ok || event.ProviderID == "" {
		return
	}
	if rating > 2 {
		return
	}

	count, status, err := s.registry.RecordFlag(ctx, event.ProviderID, "negative_feedback", repository.SeverityMedium)
	if err != nil {
		s.log.Error().Err(err).Str("provider_id", event.ProviderID).Msg("Governance failed to flag negative feedback")
		return
	}
	s.log.Info().
		Str("provider_id", event.ProviderID).
		Int("rating", rating).
		Int("flag_count", count).
		Str("status", string(status)).
		Msg("Negative feedback flagged")
}

// onBroadcastExpired checks the response health of every candidate on a
// broadcast that closed without an award.
func (s *GovernanceService) onBroadcastExpired(event client.Event) {
	ctx := context.Background()
	candidates, _ := event.Payload["candidates"].([]any)
	for _, c := range candidates {
		providerID, ok := c.(string)
		if !ok {
			continue
		}
		provider, err := s.registry.GetByID(ctx, providerID)
		if err != nil {
			continue
		}
		if d := EvaluateResponseHealth(providerID, provider.RepliesTotal, provider.ResponseRate, s.policy.HealthyResponseRate); d != nil {
			s.recordAdvisory(ctx, d)
		}
	}
}

// advisoryKinds maps advisory-only directives to their stored kind.
var advisoryKinds = map[DirectiveKind]repository.AdvisoryKind{
	DirectivePauseRecommend: repository.AdvisoryRecommendPause,
	DirectiveResponseRisk:   repository.AdvisoryResponseRisk,
}

func (s *GovernanceService) recordAdvisory(ctx context.Context, d *Directive) {
	kind, ok := advisoryKinds[d.Kind]
	if !ok {
		return
	}
	inserted, err := s.advisories.InsertAdvisory(ctx, &repository.Advisory{
		ProviderID: d.ProviderID,
		Kind:       kind,
		Detail:     d.Reason,
		Status:     "open",
	})
	if err != nil {
		s.log.Error().Err(err).Str("provider_id", d.ProviderID).Msg("Governance failed to record advisory")
		return
	}
	if inserted {
		s.log.Info().
			Str("provider_id", d.ProviderID).
			Str("kind", string(d.Kind)).
			Str("detail", d.Reason).
			Msg("Governance advisory recorded")
	}
}

// ListOpenAdvisories returns all open advisories.
func (s *GovernanceService) ListOpenAdvisories(ctx context.Context) ([]*repository.Advisory, error) {
	return s.advisories.ListOpenAdvisories(ctx)
}

// AcknowledgeAdvisory marks an advisory as handled by an operator.
func (s *GovernanceService) AcknowledgeAdvisory(ctx context.Context, id, ackedBy string) error {
	return s.advisories.AcknowledgeAdvisory(ctx, id, ackedBy)
}

func ratingFromPayload(payload map[string]any) (int, bool) {
	switch v := payload["rating"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
