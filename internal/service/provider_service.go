package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// ProviderStore is the provider persistence surface the registry needs.
// Implemented by repository.ProviderRepository.
type ProviderStore interface {
	Create(ctx context.Context, p *repository.Provider) error
	GetByID(ctx context.Context, id string) (*repository.Provider, error)
	GetLiveByPhone(ctx context.Context, phone string) (*repository.Provider, error)
	List(ctx context.Context, status *repository.ProviderStatus) ([]*repository.Provider, error)
	ListEligible(ctx context.Context, service, area string) ([]*repository.Provider, error)
	UpdateStatus(ctx context.Context, id string, status repository.ProviderStatus, reason string) error
	IncrementFlags(ctx context.Context, id string) (int, error)
	RecordReplyOutcome(ctx context.Context, id string, answered bool) (float64, error)
	UpdateGroups(ctx context.Context, id string, groupIDs []string) error
}

// FlagWriter records flag rows alongside the provider counter.
// Implemented by repository.FlagRepository.
type FlagWriter interface {
	InsertFlag(ctx context.Context, f *repository.Flag) error
	ListByProvider(ctx context.Context, providerID string) ([]*repository.Flag, error)
	Resolve(ctx context.Context, id string) error
}

// ProviderService is the provider registry: the single owner of provider
// status transitions, flag accumulation and the eligibility predicate.
type ProviderService struct {
	repo   ProviderStore
	flags  FlagWriter
	events EventPublisher
	policy config.PolicyConfig
	log    zerolog.Logger
}

// NewProviderService creates a new provider registry.
func NewProviderService(repo ProviderStore, flags FlagWriter, events EventPublisher, policy config.PolicyConfig, log zerolog.Logger) *ProviderService {
	return &ProviderService{
		repo:   repo,
		flags:  flags,
		events: events,
		policy: policy,
		log:    log,
	}
}

// CreateFromApplication instantiates a provider from an approved
// application snapshot. Fails with a duplicate-provider conflict when a
// non-removed provider already holds the same contact channel.
func (s *ProviderService) CreateFromApplication(ctx context.Context, app *repository.Application, entityType string, groupIDs []string) (*repository.Provider, error) {
	if entityType == "" {
		return nil, apperr.Validation("entity_type", "required on approval")
	}

	existing, err := s.repo.GetLiveByPhone(ctx, app.Phone)
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.DuplicateProvider(app.Phone)
	}

	provider := &repository.Provider{
		CompanyName:   app.CompanyName,
		Phone:         app.Phone,
		Status:        repository.ProviderActive,
		Services:      app.Services,
		Areas:         app.Areas,
		EntityType:    entityType,
		GroupIDs:      groupIDs,
		ApplicationID: &app.ID,
	}
	if err := s.repo.Create(ctx, provider); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, client.SubjectProviderCreated, client.Event{
		Type:       "provider_created",
		ProviderID: provider.ID,
		EntityID:   app.ID,
	})

	s.log.Info().
		Str("provider_id", provider.ID).
		Str("application_id", app.ID).
		Str("entity_type", entityType).
		Msg("Provider created")

	return provider, nil
}

// GetByID retrieves a provider.
func (s *ProviderService) GetByID(ctx context.Context, id string) (*repository.Provider, error) {
	return s.repo.GetByID(ctx, id)
}

// GetLiveByPhone resolves the non-removed provider on a contact channel.
func (s *ProviderService) GetLiveByPhone(ctx context.Context, phone string) (*repository.Provider, error) {
	return s.repo.GetLiveByPhone(ctx, phone)
}

// List returns providers, optionally filtered by status.
func (s *ProviderService) List(ctx context.Context, status *repository.ProviderStatus) ([]*repository.Provider, error) {
	return s.repo.List(ctx, status)
}

// SetStatus applies a status transition after validating it against the
// lifecycle table. Removed is terminal.
func (s *ProviderService) SetStatus(ctx context.Context, id string, next repository.ProviderStatus, reason string) error {
	provider, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if provider.Status == next {
		return nil
	}
	if !repository.CanTransitionProvider(provider.Status, next) {
		return apperr.InvalidTransition("provider", string(provider.Status), string(next))
	}
	if err := s.repo.UpdateStatus(ctx, id, next, reason); err != nil {
		return err
	}

	s.log.Info().
		Str("provider_id", id).
		Str("from", string(provider.Status)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("Provider status changed")

	return nil
}

// RecordFlag records a flag against a provider and increments the counter.
// Crossing the auto-observe threshold transitions an active provider to
// observed synchronously; the returned status lets callers notify.
func (s *ProviderService) RecordFlag(ctx context.Context, providerID, reason string, severity repository.FlagSeverity) (int, repository.ProviderStatus, error) {
	provider, err := s.repo.GetByID(ctx, providerID)
	if err != nil {
		return 0, "", err
	}

	flag := &repository.Flag{
		ProviderID: providerID,
		Reason:     reason,
		Severity:   severity,
		Status:     repository.FlagActive,
	}
	if err := s.flags.InsertFlag(ctx, flag); err != nil {
		return 0, "", err
	}

	count, err := s.repo.IncrementFlags(ctx, providerID)
	if err != nil {
		return 0, "", err
	}

	status := provider.Status
	if count >= s.policy.AutoObserveFlagThreshold && status == repository.ProviderActive {
		if err := s.SetStatus(ctx, providerID, repository.ProviderObserved, "auto-observe flag threshold reached"); err != nil {
			return count, status, err
		}
		status = repository.ProviderObserved
	}

	s.events.Publish(ctx, client.SubjectFlagRecorded, client.Event{
		Type:       "flag_recorded",
		ProviderID: providerID,
		EntityID:   flag.ID,
		Payload:    map[string]any{"reason": reason, "flag_count": count},
	})

	s.log.Info().
		Str("provider_id", providerID).
		Str("reason", reason).
		Int("flag_count", count).
		Str("status", string(status)).
		Msg("Flag recorded")

	return count, status, nil
}

// GetEligible returns the providers eligible for a service/area pair:
// active status, service offered, area covered. This is the single source
// of truth for eligibility; the broadcast resolver calls it both when
// selecting candidates and when validating replies at receipt time.
func (s *ProviderService) GetEligible(ctx context.Context, serviceName, area string) ([]*repository.Provider, error) {
	return s.repo.ListEligible(ctx, serviceName, area)
}

// RecordReplyOutcome feeds the rolling response rate from broadcast
// resolution.
func (s *ProviderService) RecordReplyOutcome(ctx context.Context, providerID string, answered bool) (float64, error) {
	return s.repo.RecordReplyOutcome(ctx, providerID, answered)
}

// UpdateGroups replaces a provider's external group memberships after a
// gateway sync.
func (s *ProviderService) UpdateGroups(ctx context.Context, providerID string, groupIDs []string) error {
	return s.repo.UpdateGroups(ctx, providerID, groupIDs)
}

// ListFlags returns the flag history of a provider.
func (s *ProviderService) ListFlags(ctx context.Context, providerID string) ([]*repository.Flag, error) {
	return s.flags.ListByProvider(ctx, providerID)
}

// ResolveFlag closes an active flag after admin review. The counter on the
// provider row keeps its history; only the active-flag totals the governance
// thresholds read move.
func (s *ProviderService) ResolveFlag(ctx context.Context, providerID, flagID string) error {
	if err := s.flags.Resolve(ctx, flagID); err != nil {
		return err
	}
	s.log.Info().
		Str("provider_id", providerID).
		Str("flag_id", flagID).
		Msg("Flag resolved")
	return nil
}
