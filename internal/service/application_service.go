package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

// ApplicationStore is the application persistence surface.
// Implemented by repository.ApplicationRepository.
type ApplicationStore interface {
	Create(ctx context.Context, a *repository.Application) error
	GetByID(ctx context.Context, id string) (*repository.Application, error)
	List(ctx context.Context, status *repository.ApplicationStatus) ([]*repository.Application, error)
	Decide(ctx context.Context, id string, expected, next repository.ApplicationStatus, entityType *string, groupIDs []string, decidedBy string, notes *string) (bool, error)
}

// ProviderCreator instantiates providers from approved applications and
// resolves contact-channel ownership. Implemented by ProviderService.
type ProviderCreator interface {
	CreateFromApplication(ctx context.Context, app *repository.Application, entityType string, groupIDs []string) (*repository.Provider, error)
	GetLiveByPhone(ctx context.Context, phone string) (*repository.Provider, error)
}

// SyncEnqueuer parks failed gateway syncs for out-of-band retry.
// Implemented by repository.SupportRepository.
type SyncEnqueuer interface {
	EnqueueSyncJob(ctx context.Context, j *repository.SyncJob) error
}

// Decision is a reviewer action on an application.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionMoreInfo    Decision = "more_info"
	DecisionConditional Decision = "conditional"
)

// decisionTargets maps reviewer decisions to target statuses.
var decisionTargets = map[Decision]repository.ApplicationStatus{
	DecisionApprove:     repository.ApplicationApproved,
	DecisionReject:      repository.ApplicationRejected,
	DecisionMoreInfo:    repository.ApplicationMoreInfo,
	DecisionConditional: repository.ApplicationConditional,
}

// ApplicationService owns the intake review workflow. On approval it marks
// the application terminal, instantiates the provider and syncs the contact
// to the gateway; the gateway call is best-effort and never rolls back the
// internal state.
type ApplicationService struct {
	repo      ApplicationStore
	providers ProviderCreator
	gateway   client.NotificationGateway
	sync      SyncEnqueuer
	country   string
	log       zerolog.Logger
}

// NewApplicationService creates a new intake service.
func NewApplicationService(repo ApplicationStore, providers ProviderCreator, gateway client.NotificationGateway, sync SyncEnqueuer, countryCode string, log zerolog.Logger) *ApplicationService {
	return &ApplicationService{
		repo:      repo,
		providers: providers,
		gateway:   gateway,
		sync:      sync,
		country:   countryCode,
		log:       log,
	}
}

// SubmitApplicationRequest is a provider onboarding submission.
type SubmitApplicationRequest struct {
	ApplicantName   string
	CompanyName     string
	Phone           string
	Email           *string
	Services        []string
	Areas           []string
	HasIDDocument   bool
	HasTradeLicense bool
}

// Submit records a new application in pending status.
func (s *ApplicationService) Submit(ctx context.Context, req *SubmitApplicationRequest) (*repository.Application, error) {
	if req.ApplicantName == "" {
		return nil, apperr.Validation("applicant_name", "required")
	}
	if req.CompanyName == "" {
		return nil, apperr.Validation("company_name", "required")
	}
	phone := client.NormalizePhone(req.Phone, s.country)
	if phone == "" {
		return nil, apperr.Validation("phone", "required")
	}
	if len(req.Services) == 0 {
		return nil, apperr.Validation("services", "at least one service is required")
	}
	if len(req.Areas) == 0 {
		return nil, apperr.Validation("areas", "at least one coverage area is required")
	}

	app := &repository.Application{
		ApplicantName:   req.ApplicantName,
		CompanyName:     req.CompanyName,
		Phone:           phone,
		Email:           req.Email,
		Services:        req.Services,
		Areas:           req.Areas,
		HasIDDocument:   req.HasIDDocument,
		HasTradeLicense: req.HasTradeLicense,
		Status:          repository.ApplicationPending,
	}
	if err := s.repo.Create(ctx, app); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("application_id", app.ID).
		Str("company", app.CompanyName).
		Msg("Application submitted")

	return app, nil
}

// GetByID retrieves an application.
func (s *ApplicationService) GetByID(ctx context.Context, id string) (*repository.Application, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns applications, optionally filtered by status.
func (s *ApplicationService) List(ctx context.Context, status *repository.ApplicationStatus) ([]*repository.Application, error) {
	return s.repo.List(ctx, status)
}

// DecideRequest is a reviewer decision on an application.
type DecideRequest struct {
	ID         string
	Decision   Decision
	EntityType *string
	GroupIDs   []string
	DecidedBy  string
	Notes      *string
}

// Decide applies a reviewer decision. Terminal applications reject any
// further decision with an invalid-transition error. Approval from the
// conditionally-approved hold state is the required second admin action.
func (s *ApplicationService) Decide(ctx context.Context, req *DecideRequest) (*repository.Application, error) {
	next, ok := decisionTargets[req.Decision]
	if !ok {
		return nil, apperr.Validation("decision", "unknown decision "+string(req.Decision))
	}

	app, err := s.repo.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !repository.CanTransitionApplication(app.Status, next) {
		return nil, apperr.InvalidTransition("application", string(app.Status), string(next))
	}

	entityType := req.EntityType
	if next == repository.ApplicationApproved {
		if entityType == nil && app.EntityType != nil {
			entityType = app.EntityType
		}
		if entityType == nil || *entityType == "" {
			return nil, apperr.Validation("entity_type", "required on approval")
		}
		// A taken contact channel must refuse the approval before the
		// application goes terminal, not after.
		existing, err := s.providers.GetLiveByPhone(ctx, app.Phone)
		if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.DuplicateProvider(app.Phone)
		}
	}

	prevStatus := app.Status
	moved, err := s.repo.Decide(ctx, req.ID, app.Status, next, entityType, req.GroupIDs, req.DecidedBy, req.Notes)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Lost a race with another reviewer; the row is no longer in the
		// status we validated against.
		return nil, apperr.Conflict("application was decided concurrently")
	}

	app, err = s.repo.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("application_id", req.ID).
		Str("decision", string(req.Decision)).
		Str("status", string(app.Status)).
		Str("decided_by", req.DecidedBy).
		Msg("Application decided")

	if next != repository.ApplicationApproved {
		return app, nil
	}

	provider, err := s.providers.CreateFromApplication(ctx, app, *entityType, app.GroupIDs)
	if err != nil {
		// Approval without a provider is a stranded terminal row. Put the
		// application back where the reviewer found it so it can be decided
		// again once the cause is resolved.
		reverted, rerr := s.repo.Decide(ctx, req.ID, repository.ApplicationApproved, prevStatus, nil, nil, req.DecidedBy, req.Notes)
		if rerr != nil || !reverted {
			s.log.Error().Err(rerr).
				Str("application_id", req.ID).
				Msg("Failed to revert approval after provider creation failure")
		}
		return nil, err
	}

	s.syncProviderContact(ctx, app, provider)
	return app, nil
}

// InfoReceived moves a more-info-required application back to pending once
// the applicant has supplied the requested material.
func (s *ApplicationService) InfoReceived(ctx context.Context, id string) (*repository.Application, error) {
	app, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != repository.ApplicationMoreInfo {
		return nil, apperr.InvalidTransition("application", string(app.Status), string(repository.ApplicationPending))
	}
	moved, err := s.repo.Decide(ctx, id, repository.ApplicationMoreInfo, repository.ApplicationPending, nil, nil, "applicant", nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperr.Conflict("application was decided concurrently")
	}
	return s.repo.GetByID(ctx, id)
}

// syncProviderContact pushes the new provider to the gateway: contact
// upsert, then group memberships. Failures are logged and parked for the
// out-of-band retry worker; internal state is authoritative either way.
func (s *ApplicationService) syncProviderContact(ctx context.Context, app *repository.Application, provider *repository.Provider) {
	email := ""
	if app.Email != nil {
		email = *app.Email
	}

	contactID, err := s.gateway.UpsertContact(ctx, provider.Phone, provider.CompanyName, email, map[string]string{
		"entity_type": provider.EntityType,
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("provider_id", provider.ID).
			Msg("Gateway contact upsert failed, parked for retry")
		s.enqueueSync(ctx, provider, repository.SyncContactUpsert, map[string]any{
			"phone":     provider.Phone,
			"name":      provider.CompanyName,
			"email":     email,
			"group_ids": provider.GroupIDs,
		})
		return
	}

	for _, groupID := range provider.GroupIDs {
		if err := s.gateway.AddContactsToGroup(ctx, groupID, []string{contactID}); err != nil {
			s.log.Warn().Err(err).
				Str("provider_id", provider.ID).
				Str("group_id", groupID).
				Msg("Gateway group add failed, parked for retry")
			s.enqueueSync(ctx, provider, repository.SyncGroupAdd, map[string]any{
				"group_id":   groupID,
				"contact_id": contactID,
			})
		}
	}
}

func (s *ApplicationService) enqueueSync(ctx context.Context, provider *repository.Provider, kind repository.SyncJobKind, payload map[string]any) {
	job := &repository.SyncJob{
		ProviderID: provider.ID,
		Kind:       kind,
		Payload:    payload,
	}
	if err := s.sync.EnqueueSyncJob(ctx, job); err != nil {
		s.log.Error().Err(err).
			Str("provider_id", provider.ID).
			Str("kind", string(kind)).
			Msg("Failed to enqueue gateway sync job")
	}
}
