package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		AutoObserveFlagThreshold: 3,
		PauseRecommendDisputes:   2,
		HealthyResponseRate:      0.5,
	}
}

func newTestProviderService() (*ProviderService, *fakeProviderStore, *fakeGovernanceStore, *fakeEvents) {
	store := newFakeProviderStore()
	flags := newFakeGovernanceStore()
	events := &fakeEvents{}
	svc := NewProviderService(store, flags, events, testPolicy(), zerolog.Nop())
	return svc, store, flags, events
}

func activeProvider(t *testing.T, svc *ProviderService, phone string) *repository.Provider {
	t.Helper()
	app := &repository.Application{
		ID:          "app-" + phone,
		CompanyName: "Test Co " + phone,
		Phone:       phone,
		Services:    []string{"plumbing"},
		Areas:       []string{"doha"},
		Status:      repository.ApplicationApproved,
	}
	p, err := svc.CreateFromApplication(context.Background(), app, "company", []string{"grp-1"})
	require.NoError(t, err)
	return p
}

func TestCreateFromApplication(t *testing.T) {
	svc, _, _, events := newTestProviderService()

	p := activeProvider(t, svc, "97433123456")
	require.Equal(t, repository.ProviderActive, p.Status)
	require.Equal(t, "company", p.EntityType)
	require.Len(t, events.bySubject(client.SubjectProviderCreated), 1)
}

func TestCreateFromApplicationDuplicatePhone(t *testing.T) {
	svc, _, _, _ := newTestProviderService()
	activeProvider(t, svc, "97433123456")

	app := &repository.Application{
		ID:          "app-2",
		CompanyName: "Other Co",
		Phone:       "97433123456",
		Services:    []string{"plumbing"},
		Areas:       []string{"doha"},
		Status:      repository.ApplicationApproved,
	}
	_, err := svc.CreateFromApplication(context.Background(), app, "company", nil)
	require.Error(t, err)
	require.True(t, apperr.IsCode(err, apperr.CodeConflict))
}

func TestCreateFromApplicationReusesRemovedPhone(t *testing.T) {
	svc, _, _, _ := newTestProviderService()
	p := activeProvider(t, svc, "97433123456")

	require.NoError(t, svc.SetStatus(context.Background(), p.ID, repository.ProviderRemoved, "quit"))

	app := &repository.Application{
		ID:          "app-2",
		CompanyName: "Successor Co",
		Phone:       "97433123456",
		Services:    []string{"plumbing"},
		Areas:       []string{"doha"},
		Status:      repository.ApplicationApproved,
	}
	_, err := svc.CreateFromApplication(context.Background(), app, "company", nil)
	require.NoError(t, err)
}

func TestSetStatusTransitions(t *testing.T) {
	svc, _, _, _ := newTestProviderService()
	ctx := context.Background()
	p := activeProvider(t, svc, "97433123456")

	require.NoError(t, svc.SetStatus(ctx, p.ID, repository.ProviderObserved, "flags"))
	require.NoError(t, svc.SetStatus(ctx, p.ID, repository.ProviderPaused, "pricing"))
	require.NoError(t, svc.SetStatus(ctx, p.ID, repository.ProviderActive, "resolved"))
	require.NoError(t, svc.SetStatus(ctx, p.ID, repository.ProviderRemoved, "quit"))

	// Removed is terminal.
	err := svc.SetStatus(ctx, p.ID, repository.ProviderActive, "comeback")
	require.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))
}

func TestRecordFlagAutoObserve(t *testing.T) {
	svc, _, _, events := newTestProviderService()
	ctx := context.Background()
	p := activeProvider(t, svc, "97433123456")

	count, status, err := svc.RecordFlag(ctx, p.ID, "no_show", repository.SeverityMedium)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, repository.ProviderActive, status)

	count, status, err = svc.RecordFlag(ctx, p.ID, "rude", repository.SeverityLow)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, repository.ProviderActive, status)

	// Third flag crosses the threshold in the same call.
	count, status, err = svc.RecordFlag(ctx, p.ID, "no_show", repository.SeverityHigh)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, repository.ProviderObserved, status)

	// A fourth flag does not disturb the observed state.
	_, status, err = svc.RecordFlag(ctx, p.ID, "late", repository.SeverityLow)
	require.NoError(t, err)
	require.Equal(t, repository.ProviderObserved, status)

	require.Len(t, events.bySubject(client.SubjectFlagRecorded), 4)
}

func TestResolveFlagClosesActiveFlag(t *testing.T) {
	svc, _, flags, _ := newTestProviderService()
	ctx := context.Background()
	p := activeProvider(t, svc, "97433123456")

	_, _, err := svc.RecordFlag(ctx, p.ID, "no_show", repository.SeverityMedium)
	require.NoError(t, err)
	_, _, err = svc.RecordFlag(ctx, p.ID, "rude", repository.SeverityLow)
	require.NoError(t, err)

	listed, err := svc.ListFlags(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	require.NoError(t, svc.ResolveFlag(ctx, p.ID, listed[0].ID))

	listed, err = svc.ListFlags(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, repository.FlagResolved, listed[0].Status)
	require.NotNil(t, listed[0].ResolvedAt)
	require.Equal(t, repository.FlagActive, listed[1].Status)

	// The active total the governance thresholds read drops with it.
	active, err := flags.CountActive(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, active)

	err = svc.ResolveFlag(ctx, p.ID, "no-such-flag")
	require.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestRecordFlagKeepsPausedProvider(t *testing.T) {
	svc, _, _, _ := newTestProviderService()
	ctx := context.Background()
	p := activeProvider(t, svc, "97433123456")
	require.NoError(t, svc.SetStatus(ctx, p.ID, repository.ProviderPaused, "pricing"))

	for i := 0; i < 4; i++ {
		_, status, err := svc.RecordFlag(ctx, p.ID, "no_show", repository.SeverityMedium)
		require.NoError(t, err)
		require.Equal(t, repository.ProviderPaused, status)
	}
}

func TestGetEligibleFiltersStatusServiceArea(t *testing.T) {
	svc, store, _, _ := newTestProviderService()
	ctx := context.Background()

	match := activeProvider(t, svc, "97433123456")
	paused := activeProvider(t, svc, "97433123457")
	require.NoError(t, svc.SetStatus(ctx, paused.ID, repository.ProviderPaused, "pricing"))

	other := &repository.Provider{
		CompanyName: "Elsewhere Co",
		Phone:       "97433123458",
		Status:      repository.ProviderActive,
		Services:    []string{"plumbing"},
		Areas:       []string{"al wakrah"},
	}
	require.NoError(t, store.Create(ctx, other))

	eligible, err := svc.GetEligible(ctx, "plumbing", "doha")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, match.ID, eligible[0].ID)
}

func TestRecordReplyOutcome(t *testing.T) {
	svc, _, _, _ := newTestProviderService()
	ctx := context.Background()
	p := activeProvider(t, svc, "97433123456")

	rate, err := svc.RecordReplyOutcome(ctx, p.ID, true)
	require.NoError(t, err)
	require.InDelta(t, 1.0, rate, 0.001)

	rate, err = svc.RecordReplyOutcome(ctx, p.ID, false)
	require.NoError(t, err)
	require.InDelta(t, 0.5, rate, 0.001)
}
