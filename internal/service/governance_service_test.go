package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/repository"
)

func TestEvaluateConduct(t *testing.T) {
	require.Nil(t, EvaluateConduct("p1", 2, 3, repository.ProviderActive))

	d := EvaluateConduct("p1", 3, 3, repository.ProviderActive)
	require.NotNil(t, d)
	require.Equal(t, DirectiveObserve, d.Kind)

	require.NotNil(t, EvaluateConduct("p1", 4, 3, repository.ProviderActive))

	// Already escalated providers are left alone.
	require.Nil(t, EvaluateConduct("p1", 5, 3, repository.ProviderObserved))
	require.Nil(t, EvaluateConduct("p1", 5, 3, repository.ProviderPaused))
	require.Nil(t, EvaluateConduct("p1", 5, 3, repository.ProviderRemoved))
}

func TestEvaluatePricingDisputes(t *testing.T) {
	require.Nil(t, EvaluatePricingDisputes("p1", 1, 2))

	d := EvaluatePricingDisputes("p1", 2, 2)
	require.NotNil(t, d)
	require.Equal(t, DirectivePauseRecommend, d.Kind)
}

func TestEvaluateResponseHealth(t *testing.T) {
	// No history yet, no judgment.
	require.Nil(t, EvaluateResponseHealth("p1", 0, 0, 0.5))

	require.Nil(t, EvaluateResponseHealth("p1", 4, 0.5, 0.5))

	d := EvaluateResponseHealth("p1", 4, 0.25, 0.5)
	require.NotNil(t, d)
	require.Equal(t, DirectiveResponseRisk, d.Kind)
}

type governanceFixture struct {
	svc       *GovernanceService
	providers *ProviderService
	provStore *fakeProviderStore
	store     *fakeGovernanceStore
}

func newGovernanceFixture() *governanceFixture {
	provStore := newFakeProviderStore()
	store := newFakeGovernanceStore()
	providers := NewProviderService(provStore, store, &fakeEvents{}, testPolicy(), zerolog.Nop())
	svc := NewGovernanceService(providers, store, testPolicy(), zerolog.Nop())
	return &governanceFixture{svc: svc, providers: providers, provStore: provStore, store: store}
}

func (fx *governanceFixture) addProvider(t *testing.T, phone string) *repository.Provider {
	t.Helper()
	p := &repository.Provider{
		CompanyName: "Provider " + phone,
		Phone:       phone,
		Status:      repository.ProviderActive,
		Services:    []string{"plumbing"},
		Areas:       []string{"doha"},
	}
	require.NoError(t, fx.provStore.Create(context.Background(), p))
	return p
}

func (fx *governanceFixture) addFlags(t *testing.T, providerID, reason string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := fx.store.InsertFlag(context.Background(), &repository.Flag{
			ProviderID: providerID,
			Reason:     reason,
			Severity:   repository.SeverityMedium,
			Status:     repository.FlagActive,
		})
		require.NoError(t, err)
	}
}

func TestConductThresholdObservesProvider(t *testing.T) {
	fx := newGovernanceFixture()
	ctx := context.Background()
	p := fx.addProvider(t, "97433123456")
	fx.addFlags(t, p.ID, "no_show", 3)

	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})

	got, err := fx.providers.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ProviderObserved, got.Status)

	// Re-delivery of the event is harmless.
	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})
	got, err = fx.providers.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ProviderObserved, got.Status)
}

func TestConductBelowThresholdDoesNothing(t *testing.T) {
	fx := newGovernanceFixture()
	p := fx.addProvider(t, "97433123456")
	fx.addFlags(t, p.ID, "no_show", 2)

	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})

	got, err := fx.providers.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ProviderActive, got.Status)
}

func TestPricingDisputesRecommendPauseOnce(t *testing.T) {
	fx := newGovernanceFixture()
	ctx := context.Background()
	p := fx.addProvider(t, "97433123456")
	fx.addFlags(t, p.ID, repository.FlagReasonPricingDispute, 2)

	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})
	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})

	open, err := fx.svc.ListOpenAdvisories(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, repository.AdvisoryRecommendPause, open[0].Kind)

	// The pause itself never happens automatically.
	got, err := fx.providers.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotEqual(t, repository.ProviderPaused, got.Status)
}

func TestNegativeFeedbackBecomesConductFlag(t *testing.T) {
	fx := newGovernanceFixture()
	ctx := context.Background()
	p := fx.addProvider(t, "97433123456")

	fx.svc.onFeedbackCompleted(client.Event{
		Type:       "feedback_completed",
		ProviderID: p.ID,
		Payload:    map[string]any{"rating": float64(2)},
	})

	flags, err := fx.providers.ListFlags(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, "negative_feedback", flags[0].Reason)

	// A good rating leaves no trace.
	fx.svc.onFeedbackCompleted(client.Event{
		Type:       "feedback_completed",
		ProviderID: p.ID,
		Payload:    map[string]any{"rating": float64(5)},
	})
	flags, err = fx.providers.ListFlags(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, flags, 1)
}

func TestBroadcastExpiryFlagsResponseRisk(t *testing.T) {
	fx := newGovernanceFixture()
	ctx := context.Background()
	risky := fx.addProvider(t, "97433123456")
	fresh := fx.addProvider(t, "97433123457")

	// Three misses in a row puts the rate at zero.
	for i := 0; i < 3; i++ {
		_, err := fx.providers.RecordReplyOutcome(ctx, risky.ID, false)
		require.NoError(t, err)
	}

	fx.svc.onBroadcastExpired(client.Event{
		Type:    "broadcast_expired",
		Payload: map[string]any{"candidates": []any{risky.ID, fresh.ID}},
	})

	open, err := fx.svc.ListOpenAdvisories(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, repository.AdvisoryResponseRisk, open[0].Kind)
	require.Equal(t, risky.ID, open[0].ProviderID)
}

func TestAcknowledgeAdvisory(t *testing.T) {
	fx := newGovernanceFixture()
	ctx := context.Background()
	p := fx.addProvider(t, "97433123456")
	fx.addFlags(t, p.ID, repository.FlagReasonPricingDispute, 2)
	fx.svc.onFlagRecorded(client.Event{Type: "flag_recorded", ProviderID: p.ID})

	open, err := fx.svc.ListOpenAdvisories(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, fx.svc.AcknowledgeAdvisory(ctx, open[0].ID, "ops"))
	open, err = fx.svc.ListOpenAdvisories(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}
