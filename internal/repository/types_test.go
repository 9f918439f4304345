package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProviderTransitions(t *testing.T) {
	allowed := []struct{ from, to ProviderStatus }{
		{ProviderActive, ProviderObserved},
		{ProviderActive, ProviderPaused},
		{ProviderActive, ProviderRemoved},
		{ProviderObserved, ProviderActive},
		{ProviderObserved, ProviderPaused},
		{ProviderObserved, ProviderRemoved},
		{ProviderPaused, ProviderActive},
		{ProviderPaused, ProviderRemoved},
	}
	for _, tt := range allowed {
		require.True(t, CanTransitionProvider(tt.from, tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	// Escalation only moves down; a paused provider comes back through the
	// explicit reactivation to active, never sideways into observed.
	require.False(t, CanTransitionProvider(ProviderPaused, ProviderObserved))

	// Removed is terminal.
	for _, to := range []ProviderStatus{ProviderActive, ProviderObserved, ProviderPaused} {
		require.False(t, CanTransitionProvider(ProviderRemoved, to), "removed -> %s should be blocked", to)
	}
}

func TestApplicationTransitions(t *testing.T) {
	require.True(t, CanTransitionApplication(ApplicationPending, ApplicationApproved))
	require.True(t, CanTransitionApplication(ApplicationPending, ApplicationRejected))
	require.True(t, CanTransitionApplication(ApplicationPending, ApplicationMoreInfo))
	require.True(t, CanTransitionApplication(ApplicationPending, ApplicationConditional))
	require.True(t, CanTransitionApplication(ApplicationMoreInfo, ApplicationPending))
	require.True(t, CanTransitionApplication(ApplicationConditional, ApplicationApproved))
	require.True(t, CanTransitionApplication(ApplicationConditional, ApplicationRejected))

	// Terminal states accept nothing, including re-approval.
	for _, from := range []ApplicationStatus{ApplicationApproved, ApplicationRejected} {
		for _, to := range []ApplicationStatus{ApplicationPending, ApplicationMoreInfo, ApplicationConditional, ApplicationApproved, ApplicationRejected} {
			require.False(t, CanTransitionApplication(from, to), "%s -> %s should be blocked", from, to)
		}
	}

	// More-info cannot jump straight to approval.
	require.False(t, CanTransitionApplication(ApplicationMoreInfo, ApplicationApproved))
}

func TestIsTerminalApplication(t *testing.T) {
	require.True(t, IsTerminalApplication(ApplicationApproved))
	require.True(t, IsTerminalApplication(ApplicationRejected))
	require.False(t, IsTerminalApplication(ApplicationPending))
	require.False(t, IsTerminalApplication(ApplicationConditional))
}

func TestFeedbackOverdue(t *testing.T) {
	now := time.Now()
	f := &Feedback{Status: FeedbackPending, RequestedAt: now.Add(-48 * time.Hour)}
	require.True(t, f.Overdue(now, 24*time.Hour))
	require.False(t, f.Overdue(now, 72*time.Hour))

	done := &Feedback{Status: FeedbackCompleted, RequestedAt: now.Add(-48 * time.Hour)}
	require.False(t, done.Overdue(now, 24*time.Hour))
}
