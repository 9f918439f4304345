package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/config"
)

// MetricsReader is the read-only dashboard surface.
// Implemented by repository.MetricsRepository.
type MetricsReader interface {
	CountStalledRequests(ctx context.Context, cutoff time.Time) (int, error)
	CountSilentBroadcasts(ctx context.Context, cutoff time.Time) (int, error)
	StatusHistogram(ctx context.Context, entity string) (map[string]int, error)
	CountOpenAdvisories(ctx context.Context) (int, error)
	AuditReady(ctx context.Context) (bool, error)
}

// Dashboard is the operational snapshot served to operators.
type Dashboard struct {
	StalledRequests  int            `json:"stalled_requests"`
	SilentBroadcasts int            `json:"silent_broadcasts"`
	Requests         map[string]int `json:"requests"`
	Broadcasts       map[string]int `json:"broadcasts"`
	Providers        map[string]int `json:"providers"`
	Applications     map[string]int `json:"applications"`
	OpenAdvisories   int            `json:"open_advisories"`
	AuditReady       bool           `json:"audit_ready"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// MetricsService assembles the dashboard from store counts.
type MetricsService struct {
	reader MetricsReader
	policy config.PolicyConfig
	clock  clockwork.Clock
	log    zerolog.Logger
}

// NewMetricsService creates a new metrics service.
func NewMetricsService(reader MetricsReader, policy config.PolicyConfig, clock clockwork.Clock, log zerolog.Logger) *MetricsService {
	return &MetricsService{reader: reader, policy: policy, clock: clock, log: log}
}

// Dashboard builds the current operational snapshot.
func (s *MetricsService) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.clock.Now()

	stalled, err := s.reader.CountStalledRequests(ctx, now.Add(-s.policy.StalledRequestAge))
	if err != nil {
		return nil, err
	}
	silent, err := s.reader.CountSilentBroadcasts(ctx, now.Add(-s.policy.SilentBroadcastAge))
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		StalledRequests:  stalled,
		SilentBroadcasts: silent,
		GeneratedAt:      now,
	}
	for entity, dst := range map[string]*map[string]int{
		"requests":     &d.Requests,
		"broadcasts":   &d.Broadcasts,
		"providers":    &d.Providers,
		"applications": &d.Applications,
	} {
		hist, err := s.reader.StatusHistogram(ctx, entity)
		if err != nil {
			return nil, err
		}
		*dst = hist
	}

	if d.OpenAdvisories, err = s.reader.CountOpenAdvisories(ctx); err != nil {
		return nil, err
	}
	if d.AuditReady, err = s.reader.AuditReady(ctx); err != nil {
		return nil, err
	}
	return d, nil
}
