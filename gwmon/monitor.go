// Package gwmon watches the gateway registry and classifies each
// gateway as online or offline by the age of its last heartbeat. The
// summary is cached briefly so callers can poll as often as they like
// without hammering the registry.
package gwmon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/cache"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	defaultOfflineThreshold = 5 * time.Minute
	defaultCacheTTL         = 30 * time.Second
	defaultPollInterval     = time.Minute

	summaryCacheKey = "gateway-health"
)

// OfflineGateway describes one gateway past the offline threshold.
type OfflineGateway struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	TenantID       string  `json:"tenant_id"`
	MinutesOffline float64 `json:"minutes_offline"`
}

// HealthSummary is a point-in-time snapshot of gateway connectivity.
type HealthSummary struct {
	Total       int              `json:"total"`
	Online      int              `json:"online"`
	Offline     int              `json:"offline"`
	OfflineList []OfflineGateway `json:"offline_gateways,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// GatewayRegistry is the slice of the storage layer the monitor reads.
type GatewayRegistry interface {
	ListGateways(ctx context.Context) ([]*storage.Gateway, error)
}

// Monitor classifies gateways and reports connectivity health.
type Monitor struct {
	registry  GatewayRegistry
	threshold time.Duration
	interval  time.Duration
	cacheTTL  time.Duration
	cache     cache.Cache[*HealthSummary]
	metrics   *metric.Metrics
	healthMon *health.Monitor
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithOfflineThreshold overrides the heartbeat age past which a gateway
// counts as offline.
func WithOfflineThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.threshold = d }
}

// WithPollInterval overrides how often Run refreshes the summary.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithMetrics exports online/offline gauges.
func WithMetrics(mx *metric.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// WithHealthMonitor feeds the gateway status into the shared health monitor.
func WithHealthMonitor(hm *health.Monitor) Option {
	return func(m *Monitor) { m.healthMon = hm }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithCacheTTL overrides how long a computed summary is served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Monitor) { m.cacheTTL = ttl }
}

// New creates a gateway monitor reading from registry.
func New(registry GatewayRegistry, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "gwmon", "new", "gateway registry is required")
	}

	m := &Monitor{
		registry:  registry,
		threshold: defaultOfflineThreshold,
		interval:  defaultPollInterval,
		cacheTTL:  defaultCacheTTL,
		logger:    logger.With("component", "gwmon"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	summaryCache, err := cache.NewTTL[*HealthSummary](context.Background(), m.cacheTTL, m.cacheTTL)
	if err != nil {
		return nil, err
	}
	m.cache = summaryCache
	return m, nil
}

// Summary returns the current gateway health, served from a short-lived
// cache.
func (m *Monitor) Summary(ctx context.Context) (*HealthSummary, error) {
	if cached, ok := m.cache.Get(summaryCacheKey); ok {
		return cached, nil
	}
	return m.Refresh(ctx)
}

// Refresh recomputes the summary from the registry, bypassing the cache.
func (m *Monitor) Refresh(ctx context.Context) (*HealthSummary, error) {
	gateways, err := m.registry.ListGateways(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "gwmon", "refresh", "listing gateways failed")
	}

	now := m.now()
	summary := &HealthSummary{
		Total:       len(gateways),
		GeneratedAt: now,
	}
	for _, gw := range gateways {
		age := now.Sub(gw.LastSeen)
		if age < m.threshold {
			summary.Online++
			continue
		}
		summary.Offline++
		summary.OfflineList = append(summary.OfflineList, OfflineGateway{
			ID:             gw.ID,
			Name:           gw.Name,
			TenantID:       gw.TenantID,
			MinutesOffline: age.Minutes(),
		})
	}
	sort.Slice(summary.OfflineList, func(i, j int) bool {
		return summary.OfflineList[i].MinutesOffline > summary.OfflineList[j].MinutesOffline
	})

	if _, err := m.cache.Set(summaryCacheKey, summary); err != nil {
		m.logger.Warn("summary cache set failed", "error", err)
	}
	m.export(summary)
	return summary, nil
}

// Run refreshes gateway health on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.ErrorContext(ctx, "gateway health refresh failed", "error", err)
				if m.healthMon != nil {
					m.healthMon.UpdateDegraded("gateways", "registry unreachable")
				}
			}
		}
	}
}

// Close releases the summary cache.
func (m *Monitor) Close() error {
	return m.cache.Close()
}

func (m *Monitor) export(summary *HealthSummary) {
	if m.metrics != nil {
		m.metrics.GatewaysOnline.Set(float64(summary.Online))
		m.metrics.GatewaysOffline.Set(float64(summary.Offline))
	}
	if m.healthMon == nil {
		return
	}
	switch {
	case summary.Total == 0:
		m.healthMon.UpdateDegraded("gateways", "no gateways registered")
	case summary.Offline == 0:
		m.healthMon.UpdateHealthy("gateways",
			fmt.Sprintf("%d gateways online", summary.Online))
	case summary.Online == 0:
		m.healthMon.UpdateUnhealthy("gateways", "all gateways offline")
	default:
		m.healthMon.UpdateDegraded("gateways",
			fmt.Sprintf("%d of %d gateways offline", summary.Offline, summary.Total))
	}
}
