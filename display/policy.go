package display

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/cache"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	policyVersionPrefix = "policy:ver:"
	policyCacheTTL      = 10 * time.Minute
)

func policyVersionKey(tenantID string) string { return policyVersionPrefix + tenantID }

// DefaultPolicy is the safe fallback used when a tenant has no policy
// configured. Missing configuration is logged, never fatal.
func DefaultPolicy(tenantID string) *storage.DisplayPolicy {
	return &storage.DisplayPolicy{
		TenantID:                 tenantID,
		Version:                  0,
		ReservedSoonThresholdSec: 900,
		SensorUnknownTimeoutSec:  3600,
		DebounceWindowSec:        30,
		Colors: map[string]string{
			StateOutOfService: "off",
			StateBlocked:      "red",
			StateReserved:     "blue",
			StateReservedSoon: "blue",
			StateOccupied:     "red",
			StateFree:         "green",
		},
		Blink: map[string]bool{
			StateReservedSoon: true,
		},
		AllowSensorOverride: true,
	}
}

// cachedPolicy pairs a policy with the KV version counter it was loaded
// under. The entry is valid only while the counter is unchanged.
type cachedPolicy struct {
	policy  *storage.DisplayPolicy
	version int64
}

// PolicyCache serves per-tenant display policies with version gating: an
// administrative edit from any instance bumps `policy:ver:{tenant}` in
// the KV, which invalidates every cached copy without a synchronous
// invalidation call.
type PolicyCache struct {
	store  storage.Store
	kv     kv.Store
	cache  cache.Cache[cachedPolicy]
	logger *slog.Logger
}

// NewPolicyCache builds a policy cache backed by the given stores.
func NewPolicyCache(ctx context.Context, store storage.Store, kvStore kv.Store, logger *slog.Logger) (*PolicyCache, error) {
	c, err := cache.NewTTL[cachedPolicy](ctx, policyCacheTTL, time.Minute)
	if err != nil {
		return nil, errors.Wrap(err, "display", "NewPolicyCache", "cache creation")
	}
	return &PolicyCache{
		store:  store,
		kv:     kvStore,
		cache:  c,
		logger: logger.With("component", "policy_cache"),
	}, nil
}

// Get returns the tenant's policy, serving the cached copy only while
// its version matches the KV counter. A tenant with no stored policy
// gets the default policy.
func (pc *PolicyCache) Get(ctx context.Context, tenantID string) (*storage.DisplayPolicy, error) {
	version, err := pc.currentVersion(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if entry, ok := pc.cache.Get(tenantID); ok && entry.version == version {
		return entry.policy, nil
	}

	policy, err := pc.store.GetPolicy(ctx, tenantID)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrPolicyNotFound):
		pc.logger.Warn("no display policy configured, using default", "tenant_id", tenantID)
		policy = DefaultPolicy(tenantID)
	default:
		return nil, errors.WrapTransient(err, "display", "PolicyCache.Get", "policy load")
	}

	if _, err := pc.cache.Set(tenantID, cachedPolicy{policy: policy, version: version}); err != nil {
		pc.logger.Warn("policy cache set failed", "tenant_id", tenantID, "error", err)
	}
	return policy, nil
}

// BumpVersion invalidates every instance's cached policy for the tenant.
// Call after saving a policy edit.
func (pc *PolicyCache) BumpVersion(ctx context.Context, tenantID string) (int64, error) {
	v, err := pc.kv.IncrBy(ctx, policyVersionKey(tenantID), 1)
	if err != nil {
		return 0, errors.WrapTransient(err, "display", "PolicyCache.BumpVersion", "version increment")
	}
	return v, nil
}

// Close releases the cache's background resources.
func (pc *PolicyCache) Close() error {
	return pc.cache.Close()
}

func (pc *PolicyCache) currentVersion(ctx context.Context, tenantID string) (int64, error) {
	raw, err := pc.kv.Get(ctx, policyVersionKey(tenantID))
	if err != nil {
		if stderrors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "display", "PolicyCache.currentVersion", "version read")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.WrapInvalid(fmt.Errorf("bad version counter %q: %w", raw, err),
			"display", "PolicyCache.currentVersion", "version parse")
	}
	return v, nil
}
