package downlink

import (
	"context"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
)

// Default per-minute send limits.
const (
	DefaultGatewayLimitPerMin = 30
	DefaultTenantLimitPerMin  = 100
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter enforces per-gateway and per-tenant token buckets in the
// shared KV store, so all worker instances draw from the same budget.
// Buckets refill at limit/60 tokens per second with burst = limit.
type RateLimiter struct {
	store        kv.Store
	gatewayLimit int
	tenantLimit  int
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithGatewayLimit overrides the per-gateway per-minute limit.
func WithGatewayLimit(perMin int) LimiterOption {
	return func(rl *RateLimiter) {
		if perMin > 0 {
			rl.gatewayLimit = perMin
		}
	}
}

// WithTenantLimit overrides the per-tenant per-minute limit.
func WithTenantLimit(perMin int) LimiterOption {
	return func(rl *RateLimiter) {
		if perMin > 0 {
			rl.tenantLimit = perMin
		}
	}
}

// NewRateLimiter creates a limiter over the shared KV store.
func NewRateLimiter(store kv.Store, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		store:        store,
		gatewayLimit: DefaultGatewayLimitPerMin,
		tenantLimit:  DefaultTenantLimitPerMin,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// CheckGateway takes one token from the gateway's bucket.
func (rl *RateLimiter) CheckGateway(ctx context.Context, gatewayID string) (Decision, error) {
	return rl.check(ctx, gatewayLimitKey+gatewayID, rl.gatewayLimit)
}

// CheckTenant takes one token from the tenant's bucket.
func (rl *RateLimiter) CheckTenant(ctx context.Context, tenantID string) (Decision, error) {
	return rl.check(ctx, tenantLimitKey+tenantID, rl.tenantLimit)
}

func (rl *RateLimiter) check(ctx context.Context, key string, limitPerMin int) (Decision, error) {
	rate := float64(limitPerMin) / 60.0
	allowed, retryAfter, err := rl.store.TakeToken(ctx, key, rate, float64(limitPerMin), limitTTL)
	if err != nil {
		return Decision{}, errors.WrapTransient(err, "RateLimiter", "check", "take token")
	}
	if allowed {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(retryAfter * float64(time.Second))}, nil
}
