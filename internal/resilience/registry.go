package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"lattice-backend/internal/errors"
)

// BreakerRegistry holds one breaker per tenant, all sharing a single state
// store, so one tenant's failing traffic cannot trip another tenant's
// circuit.
type BreakerRegistry struct {
	mu       sync.Mutex
	prefix   string
	cfg      BreakerConfig
	store    StateStore
	logger   *zap.Logger
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry. prefix namespaces circuit names in
// the shared store (for example "llm" yields "llm:tenant:<id>").
func NewBreakerRegistry(prefix string, cfg BreakerConfig, store StateStore, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		prefix:   prefix,
		cfg:      cfg,
		store:    store,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the tenant's breaker, creating it on first use.
func (r *BreakerRegistry) For(tenantID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[tenantID]; ok {
		return b
	}
	b := NewBreaker(r.prefix+":tenant:"+tenantID, r.cfg, r.store, r.logger)
	r.breakers[tenantID] = b
	return b
}

// GlobalBreaker composes a provider-wide circuit over the per-tenant
// registry: a provider outage trips the global circuit regardless of which
// tenants observed the failures.
type GlobalBreaker struct {
	global  *Breaker
	tenants *BreakerRegistry
}

// NewGlobalBreaker creates the composition. The global circuit shares the
// registry's store under "<prefix>:global".
func NewGlobalBreaker(prefix string, cfg BreakerConfig, store StateStore, logger *zap.Logger) *GlobalBreaker {
	return &GlobalBreaker{
		global:  NewBreaker(prefix+":global", cfg, store, logger),
		tenants: NewBreakerRegistry(prefix, cfg, store, logger),
	}
}

// Execute runs fn under both the tenant's circuit and the global circuit.
// A tenant-level circuit rejection is returned to the caller but is not a
// provider failure, so one noisy tenant cannot trip the global circuit.
func (g *GlobalBreaker) Execute(ctx context.Context, tenantID string, fn func() error) error {
	var tenantRejection error
	err := g.global.Execute(ctx, func() error {
		inner := g.tenants.For(tenantID).Execute(ctx, fn)
		if errors.IsCircuitOpen(inner) {
			tenantRejection = inner
			return nil
		}
		return inner
	})
	if err != nil {
		return err
	}
	return tenantRejection
}

// GlobalState returns the provider-wide circuit state.
func (g *GlobalBreaker) GlobalState() State { return g.global.State() }

// TenantState returns one tenant's circuit state.
func (g *GlobalBreaker) TenantState(tenantID string) State {
	return g.tenants.For(tenantID).State()
}
