package tenant

import (
	"strings"
	"sync"

	"lattice-backend/internal/errors"
)

// IsolationMode selects how a tenant's data is separated in the graph store.
type IsolationMode string

const (
	// IsolationLogical shares the default database; every query carries a
	// tenant_id predicate.
	IsolationLogical IsolationMode = "LOGICAL"
	// IsolationPhysical routes the tenant to its own database.
	IsolationPhysical IsolationMode = "PHYSICAL"
)

// Route is the registry's answer for one tenant.
type Route struct {
	TenantID  string
	Isolation IsolationMode
	Database  string
}

// Registry maps tenants to their isolation mode and target database. It is
// read-mostly: lookups take the read lock, registration copies on write.
type Registry struct {
	mu           sync.RWMutex
	routes       map[string]Route
	defaultDB    string
	allowUnknown bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultDatabase sets the database logical tenants share.
func WithDefaultDatabase(name string) RegistryOption {
	return func(r *Registry) { r.defaultDB = name }
}

// WithAllowUnknown makes lookups of unregistered tenants resolve to a
// logical route on the default database instead of failing. Development
// only; production registries fail closed.
func WithAllowUnknown() RegistryOption {
	return func(r *Registry) { r.allowUnknown = true }
}

// NewRegistry creates a registry with no tenants.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		routes:    make(map[string]Route),
		defaultDB: "neo4j",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tenant route. A physical tenant with no
// database name is rejected.
func (r *Registry) Register(route Route) error {
	route.TenantID = strings.TrimSpace(route.TenantID)
	if route.TenantID == "" {
		return errors.Validation("EMPTY_TENANT", "tenant id is required").Build()
	}
	if route.Isolation == "" {
		route.Isolation = IsolationLogical
	}
	if route.Isolation == IsolationPhysical && route.Database == "" {
		return errors.Registry("NO_DATABASE",
			"physical isolation requires a database name").WithTenant(route.TenantID).Build()
	}
	if route.Database == "" {
		route.Database = r.defaultDB
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]Route, len(r.routes)+1)
	for k, v := range r.routes {
		next[k] = v
	}
	next[route.TenantID] = route
	r.routes = next
	return nil
}

// Resolve looks up the route for a tenant. Unknown tenants fail closed
// unless the registry allows them.
func (r *Registry) Resolve(tenantID string) (Route, error) {
	r.mu.RLock()
	route, ok := r.routes[tenantID]
	allowUnknown, defaultDB := r.allowUnknown, r.defaultDB
	r.mu.RUnlock()

	if ok {
		return route, nil
	}
	if allowUnknown {
		return Route{TenantID: tenantID, Isolation: IsolationLogical, Database: defaultDB}, nil
	}
	return Route{}, errors.UnknownTenant("UNKNOWN_TENANT", "tenant is not registered").
		WithTenant(tenantID).Build()
}

// Tenants returns the registered tenant ids.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	return out
}
