package graph

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/tenant"
)

// ClientConfig is the connection configuration for the graph store.
type ClientConfig struct {
	URI                          string
	Username                     string
	Password                     string
	ReadReplicaURIs              []string
	MaxConnectionPoolSize        int
	ConnectionAcquisitionTimeout time.Duration
	MaxTransactionRetryTime      time.Duration
}

// ReplicaPool round-robins read traffic across replica drivers and falls
// back to the primary when none are configured. Writes always go to the
// primary.
type ReplicaPool struct {
	primary  neo4j.DriverWithContext
	replicas []neo4j.DriverWithContext
	next     atomic.Uint64
}

// NewReplicaPool builds a pool over an already-connected primary.
func NewReplicaPool(primary neo4j.DriverWithContext, replicas []neo4j.DriverWithContext) *ReplicaPool {
	return &ReplicaPool{primary: primary, replicas: replicas}
}

// Reader returns the next driver for a read.
func (p *ReplicaPool) Reader() neo4j.DriverWithContext {
	if len(p.replicas) == 0 {
		return p.primary
	}
	n := p.next.Add(1)
	return p.replicas[int(n-1)%len(p.replicas)]
}

// Writer returns the primary driver.
func (p *ReplicaPool) Writer() neo4j.DriverWithContext { return p.primary }

// Close closes every driver in the pool.
func (p *ReplicaPool) Close(ctx context.Context) {
	p.primary.Close(ctx)
	for _, r := range p.replicas {
		r.Close(ctx)
	}
}

// Client is the tenant-aware graph store client. Every call resolves the
// tenant's route for database selection and holds a connection-quota slot
// for the duration of the session.
type Client struct {
	pool     *ReplicaPool
	registry *tenant.Registry
	quota    tenant.Quota
	logger   *zap.Logger
}

// NewClient connects the primary and any read replicas.
func NewClient(cfg ClientConfig, registry *tenant.Registry, quota tenant.Quota, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connect := func(uri string) (neo4j.DriverWithContext, error) {
		return neo4j.NewDriverWithContext(uri,
			neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
			func(c *config.Config) {
				if cfg.MaxConnectionPoolSize > 0 {
					c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
				}
				if cfg.ConnectionAcquisitionTimeout > 0 {
					c.ConnectionAcquisitionTimeout = cfg.ConnectionAcquisitionTimeout
				}
				if cfg.MaxTransactionRetryTime > 0 {
					c.MaxTransactionRetryTime = cfg.MaxTransactionRetryTime
				}
			})
	}

	primary, err := connect(cfg.URI)
	if err != nil {
		return nil, errors.Store("DRIVER_INIT", "failed to create graph driver").
			WithCause(err).Build()
	}
	var replicas []neo4j.DriverWithContext
	for _, uri := range cfg.ReadReplicaURIs {
		r, err := connect(uri)
		if err != nil {
			logger.Warn("skipping unreachable read replica", zap.String("uri", uri), zap.Error(err))
			continue
		}
		replicas = append(replicas, r)
	}

	return &Client{
		pool:     NewReplicaPool(primary, replicas),
		registry: registry,
		quota:    quota,
		logger:   logger,
	}, nil
}

// ExecuteRead runs a read query on a replica, routed to the tenant's
// database.
func (c *Client) ExecuteRead(ctx context.Context, tenantID, cypher string, params map[string]any) ([]ResultRow, error) {
	return c.execute(ctx, tenantID, cypher, params, neo4j.AccessModeRead, c.pool.Reader())
}

// ExecuteWrite runs a write query on the primary.
func (c *Client) ExecuteWrite(ctx context.Context, tenantID, cypher string, params map[string]any) ([]ResultRow, error) {
	return c.execute(ctx, tenantID, cypher, params, neo4j.AccessModeWrite, c.pool.Writer())
}

func (c *Client) execute(ctx context.Context, tenantID, cypher string, params map[string]any, mode neo4j.AccessMode, driver neo4j.DriverWithContext) ([]ResultRow, error) {
	route, err := c.registry.Resolve(tenantID)
	if err != nil {
		return nil, err
	}
	if c.quota != nil {
		if err := c.quota.Acquire(ctx, tenantID); err != nil {
			return nil, err
		}
		// The slot must come back even when the request context died.
		defer func() {
			if err := c.quota.Release(context.WithoutCancel(ctx), tenantID); err != nil {
				c.logger.Warn("connection quota release failed",
					zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}()
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: route.Database,
		AccessMode:   mode,
	})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rows []ResultRow
		for result.Next(ctx) {
			rows = append(rows, ResultRow(result.Record().AsMap()))
		}
		return rows, result.Err()
	}

	var raw any
	if mode == neo4j.AccessModeRead {
		raw, err = session.ExecuteRead(ctx, work)
	} else {
		raw, err = session.ExecuteWrite(ctx, work)
	}
	if err != nil {
		return nil, errors.Store("QUERY_FAILED", "graph query failed").
			WithTenant(tenantID).WithCause(err).Build()
	}
	rows, _ := raw.([]ResultRow)
	return rows, nil
}

// VerifyConnectivity pings the primary.
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	if err := c.pool.Writer().VerifyConnectivity(ctx); err != nil {
		return errors.Store("UNREACHABLE", "graph store is unreachable").WithCause(err).Build()
	}
	return nil
}

// Close releases every driver.
func (c *Client) Close(ctx context.Context) {
	c.pool.Close(ctx)
}
