package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.Equal(t, 120*time.Second, cfg.Ingest.SyncTimeout)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "memory", cfg.Vector.Backend)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("MAX_QUERY_COST", "42")
	t.Setenv("DEGREE_CAP", "99")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("AUTH_REQUIRE_TOKENS", "true")
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("INGEST_SYNC_TIMEOUT_SECONDS", "30")
	t.Setenv("NEO4J_READ_REPLICA_URIS", "bolt://r1:7687, bolt://r2:7687")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, 42, cfg.Query.MaxQueryCost)
	assert.Equal(t, 99, cfg.Query.DegreeCap)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Auth.RequireTokens)
	assert.Equal(t, 30*time.Second, cfg.Ingest.SyncTimeout)
	assert.Equal(t, []string{"bolt://r1:7687", "bolt://r2:7687"}, cfg.Neo4j.ReadReplicaURIs)
}

func TestBatchSizeClamp(t *testing.T) {
	t.Run("BelowMinimum", func(t *testing.T) {
		t.Setenv("SINK_BATCH_SIZE", "10")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 100, cfg.Ingest.BatchSize)
	})

	t.Run("AboveMaximum", func(t *testing.T) {
		t.Setenv("SINK_BATCH_SIZE", "100000")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Ingest.BatchSize)
	})
}

func TestProductionFailClosed(t *testing.T) {
	t.Setenv("DEPLOYMENT_MODE", "production")
	t.Setenv("AUTH_REQUIRE_TOKENS", "true")
	t.Setenv("AUTH_TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_TOKEN_SECRET")
}
