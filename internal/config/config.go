// Package config loads the service configuration from environment variables
// over code defaults. The loading order (lowest to highest priority) is:
//
//  1. Default values (in code)
//  2. Environment variables
//
// Fail-closed rules that depend on deployment mode (production vs dev) are
// enforced by Validate, not by the consumers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DeploymentMode selects dev conveniences versus production fail-closed
// behavior.
type DeploymentMode string

const (
	ModeDev        DeploymentMode = "dev"
	ModeProduction DeploymentMode = "production"
)

// Config is the full configuration bundle passed through the container.
type Config struct {
	Mode   DeploymentMode `validate:"oneof=dev production"`
	Server Server
	Neo4j  Neo4j
	Redis  Redis
	Auth   Auth
	ACL    ACL
	Vector Vector
	Kafka  Kafka
	Query  Query
	Ingest Ingest
	LLM    LLM
	Jobs   Jobs
	Worker Worker
}

// Server holds the HTTP listener settings.
type Server struct {
	Host            string
	Port            int `validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Neo4j holds graph database connection settings.
type Neo4j struct {
	URI                          string `validate:"required"`
	Username                     string
	Password                     string
	Database                     string
	MaxConnectionPoolSize        int           `validate:"gt=0"`
	ConnectionAcquisitionTimeout time.Duration `validate:"gt=0"`
	MaxTransactionRetryTime      time.Duration
	ReadReplicaURIs              []string
}

// Redis holds key-value store settings. An empty URL disables the
// distributed substrate and every coordination primitive falls back to its
// in-process implementation.
type Redis struct {
	URL      string
	Password string
	DB       int
}

// Enabled reports whether the distributed substrate is configured.
func (r Redis) Enabled() bool { return r.URL != "" }

// Auth holds token settings.
type Auth struct {
	TokenSecret   string
	RequireTokens bool
	TokenTTL      time.Duration
	DefaultTenant string
}

// ACL holds access-control behavior knobs.
type ACL struct {
	DefaultDenyUntagged bool
}

// Vector selects and tunes the vector store backend.
type Vector struct {
	Backend    string `validate:"oneof=memory qdrant"`
	QdrantURL  string
	Collection string
}

// Kafka holds ingestion consumer settings.
type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Query holds the retrieval and security pipeline tuning knobs.
type Query struct {
	MaxQueryCost        int `validate:"gt=0"`
	MaxPathDepth        int `validate:"gt=0"`
	MaxResults          int `validate:"gt=0"`
	DegreeCap           int `validate:"gt=0"`
	BFSThreshold        int `validate:"gt=0"`
	SubgraphCacheSize   int `validate:"gt=0"`
	SubgraphCacheTTL    time.Duration
	SemanticThreshold   float64 `validate:"gte=0,lte=1"`
	RankTimeout         time.Duration
	TruncateTimeout     time.Duration
	DensityLambda       float64 `validate:"gte=0,lte=1"`
	DensityMinCandidate int
	FastRPDimensions    int `validate:"gt=0"`
	PPREdgeCap          int `validate:"gt=0"`
}

// Ingest holds ingestion pipeline settings. BatchSize is clamped to
// [100, 5000] at load time.
type Ingest struct {
	BatchSize      int
	SyncTimeout    time.Duration
	MaxConcurrent  int `validate:"gt=0"`
	OutboxWindow   time.Duration
	OutboxRetries  int
	TombstoneSweep bool
}

// LLM holds synthesis settings.
type LLM struct {
	Providers         []string
	OpenAIModel       string
	GuardrailsEnabled bool
	GuardrailsBlock   bool
}

// Jobs holds background job store settings.
type Jobs struct {
	TTL time.Duration `validate:"gt=0"`
}

// Worker holds the CPU-bound worker pool settings.
type Worker struct {
	PoolSize  int `validate:"gt=0"`
	QueueSize int `validate:"gt=0"`
	TaskLimit int `validate:"gt=0"`
}

// Load builds the configuration from defaults plus environment variables and
// validates it.
func Load() (*Config, error) {
	cfg := defaults()
	applyEnv(cfg)

	// Batch size clamp is a hard rule, not a validation failure.
	if cfg.Ingest.BatchSize < 100 {
		cfg.Ingest.BatchSize = 100
	}
	if cfg.Ingest.BatchSize > 5000 {
		cfg.Ingest.BatchSize = 5000
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads configuration and panics on error. Use only in main().
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks structural constraints and mode-dependent fail-closed
// rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Mode == ModeProduction {
		if c.Auth.RequireTokens && c.Auth.TokenSecret == "" {
			return fmt.Errorf("AUTH_REQUIRE_TOKENS is set but AUTH_TOKEN_SECRET is empty")
		}
		if c.Vector.Backend == "qdrant" && c.Vector.QdrantURL == "" {
			return fmt.Errorf("VECTOR_STORE_BACKEND=qdrant requires a qdrant URL")
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Mode: ModeDev,
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Neo4j: Neo4j{
			URI:                          "bolt://localhost:7687",
			Username:                     "neo4j",
			Database:                     "neo4j",
			MaxConnectionPoolSize:        50,
			ConnectionAcquisitionTimeout: 30 * time.Second,
			MaxTransactionRetryTime:      15 * time.Second,
		},
		Auth: Auth{
			RequireTokens: false,
			TokenTTL:      time.Hour,
			DefaultTenant: "default",
		},
		ACL: ACL{DefaultDenyUntagged: true},
		Vector: Vector{
			Backend:    "memory",
			Collection: "services",
		},
		Kafka: Kafka{
			Topic:   "lattice.ingest",
			GroupID: "lattice-ingest",
		},
		Query: Query{
			MaxQueryCost:        100,
			MaxPathDepth:        4,
			MaxResults:          50,
			DegreeCap:           200,
			BFSThreshold:        500,
			SubgraphCacheSize:   1024,
			SubgraphCacheTTL:    5 * time.Minute,
			SemanticThreshold:   0.92,
			RankTimeout:         5 * time.Second,
			TruncateTimeout:     3 * time.Second,
			DensityLambda:       0.7,
			DensityMinCandidate: 5,
			FastRPDimensions:    128,
			PPREdgeCap:          20000,
		},
		Ingest: Ingest{
			BatchSize:      500,
			SyncTimeout:    120 * time.Second,
			MaxConcurrent:  4,
			OutboxWindow:   2 * time.Second,
			OutboxRetries:  5,
			TombstoneSweep: true,
		},
		LLM: LLM{
			Providers:         []string{"mock"},
			OpenAIModel:       "gpt-4o-mini",
			GuardrailsEnabled: true,
			GuardrailsBlock:   false,
		},
		Jobs:   Jobs{TTL: time.Hour},
		Worker: Worker{PoolSize: 4, QueueSize: 256, TaskLimit: 64},
	}
}

// applyEnv overlays environment variables on the configuration. Only
// variables that are set override defaults.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DEPLOYMENT_MODE"); v != "" {
		cfg.Mode = DeploymentMode(v)
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	setInt(&cfg.Server.Port, "SERVER_PORT")

	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		cfg.Neo4j.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		cfg.Neo4j.Database = v
	}
	setInt(&cfg.Neo4j.MaxConnectionPoolSize, "NEO4J_MAX_CONNECTION_POOL_SIZE")
	setDuration(&cfg.Neo4j.ConnectionAcquisitionTimeout, "NEO4J_CONNECTION_ACQUISITION_TIMEOUT")
	setDuration(&cfg.Neo4j.MaxTransactionRetryTime, "NEO4J_MAX_TRANSACTION_RETRY_TIME")
	if v := os.Getenv("NEO4J_READ_REPLICA_URIS"); v != "" {
		cfg.Neo4j.ReadReplicaURIs = splitList(v)
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	setInt(&cfg.Redis.DB, "REDIS_DB")

	if v := os.Getenv("AUTH_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	setBool(&cfg.Auth.RequireTokens, "AUTH_REQUIRE_TOKENS")
	setDuration(&cfg.Auth.TokenTTL, "AUTH_TOKEN_TTL")
	if v := os.Getenv("AUTH_DEFAULT_TENANT"); v != "" {
		cfg.Auth.DefaultTenant = v
	}
	setBool(&cfg.ACL.DefaultDenyUntagged, "ACL_DEFAULT_DENY_UNTAGGED")

	if v := os.Getenv("VECTOR_STORE_BACKEND"); v != "" {
		cfg.Vector.Backend = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		cfg.Vector.QdrantURL = v
	}
	if v := os.Getenv("VECTOR_COLLECTION"); v != "" {
		cfg.Vector.Collection = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}

	setInt(&cfg.Query.MaxQueryCost, "MAX_QUERY_COST")
	setInt(&cfg.Query.MaxPathDepth, "MAX_PATH_DEPTH")
	setInt(&cfg.Query.MaxResults, "MAX_RESULTS")
	setInt(&cfg.Query.DegreeCap, "DEGREE_CAP")
	setInt(&cfg.Query.BFSThreshold, "BFS_THRESHOLD")
	setInt(&cfg.Query.SubgraphCacheSize, "SUBGRAPH_CACHE_MAXSIZE")
	setDuration(&cfg.Query.SubgraphCacheTTL, "SUBGRAPH_CACHE_TTL")
	setFloat(&cfg.Query.SemanticThreshold, "SEMANTIC_CACHE_THRESHOLD")
	setFloat(&cfg.Query.DensityLambda, "DENSITY_LAMBDA")
	setInt(&cfg.Query.DensityMinCandidate, "DENSITY_MIN_CANDIDATES")
	setInt(&cfg.Query.FastRPDimensions, "FASTRP_DIMENSIONS")
	setInt(&cfg.Query.PPREdgeCap, "PPR_EDGE_CAP")

	setInt(&cfg.Ingest.BatchSize, "SINK_BATCH_SIZE")
	if v := os.Getenv("INGEST_SYNC_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Ingest.SyncTimeout = time.Duration(secs) * time.Second
		}
	}
	setInt(&cfg.Ingest.MaxConcurrent, "INGEST_MAX_CONCURRENT")
	setDuration(&cfg.Ingest.OutboxWindow, "OUTBOX_COALESCE_WINDOW")
	setInt(&cfg.Ingest.OutboxRetries, "OUTBOX_MAX_RETRIES")

	if v := os.Getenv("LLM_PROVIDERS"); v != "" {
		cfg.LLM.Providers = splitList(v)
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.OpenAIModel = v
	}
	setBool(&cfg.LLM.GuardrailsEnabled, "PROMPT_GUARDRAILS_ENABLED")
	setBool(&cfg.LLM.GuardrailsBlock, "PROMPT_GUARDRAILS_HARD_BLOCK")

	if v := os.Getenv("JOB_STORE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Jobs.TTL = time.Duration(secs) * time.Second
		}
	}
	setInt(&cfg.Worker.PoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Worker.QueueSize, "WORKER_QUEUE_SIZE")
	setInt(&cfg.Worker.TaskLimit, "WORKER_TASK_LIMIT")
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
