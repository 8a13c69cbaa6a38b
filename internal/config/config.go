// Package config provides typed configuration for agentdatad.
//
// All settings come from environment variables loaded through koanf. Every
// recognized key has a default so a bare environment still produces a
// runnable (if backend-less) configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Host string
	Port int
}

// VectorConfig holds similarity-engine settings.
type VectorConfig struct {
	BackendURL  string
	APIKey      Secret
	Collection  string
	Dimension   int
	BatchSize   int
	MinInterval time.Duration
}

// MetadataConfig holds document-store settings.
type MetadataConfig struct {
	ProjectID  string
	DatabaseID string
	Collection string
}

// EmbedConfig holds embedding-provider settings.
type EmbedConfig struct {
	BaseURL     string
	ProviderKey Secret
	Model       string
}

// JWTConfig holds token issuance settings.
type JWTConfig struct {
	Secret Secret
	Alg    string
	TTL    time.Duration
}

// RAGCacheConfig holds gateway query-cache settings.
type RAGCacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// AutoTagConfig holds auto-tag enrichment settings.
type AutoTagConfig struct {
	CacheTTL      time.Duration
	Collection    string
	ContentBudget int
	MaxTags       int
}

// SnapshotConfig holds object-store snapshot settings.
type SnapshotConfig struct {
	Bucket string
}

// Config is the root configuration for the service.
type Config struct {
	Server   ServerConfig
	Vector   VectorConfig
	Metadata MetadataConfig
	Embed    EmbedConfig
	JWT      JWTConfig
	RAGCache RAGCacheConfig
	AutoTag  AutoTagConfig
	Snapshot SnapshotConfig
}

// Load reads configuration from environment variables, applying defaults for
// unset keys.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: stringOr(k, "server_host", "0.0.0.0"),
			Port: intOr(k, "server_port", 8080),
		},
		Vector: VectorConfig{
			BackendURL:  stringOr(k, "vector_backend_url", "localhost:6334"),
			APIKey:      Secret(k.String("vector_backend_api_key")),
			Collection:  stringOr(k, "vector_collection", "agent_data_vectors"),
			Dimension:   intOr(k, "vector_dimension", 1536),
			BatchSize:   intOr(k, "vector_batch_size", 100),
			MinInterval: secondsOr(k, "vector_min_interval_seconds", 0.35),
		},
		Metadata: MetadataConfig{
			ProjectID:  k.String("metadata_project_id"),
			DatabaseID: stringOr(k, "metadata_database_id", "(default)"),
			Collection: stringOr(k, "metadata_collection", "document_metadata"),
		},
		Embed: EmbedConfig{
			BaseURL:     stringOr(k, "embed_base_url", "https://api.openai.com"),
			ProviderKey: Secret(k.String("embed_provider_key")),
			Model:       stringOr(k, "embed_model", "text-embedding-ada-002"),
		},
		JWT: JWTConfig{
			Secret: Secret(k.String("jwt_secret")),
			Alg:    stringOr(k, "jwt_alg", "HS256"),
			TTL:    time.Duration(intOr(k, "jwt_ttl_minutes", 30)) * time.Minute,
		},
		RAGCache: RAGCacheConfig{
			Enabled:    boolOr(k, "rag_cache_enabled", true),
			TTL:        time.Duration(intOr(k, "rag_cache_ttl_seconds", 3600)) * time.Second,
			MaxEntries: intOr(k, "rag_cache_max", 1000),
		},
		AutoTag: AutoTagConfig{
			CacheTTL:      time.Duration(intOr(k, "autotag_cache_ttl_hours", 24)) * time.Hour,
			Collection:    stringOr(k, "autotag_collection", "auto_tag_cache"),
			ContentBudget: intOr(k, "autotag_content_budget", 2048),
			MaxTags:       intOr(k, "autotag_max_tags", 5),
		},
		Snapshot: SnapshotConfig{
			Bucket: k.String("snapshot_bucket"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Missing backend credentials are
// allowed; the gateway gates those operations at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", c.Vector.Dimension)
	}
	if c.Vector.BatchSize <= 0 {
		return fmt.Errorf("vector batch size must be positive, got %d", c.Vector.BatchSize)
	}
	if c.JWT.Alg != "HS256" {
		return fmt.Errorf("unsupported JWT algorithm: %s", c.JWT.Alg)
	}
	if c.RAGCache.MaxEntries <= 0 {
		return fmt.Errorf("rag cache max entries must be positive, got %d", c.RAGCache.MaxEntries)
	}
	return nil
}

func stringOr(k *koanf.Koanf, key, def string) string {
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

func intOr(k *koanf.Koanf, key string, def int) int {
	if !k.Exists(key) {
		return def
	}
	return k.Int(key)
}

func boolOr(k *koanf.Koanf, key string, def bool) bool {
	if !k.Exists(key) {
		return def
	}
	return k.Bool(key)
}

func secondsOr(k *koanf.Koanf, key string, def float64) time.Duration {
	v := def
	if k.Exists(key) {
		v = k.Float64(key)
	}
	return time.Duration(v * float64(time.Second))
}
