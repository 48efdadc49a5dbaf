package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poiesic/quiry/ai"
	"gopkg.in/yaml.v3"
)

// Embedder and broker implementations.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingMock   = "mock"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// BufferConfig controls when conversation buffers flush.
type BufferConfig struct {
	Threshold int           `yaml:"threshold"`
	MaxAge    time.Duration `yaml:"max_age"`
	IdleGap   time.Duration `yaml:"idle_gap"`
}

// PipelineConfig controls the ingestion stages.
type PipelineConfig struct {
	PoolSize      int           `yaml:"pool_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxDeferrals  int           `yaml:"max_deferrals"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	FlushOnStop   bool          `yaml:"flush_on_stop"`
	GroupPrefix   string        `yaml:"group_prefix"`
}

// EmbeddingConfig selects and configures the embedding service.
type EmbeddingConfig struct {
	Type              string        `yaml:"type"`
	Host              string        `yaml:"host"`
	Model             string        `yaml:"model"`
	APIToken          string        `yaml:"api_token,omitempty"`
	Dimensions        int           `yaml:"dimensions"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// StorageConfig locates the chunk database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// BrokerConfig selects and configures the broker between stages.
type BrokerConfig struct {
	Type          string `yaml:"type"`
	Partitions    int    `yaml:"partitions"`
	Capacity      int    `yaml:"capacity"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	StreamPrefix  string `yaml:"stream_prefix"`
	MaxLen        int64  `yaml:"max_len"`
}

// SearchConfig tunes the query engine.
type SearchConfig struct {
	OverFetch    int `yaml:"over_fetch"`
	DefaultLimit int `yaml:"default_limit"`
}

// Config is the root configuration.
type Config struct {
	Buffer    BufferConfig    `yaml:"buffer"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Storage   StorageConfig   `yaml:"storage"`
	Broker    BrokerConfig    `yaml:"broker"`
	Search    SearchConfig    `yaml:"search"`
}

// Default returns the built-in configuration.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	return &Config{
		Buffer: BufferConfig{
			Threshold: 10,
		},
		Pipeline: PipelineConfig{
			SweepInterval: 30 * time.Second,
			MaxAttempts:   5,
			BaseDelay:     200 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			MaxDeferrals:  10,
			StopTimeout:   30 * time.Second,
			GroupPrefix:   "quiry",
		},
		Embedding: EmbeddingConfig{
			Type:            EmbeddingOpenAI,
			Host:            aiDefaults.EmbeddingHost,
			Model:           aiDefaults.EmbeddingModel,
			Timeout:         aiDefaults.Timeout,
			Burst:           aiDefaults.Burst,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path: "quiry.db",
		},
		Broker: BrokerConfig{
			Type:         BrokerMemory,
			Partitions:   8,
			Capacity:     1024,
			StreamPrefix: "quiry",
		},
		Search: SearchConfig{
			OverFetch:    4,
			DefaultLimit: 5,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. A missing file yields the defaults; an empty path skips the
// file. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Buffer.Threshold >= 1, "buffer.threshold must be at least 1")
	check(c.Buffer.MaxAge >= 0, "buffer.max_age cannot be negative")
	check(c.Buffer.IdleGap >= 0, "buffer.idle_gap cannot be negative")

	check(c.Pipeline.PoolSize >= 0, "pipeline.pool_size cannot be negative")
	check(c.Pipeline.SweepInterval >= 0, "pipeline.sweep_interval cannot be negative")
	check(c.Pipeline.MaxAttempts >= 1, "pipeline.max_attempts must be at least 1")
	check(c.Pipeline.BaseDelay >= 0, "pipeline.base_delay cannot be negative")
	check(c.Pipeline.MaxDeferrals >= 0, "pipeline.max_deferrals cannot be negative")
	check(c.Pipeline.GroupPrefix != "", "pipeline.group_prefix is required")

	switch c.Embedding.Type {
	case EmbeddingOpenAI:
		check(c.Embedding.Host != "", "embedding.host is required")
		check(c.Embedding.Model != "", "embedding.model is required")
	case EmbeddingMock:
	default:
		errs = append(errs, fmt.Errorf("embedding.type must be %q or %q, got %q", EmbeddingOpenAI, EmbeddingMock, c.Embedding.Type))
	}
	check(c.Embedding.Timeout > 0, "embedding.timeout must be positive")
	check(c.Embedding.Dimensions >= 0, "embedding.dimensions cannot be negative")
	check(c.Embedding.RequestsPerSecond >= 0, "embedding.requests_per_second cannot be negative")
	check(c.Embedding.BreakerFailures >= 1, "embedding.breaker_failures must be at least 1")

	check(c.Storage.InMemory || c.Storage.Path != "", "storage.path is required unless storage.in_memory is set")

	switch c.Broker.Type {
	case BrokerMemory:
		check(c.Broker.Capacity >= 1, "broker.capacity must be at least 1")
	case BrokerRedis:
		check(c.Broker.RedisURL != "", "broker.redis_url is required for the redis broker")
	default:
		errs = append(errs, fmt.Errorf("broker.type must be %q or %q, got %q", BrokerMemory, BrokerRedis, c.Broker.Type))
	}
	check(c.Broker.Partitions >= 1, "broker.partitions must be at least 1")

	check(c.Search.OverFetch >= 1, "search.over_fetch must be at least 1")
	check(c.Search.DefaultLimit >= 1, "search.default_limit must be at least 1")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// AIConfig converts the embedding section for the ai package.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIToken(c.Embedding.APIToken),
		ai.WithDimensions(c.Embedding.Dimensions),
		ai.WithTimeout(c.Embedding.Timeout),
		ai.WithRateLimit(c.Embedding.RequestsPerSecond, c.Embedding.Burst),
	)
}
