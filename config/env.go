package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUIRY_"

// loadDotEnv loads path into the environment if it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s file: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from QUIRY_* variables. Unset or empty variables
// leave the current value; unparsable ones are an error.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}

	integer("BUFFER_THRESHOLD", &cfg.Buffer.Threshold)
	duration("BUFFER_MAX_AGE", &cfg.Buffer.MaxAge)
	duration("BUFFER_IDLE_GAP", &cfg.Buffer.IdleGap)

	integer("POOL_SIZE", &cfg.Pipeline.PoolSize)
	duration("SWEEP_INTERVAL", &cfg.Pipeline.SweepInterval)
	integer("RETRY_MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	duration("RETRY_BASE_DELAY", &cfg.Pipeline.BaseDelay)
	integer("RETRY_MAX_DEFERRALS", &cfg.Pipeline.MaxDeferrals)
	duration("STOP_TIMEOUT", &cfg.Pipeline.StopTimeout)
	boolean("FLUSH_ON_STOP", &cfg.Pipeline.FlushOnStop)

	str("EMBEDDING_TYPE", &cfg.Embedding.Type)
	str("EMBEDDING_HOST", &cfg.Embedding.Host)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("EMBEDDING_API_TOKEN", &cfg.Embedding.APIToken)
	integer("EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	duration("EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout)
	float("EMBEDDING_RPS", &cfg.Embedding.RequestsPerSecond)

	str("STORAGE_PATH", &cfg.Storage.Path)
	boolean("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	str("BROKER_TYPE", &cfg.Broker.Type)
	integer("BROKER_PARTITIONS", &cfg.Broker.Partitions)
	integer("BROKER_CAPACITY", &cfg.Broker.Capacity)
	str("REDIS_URL", &cfg.Broker.RedisURL)
	str("REDIS_PASSWORD", &cfg.Broker.RedisPassword)
	integer("REDIS_DB", &cfg.Broker.RedisDB)

	integer("SEARCH_OVER_FETCH", &cfg.Search.OverFetch)
	integer("SEARCH_DEFAULT_LIMIT", &cfg.Search.DefaultLimit)

	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}
