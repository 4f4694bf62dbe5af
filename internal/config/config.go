// Package config loads the storage core's configuration from defaults, an
// optional YAML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory dynamodb"`

	DynamoDB DynamoDBConfig `yaml:"dynamodb"`

	Locks     LockConfig      `yaml:"locks"`
	Index     IndexConfig     `yaml:"index"`
	Audit     AuditConfig     `yaml:"audit"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Retry     RetryConfig     `yaml:"retry"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	TableName string `yaml:"table_name"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
}

// LockConfig configures entity-level locking.
type LockConfig struct {
	EntityTTL   time.Duration `yaml:"entity_ttl" validate:"gt=0"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gt=0"`
}

// IndexConfig configures the index manager.
type IndexConfig struct {
	VersionCacheTTL time.Duration `yaml:"version_cache_ttl" validate:"gte=0"`
}

// AuditConfig configures consistency audits.
type AuditConfig struct {
	SampleRatio    float64 `yaml:"sample_ratio" validate:"gt=0,lte=1"`
	DriftThreshold float64 `yaml:"drift_threshold" validate:"gte=0"`
	PageSize       int     `yaml:"page_size" validate:"gt=0"`
}

// RebuildConfig configures index rebuilds.
type RebuildConfig struct {
	ShrinkTolerance float64       `yaml:"shrink_tolerance" validate:"gte=0,lt=1"`
	LockTTL         time.Duration `yaml:"lock_ttl" validate:"gt=0"`
	BackupRetention time.Duration `yaml:"backup_retention" validate:"gte=0"`
	PageSize        int           `yaml:"page_size" validate:"gt=0"`
}

// ReconcileConfig configures duplicate reconciliation.
type ReconcileConfig struct {
	LockTTL       time.Duration `yaml:"lock_ttl" validate:"gt=0"`
	EntityLockTTL time.Duration `yaml:"entity_lock_ttl" validate:"gt=0"`
	PageSize      int           `yaml:"page_size" validate:"gt=0"`
}

// RetryConfig configures transient-error retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gt=0"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Backend: "memory",
		DynamoDB: DynamoDBConfig{
			Region: "us-east-1",
		},
		Locks: LockConfig{
			EntityTTL:   30 * time.Second,
			WaitTimeout: 2 * time.Second,
		},
		Index: IndexConfig{
			VersionCacheTTL: 5 * time.Second,
		},
		Audit: AuditConfig{
			SampleRatio:    0.1,
			DriftThreshold: 2.0,
			PageSize:       250,
		},
		Rebuild: RebuildConfig{
			ShrinkTolerance: 0.05,
			LockTTL:         5 * time.Minute,
			BackupRetention: 24 * time.Hour,
			PageSize:        250,
		},
		Reconcile: ReconcileConfig{
			LockTTL:       5 * time.Minute,
			EntityLockTTL: 30 * time.Second,
			PageSize:      250,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path if it
// is non-empty, then KOLSTORE_* environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend == "dynamodb" && c.DynamoDB.TableName == "" {
		return fmt.Errorf("invalid configuration: dynamodb.table_name is required for the dynamodb backend")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KOLSTORE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("KOLSTORE_DYNAMODB_TABLE"); v != "" {
		cfg.DynamoDB.TableName = v
	}
	if v := os.Getenv("KOLSTORE_DYNAMODB_REGION"); v != "" {
		cfg.DynamoDB.Region = v
	}
	if v := os.Getenv("KOLSTORE_DYNAMODB_ENDPOINT"); v != "" {
		cfg.DynamoDB.Endpoint = v
	}
	if v := os.Getenv("KOLSTORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KOLSTORE_AUDIT_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Audit.SampleRatio = ratio
		}
	}
	if v := os.Getenv("KOLSTORE_REBUILD_SHRINK_TOLERANCE"); v != "" {
		if tolerance, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rebuild.ShrinkTolerance = tolerance
		}
	}
}
