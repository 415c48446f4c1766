package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration for payroll-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis holds progress snapshots and run guards. Optional: when Host is
	// empty, progress is not published and runs are not guarded.
	Redis RedisConfig `yaml:"redis"`

	// Pipeline controls background stage execution.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Storage is where uploaded spreadsheets are read from.
	Storage StorageConfig `yaml:"storage"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"payroll"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"payroll_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// PipelineConfig holds settings for ingestion, reconciliation and anomaly tasks.
type PipelineConfig struct {
	// BatchSize is the number of rows written per COPY batch.
	BatchSize int `yaml:"batch_size" env:"PIPELINE_BATCH_SIZE" env-default:"2000"`
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int `yaml:"max_concurrent" env:"PIPELINE_MAX_CONCURRENT" env-default:"4"`
	// MaxRetries is the retry budget for transient task failures.
	MaxRetries int `yaml:"max_retries" env:"PIPELINE_MAX_RETRIES" env-default:"3"`
	// SoftTimeout is when a running task logs that it is slow.
	SoftTimeout time.Duration `yaml:"soft_timeout" env:"PIPELINE_SOFT_TIMEOUT" env-default:"5m"`
	// HardTimeout cancels the task and marks its file or closure as error.
	HardTimeout time.Duration `yaml:"hard_timeout" env:"PIPELINE_HARD_TIMEOUT" env-default:"15m"`
	// ProgressTTL is how long progress snapshots stay readable.
	ProgressTTL time.Duration `yaml:"progress_ttl" env:"PIPELINE_PROGRESS_TTL" env-default:"1h"`
	// SweepSchedule is the cron spec of the stale-processing sweep.
	SweepSchedule string `yaml:"sweep_schedule" env:"PIPELINE_SWEEP_SCHEDULE" env-default:"@every 5m"`
}

// StorageConfig locates uploaded files.
type StorageConfig struct {
	// BaseDir is prepended to relative source file paths.
	BaseDir string `yaml:"base_dir" env:"STORAGE_BASE_DIR" env-default:"./uploads"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, REDIS_PASSWORD) must come from environment variables.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit config path. A missing file falls back to
// environment variables and defaults.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := cfg.Pipeline.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (p *PipelineConfig) validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", p.MaxConcurrent)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.SoftTimeout <= 0 || p.HardTimeout <= 0 {
		return fmt.Errorf("soft_timeout and hard_timeout must be positive")
	}
	if p.SoftTimeout >= p.HardTimeout {
		return fmt.Errorf("soft_timeout (%s) must be shorter than hard_timeout (%s)", p.SoftTimeout, p.HardTimeout)
	}
	if _, err := cron.ParseStandard(p.SweepSchedule); err != nil {
		return fmt.Errorf("sweep_schedule %q: %w", p.SweepSchedule, err)
	}
	return nil
}

// URL returns the connection string in URL form, as required by database/sql
// drivers used for migrations.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
