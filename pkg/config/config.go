package config

import (
	"fmt"
	"time"

	"github.com/aqwacloud/transfercore/pkg/tracing"
)

// EnvPrefix is the prefix for all environment overrides, e.g.
// AQWA_SERVER_PORT or AQWA_DATABASE_DSN.
const EnvPrefix = "AQWA"

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Transfer  TransferConfig  `yaml:"transfer" json:"transfer"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Tracing   tracing.Config  `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend. An empty DSN runs on the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TransferConfig tunes the orchestration core.
type TransferConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	UseQueue          bool          `yaml:"use_queue" json:"use_queue"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	DownloadTimeout   time.Duration `yaml:"download_timeout" json:"download_timeout"`
	UploadTimeout     time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
	MonitorInterval   time.Duration `yaml:"monitor_interval" json:"monitor_interval"`
	MonitorCooldown   time.Duration `yaml:"monitor_cooldown" json:"monitor_cooldown"`
}

// ProvidersConfig holds the OAuth client credentials per provider.
type ProvidersConfig struct {
	Google    OAuthClientConfig `yaml:"google" json:"google"`
	Microsoft OAuthClientConfig `yaml:"microsoft" json:"microsoft"`
}

// OAuthClientConfig identifies this application to a provider's token
// endpoint.
type OAuthClientConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Transfer: TransferConfig{
			MaxRetries:        3,
			UseQueue:          true,
			MaxConcurrentJobs: 3,
			DownloadTimeout:   20 * time.Minute,
			UploadTimeout:     30 * time.Minute,
			MonitorInterval:   30 * time.Second,
			MonitorCooldown:   5 * time.Minute,
		},
		Tracing: *tracing.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, an optional file and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	loader := NewLoader(EnvPrefix)
	if err := loader.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Transfer.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1")
	}
	if c.Transfer.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}
