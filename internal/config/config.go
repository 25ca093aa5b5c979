// Package config provides YAML configuration loading with validation and
// environment variable substitution for the breaker daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level breakerd configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server" json:"server"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig   `yaml:"logging" json:"logging"`
	Admin    AdminConfig     `yaml:"admin" json:"admin"`
	Defaults BreakerDefaults `yaml:"defaults" json:"defaults"`
	Breakers []BreakerConfig `yaml:"breakers" json:"breakers"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool            `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string        `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	Auth        AdminAuthConfig `yaml:"auth" json:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// AdminAuthConfig holds JWT bearer-token settings for the admin API.
type AdminAuthConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// RateLimitConfig holds the admin-surface token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// BreakerDefaults fills unset fields of every breaker definition.
type BreakerDefaults struct {
	TimeoutMs                int     `yaml:"timeout_ms" json:"timeout_ms"`
	Threshold                int     `yaml:"threshold" json:"threshold"`
	ResetTimeoutMs           int     `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
	RollingWindowMs          int     `yaml:"rolling_window_ms" json:"rolling_window_ms"`
	BucketIntervalMs         int     `yaml:"bucket_interval_ms" json:"bucket_interval_ms"`
	VolumeThreshold          int     `yaml:"volume_threshold" json:"volume_threshold"`
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage" json:"error_threshold_percentage"`
}

// BreakerConfig defines a single circuit breaker guarding one logical
// downstream dependency.
type BreakerConfig struct {
	Name                     string  `yaml:"name" json:"name"`
	TimeoutMs                int     `yaml:"timeout_ms" json:"timeout_ms"`
	Threshold                int     `yaml:"threshold" json:"threshold"`
	ResetTimeoutMs           int     `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
	RollingWindowMs          int     `yaml:"rolling_window_ms" json:"rolling_window_ms"`
	BucketIntervalMs         int     `yaml:"bucket_interval_ms" json:"bucket_interval_ms"`
	VolumeThreshold          int     `yaml:"volume_threshold" json:"volume_threshold"`
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage" json:"error_threshold_percentage"`

	// HealthCheckURL, when set, becomes an out-of-band HTTP GET probe
	// used to recover the breaker from open without live traffic.
	HealthCheckURL string `yaml:"health_check_url" json:"health_check_url"`
}

// Duration helpers for the millisecond config fields.

func (b BreakerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

func (b BreakerConfig) RollingWindow() time.Duration {
	return time.Duration(b.RollingWindowMs) * time.Millisecond
}

func (b BreakerConfig) BucketInterval() time.Duration {
	return time.Duration(b.BucketIntervalMs) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Admin rate limit defaults
	if cfg.Admin.RateLimit.RequestsPerSecond == 0 {
		cfg.Admin.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Admin.RateLimit.BurstSize == 0 {
		cfg.Admin.RateLimit.BurstSize = 20
	}

	// Breaker defaults block
	d := &cfg.Defaults
	if d.TimeoutMs == 0 {
		d.TimeoutMs = 5000
	}
	if d.Threshold == 0 {
		d.Threshold = 5
	}
	if d.ResetTimeoutMs == 0 {
		d.ResetTimeoutMs = 30000
	}
	if d.RollingWindowMs == 0 {
		d.RollingWindowMs = 10000
	}
	if d.BucketIntervalMs == 0 {
		d.BucketIntervalMs = 1000
	}
	if d.VolumeThreshold == 0 {
		d.VolumeThreshold = 10
	}
	if d.ErrorThresholdPercentage == 0 {
		d.ErrorThresholdPercentage = 50
	}

	// Fill unset per-breaker fields from the defaults block.
	for i := range cfg.Breakers {
		b := &cfg.Breakers[i]
		if b.TimeoutMs == 0 {
			b.TimeoutMs = d.TimeoutMs
		}
		if b.Threshold == 0 {
			b.Threshold = d.Threshold
		}
		if b.ResetTimeoutMs == 0 {
			b.ResetTimeoutMs = d.ResetTimeoutMs
		}
		if b.RollingWindowMs == 0 {
			b.RollingWindowMs = d.RollingWindowMs
		}
		if b.BucketIntervalMs == 0 {
			b.BucketIntervalMs = d.BucketIntervalMs
		}
		if b.VolumeThreshold == 0 {
			b.VolumeThreshold = d.VolumeThreshold
		}
		if b.ErrorThresholdPercentage == 0 {
			b.ErrorThresholdPercentage = d.ErrorThresholdPercentage
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.Auth.Enabled {
			if cfg.Admin.Auth.JWTSecret == "" {
				return fmt.Errorf("admin.auth.jwt_secret is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Issuer == "" {
				return fmt.Errorf("admin.auth.issuer is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Audience == "" {
				return fmt.Errorf("admin.auth.audience is required when admin auth is enabled")
			}
		}
		if cfg.Admin.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("admin.rate_limit.requests_per_second must be positive")
		}
		if cfg.Admin.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("admin.rate_limit.burst_size must be positive")
		}
	}

	if len(cfg.Breakers) == 0 {
		return fmt.Errorf("at least one breaker must be configured")
	}

	seen := make(map[string]bool)
	for i, b := range cfg.Breakers {
		if b.Name == "" {
			return fmt.Errorf("breakers[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate breaker name: %s", b.Name)
		}
		seen[b.Name] = true

		if b.TimeoutMs < 1 {
			return fmt.Errorf("breakers[%d].timeout_ms must be positive", i)
		}
		if b.Threshold < 1 {
			return fmt.Errorf("breakers[%d].threshold must be positive", i)
		}
		if b.ResetTimeoutMs < 1 {
			return fmt.Errorf("breakers[%d].reset_timeout_ms must be positive", i)
		}
		if b.RollingWindowMs < 1 {
			return fmt.Errorf("breakers[%d].rolling_window_ms must be positive", i)
		}
		if b.BucketIntervalMs < 1 {
			return fmt.Errorf("breakers[%d].bucket_interval_ms must be positive", i)
		}
		if b.BucketIntervalMs > b.RollingWindowMs {
			return fmt.Errorf("breakers[%d].bucket_interval_ms must not exceed rolling_window_ms", i)
		}
		if b.VolumeThreshold < 1 {
			return fmt.Errorf("breakers[%d].volume_threshold must be positive", i)
		}
		if b.ErrorThresholdPercentage <= 0 || b.ErrorThresholdPercentage > 100 {
			return fmt.Errorf("breakers[%d].error_threshold_percentage must be between 0 (exclusive) and 100 (inclusive)", i)
		}

		if b.HealthCheckURL != "" {
			u, err := url.Parse(b.HealthCheckURL)
			if err != nil {
				return fmt.Errorf("breakers[%d].health_check_url: invalid URL: %w", i, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("breakers[%d].health_check_url: scheme must be http or https, got %q", i, u.Scheme)
			}
			if u.Host == "" {
				return fmt.Errorf("breakers[%d].health_check_url: host is required", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}
	for _, b := range cfg.Breakers {
		if b.HealthCheckURL == "" {
			warnings = append(warnings, fmt.Sprintf("breaker %q has no health_check_url; recovery relies on live traffic only", b.Name))
		}
	}
	return warnings
}
