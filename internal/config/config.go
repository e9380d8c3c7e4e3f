// Package config loads and validates the relay's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the outbound delivery engine.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	TLS        TLSConfig        `koanf:"tls"`
	Storage    StorageConfig    `koanf:"storage"`
	Domains    []DomainConfig   `koanf:"domains"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
	Queue      QueueConfig      `koanf:"queue"`
	Delivery   DeliveryConfig   `koanf:"delivery"`
	Admin      AdminConfig      `koanf:"admin"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Reputation ReputationConfig `koanf:"reputation"`
	Tenancy    TenancyConfig    `koanf:"tenancy"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Hostname        string `koanf:"hostname"`         // advertised EHLO/HELO hostname
	Domain          string `koanf:"domain"`            // primary sending domain
	SMTPPort        int    `koanf:"smtp_port"`        // 25, MX receiving (bounces/feedback only)
	SubmissionPort  int    `koanf:"submission_port"`  // 587, authenticated client submission
	SMTPSPort       int    `koanf:"smtps_port"`       // 465, implicit TLS submission
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// TLSConfig holds TLS configuration for the submission/SMTPS listeners.
type TLSConfig struct {
	AutoTLS  bool   `koanf:"auto_tls"`
	Email    string `koanf:"email"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CacheDir string `koanf:"cache_dir"`
}

// StorageConfig holds storage paths configuration.
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`
	DatabasePath string `koanf:"database_path"` // SQLite durable store
	QueuePath    string `koanf:"queue_path"`     // spooled message bodies awaiting delivery
}

// DomainConfig holds per-domain sending configuration.
type DomainConfig struct {
	Name         string `koanf:"name"`
	TenantID     string `koanf:"tenant_id"`
	DKIMSelector string `koanf:"dkim_selector"`
	DKIMKeyFile  string `koanf:"dkim_key_file"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	RequireTLS     bool    `koanf:"require_tls"`
	VerifyDKIM     bool    `koanf:"verify_dkim"`     // audit inbound DKIM on the MX port, never gates acceptance
	SignOutbound   bool    `koanf:"sign_outbound"`
	MaxMessageSize int     `koanf:"max_message_size"`
	SpamScoreBlock float64 `koanf:"spam_score_block"` // score at/above which a message is rejected outright
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Output string `koanf:"output"`
}

// QueueConfig holds broker-backed job queue configuration.
type QueueConfig struct {
	RedisURL    string `koanf:"redis_url"`
	Prefix      string `koanf:"prefix"`
	MaxRetries  int    `koanf:"max_retries"`
	RetryMaxAge string `koanf:"retry_max_age"`
	Concurrency int    `koanf:"concurrency"` // workers per queue kind, per tenant fair-share pool
}

// DeliveryConfig holds outbound delivery configuration.
type DeliveryConfig struct {
	Workers         int    `koanf:"workers"`
	ConnectTimeout  string `koanf:"connect_timeout"`
	CommandTimeout  string `koanf:"command_timeout"`
	RequireTLS      bool   `koanf:"require_tls"`
	VerifyTLS       bool   `koanf:"verify_tls"`
	RelayHost       string `koanf:"relay_host"`
	PoolMaxPerHost  int    `koanf:"pool_max_per_host"`  // bounded concurrent connections per MX host
	PoolMaxMessages int    `koanf:"pool_max_messages"`  // max messages per pooled session before recycling
	PoolIdleTimeout string `koanf:"pool_idle_timeout"`  // idle pooled connection lifetime
}

// AdminConfig holds the operator HTTP surface (health/metrics only; no REST API per scope).
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Port    int    `koanf:"port"`
	Listen  string `koanf:"listen"`
}

// RateLimitConfig holds multi-scope rate limiting configuration.
type RateLimitConfig struct {
	Enabled            bool `koanf:"enabled"`
	ConnectionsPerIP   int  `koanf:"connections_per_ip"`   // per minute
	AuthAttemptsPerIP  int  `koanf:"auth_attempts_per_ip"` // per 15 minutes
	SendPerUserPerHour int  `koanf:"send_per_user_per_hour"`
	SendPerTenantPerHour int `koanf:"send_per_tenant_per_hour"`
	SendPerDestPerHour int  `koanf:"send_per_destination_per_hour"`
}

// ReputationConfig holds destination reputation thresholds.
type ReputationConfig struct {
	SoftFailureThreshold int    `koanf:"soft_failure_threshold"` // consecutive failures before soft block
	HardFailureThreshold int    `koanf:"hard_failure_threshold"` // consecutive failures before hard block
	SoftBlockDuration    string `koanf:"soft_block_duration"`
	HardBlockDuration    string `koanf:"hard_block_duration"`
}

// TenancyConfig controls multi-tenant isolation.
type TenancyConfig struct {
	Enabled         bool   `koanf:"enabled"`
	NamespacePrefix string `koanf:"namespace_prefix"` // broker key namespace per ENABLE_TENANT_ISOLATION
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			Domain:          "localhost",
			SMTPPort:        25,
			SubmissionPort:  587,
			SMTPSPort:       465,
			ShutdownTimeout: "30s",
		},
		TLS: TLSConfig{
			AutoTLS:  false,
			CacheDir: "/var/lib/mailoutd/acme",
		},
		Storage: StorageConfig{
			DataDir:      "/var/lib/mailoutd",
			DatabasePath: "/var/lib/mailoutd/mailoutd.db",
			QueuePath:    "/var/lib/mailoutd/queue",
		},
		Security: SecurityConfig{
			RequireTLS:     true,
			VerifyDKIM:     true,
			SignOutbound:   true,
			MaxMessageSize: 26214400, // 25MB
			SpamScoreBlock: 8.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			RedisURL:    "redis://localhost:6379/0",
			Prefix:      "mailoutd",
			MaxRetries:  15,
			RetryMaxAge: "168h", // 7 days
			Concurrency: 4,
		},
		Delivery: DeliveryConfig{
			Workers:         4,
			ConnectTimeout:  "30s",
			CommandTimeout:  "5m",
			RequireTLS:      false,
			VerifyTLS:       true,
			PoolMaxPerHost:  5,
			PoolMaxMessages: 100,
			PoolIdleTimeout: "90s",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8080,
			Listen:  "127.0.0.1",
		},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			ConnectionsPerIP:     60,
			AuthAttemptsPerIP:    10,
			SendPerUserPerHour:   500,
			SendPerTenantPerHour: 5000,
			SendPerDestPerHour:   100,
		},
		Reputation: ReputationConfig{
			SoftFailureThreshold: 3,
			HardFailureThreshold: 10,
			SoftBlockDuration:    "5m",
			HardBlockDuration:    "1h",
		},
		Tenancy: TenancyConfig{
			Enabled:         false,
			NamespacePrefix: "t",
		},
	}
}

// Load reads configuration from a YAML file and overlays environment variables.
//
// Environment variables use the MAILOUTD_ prefix with double-underscore nesting,
// e.g. MAILOUTD_SERVER__SMTP_PORT, MAILOUTD_QUEUE__REDIS_URL.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "MAILOUTD_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, "MAILOUTD_")
			k = strings.ToLower(strings.ReplaceAll(k, "__", "."))
			return k, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	if err := c.validatePorts(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain must be configured")
	}

	for i, domain := range c.Domains {
		if domain.Name == "" {
			return fmt.Errorf("domains[%d].name is required", i)
		}
		if c.Security.SignOutbound && domain.DKIMKeyFile == "" {
			return fmt.Errorf("domains[%d].dkim_key_file is required when sign_outbound is enabled", i)
		}
		if domain.DKIMKeyFile != "" {
			if err := validateFileReadable(domain.DKIMKeyFile); err != nil {
				return fmt.Errorf("domains[%d].dkim_key_file: %w", i, err)
			}
		}
	}

	if c.TLS.AutoTLS {
		if c.TLS.Email == "" {
			return fmt.Errorf("tls.email is required when auto_tls is enabled")
		}
		if c.TLS.CacheDir == "" {
			return fmt.Errorf("tls.cache_dir is required when auto_tls is enabled")
		}
	} else {
		if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
		}
		if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
		}
		if c.TLS.CertFile != "" {
			if err := validateFileReadable(c.TLS.CertFile); err != nil {
				return fmt.Errorf("tls.cert_file: %w", err)
			}
		}
		if c.TLS.KeyFile != "" {
			if err := validateFileReadable(c.TLS.KeyFile); err != nil {
				return fmt.Errorf("tls.key_file: %w", err)
			}
		}
	}

	if c.Security.MaxMessageSize < 1024 {
		return fmt.Errorf("security.max_message_size must be at least 1024 bytes")
	}
	if c.Security.MaxMessageSize > 100*1024*1024 {
		return fmt.Errorf("security.max_message_size cannot exceed 100MB (104857600 bytes)")
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxRetries > 100 {
		return fmt.Errorf("queue.max_retries cannot exceed 100")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if c.Delivery.Workers > 100 {
		return fmt.Errorf("delivery.workers cannot exceed 100")
	}
	if c.Delivery.PoolMaxPerHost < 1 {
		return fmt.Errorf("delivery.pool_max_per_host must be at least 1")
	}
	if c.Delivery.PoolMaxMessages < 1 {
		return fmt.Errorf("delivery.pool_max_messages must be at least 1")
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be between 1 and 65535 (got: %d)", c.Admin.Port)
		}
		if c.Admin.Listen == "" {
			return fmt.Errorf("admin.listen is required when admin is enabled")
		}
	}

	if c.Reputation.SoftFailureThreshold < 1 {
		return fmt.Errorf("reputation.soft_failure_threshold must be at least 1")
	}
	if c.Reputation.HardFailureThreshold <= c.Reputation.SoftFailureThreshold {
		return fmt.Errorf("reputation.hard_failure_threshold must exceed soft_failure_threshold")
	}

	return nil
}

func (c *Config) validatePorts() error {
	ports := map[string]int{
		"server.smtp_port":       c.Server.SMTPPort,
		"server.submission_port": c.Server.SubmissionPort,
		"server.smtps_port":      c.Server.SMTPSPort,
	}

	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
	}

	usedPorts := make(map[int]string)
	for name, port := range ports {
		if existing, ok := usedPorts[port]; ok {
			return fmt.Errorf("port conflict: %s and %s both use port %d", name, existing, port)
		}
		usedPorts[port] = name
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.QueuePath == "" {
		return fmt.Errorf("storage.queue_path is required")
	}

	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	if !filepath.IsAbs(c.Storage.QueuePath) {
		return fmt.Errorf("storage.queue_path must be an absolute path (got: %s)", c.Storage.QueuePath)
	}

	return nil
}

func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"delivery.connect_timeout":  c.Delivery.ConnectTimeout,
		"delivery.command_timeout":  c.Delivery.CommandTimeout,
		"delivery.pool_idle_timeout": c.Delivery.PoolIdleTimeout,
		"queue.retry_max_age":       c.Queue.RetryMaxAge,
		"reputation.soft_block_duration": c.Reputation.SoftBlockDuration,
		"reputation.hard_block_duration": c.Reputation.HardBlockDuration,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "server.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "delivery.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "delivery.command_timeout":
			if duration > 10*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 10m (got: %s)", name, timeout)
			}
		case "queue.retry_max_age":
			if duration > 30*24*time.Hour {
				return fmt.Errorf("%s is too long, maximum is 30d (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.QueuePath,
		filepath.Dir(c.Storage.DatabasePath),
	}

	if c.TLS.AutoTLS && c.TLS.CacheDir != "" {
		dirs = append(dirs, c.TLS.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GetDomain returns the domain configuration for a given domain name.
func (c *Config) GetDomain(name string) *DomainConfig {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i]
		}
	}
	return nil
}

// IsManagedDomain checks if a domain is managed by this server.
func (c *Config) IsManagedDomain(name string) bool {
	return c.GetDomain(name) != nil
}
