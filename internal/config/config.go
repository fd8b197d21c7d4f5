// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/heavy-http/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes owned by the relay itself.
var reservedPaths = []string{"/_heavy/blobs", "/healthz", "/proxy/status"}

// CLI holds the global command-line arguments parsed by Kong. Commands embed it.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='HEAVY_HTTP_CONFIG'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream  string `kong:"help='Upstream base URL (overrides config).',env='HEAVY_HTTP_UPSTREAM'"`
	Threshold *int64 `kong:"help='Client offload threshold in bytes (overrides config).',env='HEAVY_HTTP_THRESHOLD'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Client   ClientConfig   `toml:"client"`
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Store    StoreConfig    `toml:"store"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ClientConfig holds offload client settings used by the send and fetch commands.
type ClientConfig struct {
	ThresholdBytes       int64 `toml:"threshold_bytes"`
	TimeoutSeconds       int   `toml:"timeout_seconds"`
	NotifyTimeoutSeconds int   `toml:"notify_timeout_seconds"`
}

// ServerConfig holds relay HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	// PublicURL is the externally reachable base URL, used to build blob locations.
	PublicURL    string `toml:"public_url"`
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// ResponseThresholdBytes is the upstream response size above which a heavy envelope is
	// returned instead of the body. Zero disables heavy responses.
	ResponseThresholdBytes int64           `toml:"response_threshold_bytes"`
	RateLimit              RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// StoreConfig selects and configures the blob store.
type StoreConfig struct {
	Type       string        `toml:"type"` // "memory" or "s3"
	TTLSeconds int           `toml:"ttl_seconds"`
	MaxEntries int           `toml:"max_entries"`
	S3         S3StoreConfig `toml:"s3"`
}

// S3StoreConfig holds S3 blob store settings.
type S3StoreConfig struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	Prefix          string `toml:"prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	ForcePathStyle  bool   `toml:"force_path_style"`
	PresignSeconds  int    `toml:"presign_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or HEAVY_HTTP_CONFIG), it searches
// /etc/heavy-http/config.toml then configs/config.toml. Without any file, defaults apply.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.Threshold != nil {
		c.Client.ThresholdBytes = *cli.Threshold
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Client.ThresholdBytes < 0 {
		return fmt.Errorf("client.threshold_bytes must be non-negative; got %d", c.Client.ThresholdBytes)
	}
	if c.Client.TimeoutSeconds < 0 {
		return fmt.Errorf("client.timeout_seconds must be non-negative; got %d", c.Client.TimeoutSeconds)
	}
	if c.Client.NotifyTimeoutSeconds < 0 {
		return fmt.Errorf("client.notify_timeout_seconds must be non-negative; got %d", c.Client.NotifyTimeoutSeconds)
	}

	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("server.public_url must be an absolute URL; got %q", c.Server.PublicURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ResponseThresholdBytes < 0 {
		return fmt.Errorf("server.response_threshold_bytes must be non-negative; got %d", c.Server.ResponseThresholdBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Store.
	switch strings.ToLower(c.Store.Type) {
	case "memory", "":
	case "s3":
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required when store.type is s3")
		}
	default:
		return fmt.Errorf("store.type must be one of: memory, s3; got %q", c.Store.Type)
	}
	if c.Store.TTLSeconds < 0 || c.Store.MaxEntries < 0 || c.Store.S3.PresignSeconds < 0 {
		return fmt.Errorf("store.ttl_seconds, store.max_entries and store.s3.presign_seconds must be non-negative")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Client.NotifyTimeoutSeconds == 0 {
		c.Client.NotifyTimeoutSeconds = 10
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.PublicURL == "" {
		host := c.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		c.Server.PublicURL = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 512 * 1024 * 1024 // 512 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	c.Store.Type = strings.ToLower(c.Store.Type)
	if c.Store.TTLSeconds == 0 {
		c.Store.TTLSeconds = 900
	}
	if c.Store.MaxEntries == 0 {
		c.Store.MaxEntries = 1024
	}
	if c.Store.S3.PresignSeconds == 0 {
		c.Store.S3.PresignSeconds = 900
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TTL returns the blob retention period.
func (c *StoreConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Timeout returns the client request timeout; zero means none.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NotifyTimeout returns the bound on best-effort protocol notifications.
func (c *ClientConfig) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry S3 credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
