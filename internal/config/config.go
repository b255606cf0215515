package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all Spoor configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Auth          AuthConfig          `toml:"auth"`
	Limits        LimitsConfig        `toml:"limits"`
	Storage       StorageConfig       `toml:"storage"`
	Enrichment    EnrichmentConfig    `toml:"enrichment"`
	Logging       LoggingConfig       `toml:"logging"`
	Observability ObservabilityConfig `toml:"observability"`
}

type ServerConfig struct {
	ListenAddress           string `toml:"listen_address"`
	TLS                     bool   `toml:"tls"`
	CertFile                string `toml:"cert_file"`
	KeyFile                 string `toml:"key_file"`
	ManagementListenAddress string `toml:"management_listen_address"`
}

type AuthConfig struct {
	TokenFile string            `toml:"token_file"`
	Tokens    map[string]string `toml:"tokens"`
}

type LimitsConfig struct {
	MaxBodySizeBytes         int64 `toml:"max_body_size_bytes"`
	WebhookRequestsPerMinute int   `toml:"webhook_requests_per_minute"`
}

type StorageConfig struct {
	Driver   string `toml:"driver"`
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
	// ConnectTimeoutSeconds bounds the startup connection retries.
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

type EnrichmentConfig struct {
	Enabled            *bool  `toml:"enabled"`
	Provider           string `toml:"provider"`
	Endpoint           string `toml:"endpoint"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	LookupsPerMinute   int    `toml:"lookups_per_minute"`
	Workers            int    `toml:"workers"`
	BreakerFailures    uint32 `toml:"breaker_failures"`
	BreakerOpenSeconds int    `toml:"breaker_open_seconds"`
	// WorkflowTimeoutSeconds bounds one workflow from lock to upsert, lookup included.
	WorkflowTimeoutSeconds int       `toml:"workflow_timeout_seconds"`
	GeoIPDBPath            string    `toml:"geoip_db_path"`
	ASNDBPath              string    `toml:"asn_db_path"`
	DNS                    DNSConfig `toml:"dns"`
}

type DNSConfig struct {
	Enabled      bool   `toml:"enabled"`
	ResolverAddr string `toml:"resolver_addr"`
	CacheTTL     int    `toml:"cache_ttl_seconds"`
	MaxQPS       int    `toml:"max_qps"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File enables rotated file output in addition to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool `toml:"metrics_enabled"`
}

// Provider names.
const (
	ProviderIPAPI   = "ip-api"
	ProviderMaxMind = "maxmind"
	ProviderNone    = "none"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads config from path (TOML) and applies environment overrides (secrets).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return &c, c.validate()
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":5000"
	}
	if c.Limits.MaxBodySizeBytes == 0 {
		c.Limits.MaxBodySizeBytes = 1024 * 1024 // 1 MiB
	}
	if c.Limits.WebhookRequestsPerMinute == 0 {
		c.Limits.WebhookRequestsPerMinute = 600
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.Host == "" {
		c.Storage.Host = "localhost"
	}
	if c.Storage.Port == "" {
		c.Storage.Port = "5432"
	}
	if c.Storage.SSLMode == "" {
		c.Storage.SSLMode = "disable"
	}
	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = 16
	}
	if c.Storage.ConnectTimeoutSeconds == 0 {
		c.Storage.ConnectTimeoutSeconds = 30
	}
	if c.Enrichment.Enabled == nil {
		on := true
		c.Enrichment.Enabled = &on
	}
	if c.Enrichment.Provider == "" {
		c.Enrichment.Provider = ProviderIPAPI
	}
	if c.Enrichment.TimeoutSeconds == 0 {
		c.Enrichment.TimeoutSeconds = 5
	}
	if c.Enrichment.LookupsPerMinute == 0 {
		c.Enrichment.LookupsPerMinute = 45 // ip-api.com free tier
	}
	if c.Enrichment.Workers == 0 {
		c.Enrichment.Workers = 64
	}
	if c.Enrichment.BreakerFailures == 0 {
		c.Enrichment.BreakerFailures = 5
	}
	if c.Enrichment.BreakerOpenSeconds == 0 {
		c.Enrichment.BreakerOpenSeconds = 60
	}
	if c.Enrichment.WorkflowTimeoutSeconds == 0 {
		c.Enrichment.WorkflowTimeoutSeconds = 30
	}
	if c.Enrichment.DNS.CacheTTL == 0 {
		c.Enrichment.DNS.CacheTTL = 3600
	}
	if c.Enrichment.DNS.MaxQPS == 0 {
		c.Enrichment.DNS.MaxQPS = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Auth.Tokens == nil {
		c.Auth.Tokens = make(map[string]string)
	}
}

func (c *Config) applyEnv() error {
	// Tokens: SPOOR_NODE_<node_id>=<token> (node_id from env key, token from value)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "SPOOR_NODE_") {
			continue
		}
		key, val, _ := strings.Cut(e, "=")
		if val == "" {
			continue
		}
		nodeID := strings.TrimPrefix(key, "SPOOR_NODE_")
		nodeID = strings.ReplaceAll(nodeID, "_", "-") // allow env-friendly names
		c.Auth.Tokens[val] = nodeID
	}
	// Token file: lines of "token,node_id"
	if c.Auth.TokenFile != "" {
		data, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return fmt.Errorf("auth token_file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			token, nodeID, ok := strings.Cut(line, ",")
			if !ok {
				continue
			}
			token = strings.TrimSpace(token)
			nodeID = strings.TrimSpace(nodeID)
			if token != "" && nodeID != "" {
				c.Auth.Tokens[token] = nodeID
			}
		}
	}
	// Database connection from the same variables the postgres image uses
	for env, dst := range map[string]*string{
		"POSTGRES_HOST":     &c.Storage.Host,
		"POSTGRES_PORT":     &c.Storage.Port,
		"POSTGRES_DB":       &c.Storage.Database,
		"POSTGRES_USER":     &c.Storage.User,
		"POSTGRES_PASSWORD": &c.Storage.Password,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.TLS {
		if c.Server.CertFile == "" || c.Server.KeyFile == "" {
			return fmt.Errorf("server: tls enabled but cert_file or key_file missing")
		}
		if _, err := os.Stat(c.Server.CertFile); err != nil {
			return fmt.Errorf("server: cert_file %q not readable: %w", c.Server.CertFile, err)
		}
		if _, err := os.Stat(c.Server.KeyFile); err != nil {
			return fmt.Errorf("server: key_file %q not readable: %w", c.Server.KeyFile, err)
		}
	}
	// Tokens are optional; when present each node has exactly one
	seenNode := make(map[string]string)
	for token, nodeID := range c.Auth.Tokens {
		if prev, ok := seenNode[nodeID]; ok && prev != token {
			return fmt.Errorf("auth: node %q has multiple tokens", nodeID)
		}
		seenNode[nodeID] = token
	}
	if c.Limits.MaxBodySizeBytes < 0 {
		return fmt.Errorf("limits: max_body_size_bytes must be positive")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Database == "" || c.Storage.User == "" {
			return fmt.Errorf("storage: database and user required for driver=postgres (or POSTGRES_DB/POSTGRES_USER)")
		}
		if c.Storage.MaxConns < 1 {
			return fmt.Errorf("storage: max_conns must be at least 1")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	e := c.Enrichment
	switch e.Provider {
	case ProviderIPAPI, ProviderNone:
	case ProviderMaxMind:
		if *e.Enabled && e.GeoIPDBPath == "" && e.ASNDBPath == "" {
			return fmt.Errorf("enrichment: provider=maxmind needs geoip_db_path or asn_db_path")
		}
	default:
		return fmt.Errorf("enrichment: unknown provider %q", e.Provider)
	}
	if e.TimeoutSeconds < 0 || e.Workers < 0 || e.BreakerOpenSeconds < 0 || e.WorkflowTimeoutSeconds < 0 {
		return fmt.Errorf("enrichment: durations and workers must not be negative")
	}
	if e.WorkflowTimeoutSeconds < e.TimeoutSeconds {
		return fmt.Errorf("enrichment: workflow_timeout_seconds (%d) is shorter than timeout_seconds (%d)", e.WorkflowTimeoutSeconds, e.TimeoutSeconds)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

// LookupEnabled reports whether sources should be looked up at all.
func (c *Config) LookupEnabled() bool {
	return *c.Enrichment.Enabled && c.Enrichment.Provider != ProviderNone
}

// Timeout is the per-lookup HTTP timeout.
func (e EnrichmentConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// WorkflowTimeout bounds one enrichment workflow.
func (e EnrichmentConfig) WorkflowTimeout() time.Duration {
	return time.Duration(e.WorkflowTimeoutSeconds) * time.Second
}

// BreakerOpenFor is how long the circuit stays open after tripping.
func (e EnrichmentConfig) BreakerOpenFor() time.Duration {
	return time.Duration(e.BreakerOpenSeconds) * time.Second
}

// ConnectTimeout bounds the startup connection retries.
func (s StorageConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}
