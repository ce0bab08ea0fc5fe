package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"leakwatch/internal/agent"
	"leakwatch/internal/devbackend"
	"leakwatch/internal/geo"
	"leakwatch/internal/natprobe"
	"leakwatch/internal/remote"
	"leakwatch/internal/visit"
)

const (
	SessionWebRTC = "webrtc"
	SessionSTUN   = "stun"

	DefaultSession        = SessionWebRTC
	DefaultBackendURL     = "http://" + devbackend.DefaultListen
	DefaultBackendTimeout = 10000
	DefaultCacheTTLSec    = 600
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config holds every leakwatch setting.
type Config struct {
	Probe        ProbeConfig        `yaml:"probe"`
	Geo          GeoConfig          `yaml:"geo"`
	Backend      BackendConfig      `yaml:"backend"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	DevBackend   DevBackendConfig   `yaml:"dev_backend"`
	Log          LogConfig          `yaml:"log"`
}

type ProbeConfig struct {
	STUNServers    []string `yaml:"stun_servers"`
	ProbeTimeoutMs int      `yaml:"probe_timeout_ms"`
	// Session selects the candidate source: webrtc or stun.
	Session string `yaml:"session"`
}

type ProviderConfig struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	Format        string `yaml:"format"`
	TimeoutMs     int    `yaml:"timeout_ms,omitempty"`
	RatePerMinute int    `yaml:"rate_per_minute,omitempty"`
}

type GeoConfig struct {
	Providers   []ProviderConfig `yaml:"providers"`
	// CacheSize is the number of cached lookups. An explicit 0 disables the
	// cache; leaving it out selects the default.
	CacheSize   *int             `yaml:"cache_size"`
	CacheTTLSec int              `yaml:"cache_ttl_sec"`
}

type BackendConfig struct {
	URL        string `yaml:"url"`
	Local      bool   `yaml:"local"`
	CanisterID string `yaml:"canister_id,omitempty"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	// MaxRetries is the total attempt budget for idempotent reads.
	MaxRetries     int  `yaml:"max_retries"`
	// RetryBackoffMs is the wait between read attempts. An explicit 0 retries
	// without waiting.
	RetryBackoffMs *int `yaml:"retry_backoff_ms"`
}

type OrchestratorConfig struct {
	Resolution   string `yaml:"resolution"`
	NoLeakPolicy string `yaml:"no_leak_policy"`
}

type AgentConfig struct {
	RecheckIntervalSec int    `yaml:"recheck_interval_sec"`
	RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
	HealthIntervalSec  int    `yaml:"health_interval_sec"`
	HealthFailures     int    `yaml:"health_failures"`
	RecentCount        int    `yaml:"recent_count"`
	ExportPath         string `yaml:"export_path,omitempty"`
	StatePath          string `yaml:"state_path,omitempty"`
	MetricsListen      string `yaml:"metrics_listen,omitempty"`
}

type DevBackendConfig struct {
	Listen   string `yaml:"listen"`
	Capacity int    `yaml:"capacity"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values ApplyDefaults cannot repair.
func Validate(cfg Config) error {
	switch cfg.Probe.Session {
	case SessionWebRTC, SessionSTUN:
	default:
		return fmt.Errorf("probe.session must be %s or %s, got %q", SessionWebRTC, SessionSTUN, cfg.Probe.Session)
	}
	if len(cfg.Probe.STUNServers) == 0 {
		return fmt.Errorf("probe.stun_servers must not be empty")
	}
	if cfg.Probe.ProbeTimeoutMs <= 0 {
		return fmt.Errorf("probe.probe_timeout_ms must be positive")
	}
	for i, p := range cfg.Geo.Providers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("geo.providers[%d]: name and url are required", i)
		}
		if _, ok := geo.Adapters[p.Format]; !ok {
			return fmt.Errorf("geo.providers[%d]: unknown format %q", i, p.Format)
		}
	}
	if u, err := url.Parse(cfg.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.url must be an absolute URL, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.MaxRetries < 1 {
		return fmt.Errorf("backend.max_retries must be at least 1")
	}
	if cfg.Backend.RetryBackoffMs != nil && *cfg.Backend.RetryBackoffMs < 0 {
		return fmt.Errorf("backend.retry_backoff_ms must not be negative")
	}
	switch visit.Resolution(cfg.Orchestrator.Resolution) {
	case visit.ResolutionServer, visit.ResolutionClient:
	default:
		return fmt.Errorf("orchestrator.resolution must be server or client, got %q", cfg.Orchestrator.Resolution)
	}
	switch visit.NoLeakPolicy(cfg.Orchestrator.NoLeakPolicy) {
	case visit.PolicyError, visit.PolicySecure:
	default:
		return fmt.Errorf("orchestrator.no_leak_policy must be error or secure, got %q", cfg.Orchestrator.NoLeakPolicy)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Probe.STUNServers) == 0 {
		cfg.Probe.STUNServers = append([]string(nil), natprobe.DefaultServers...)
	}
	if cfg.Probe.ProbeTimeoutMs == 0 {
		cfg.Probe.ProbeTimeoutMs = int(natprobe.DefaultTimeout / time.Millisecond)
	}
	if cfg.Probe.Session == "" {
		cfg.Probe.Session = DefaultSession
	}

	if len(cfg.Geo.Providers) == 0 {
		for _, p := range geo.DefaultProviders() {
			cfg.Geo.Providers = append(cfg.Geo.Providers, ProviderConfig{
				Name:      p.Name,
				URL:       p.Endpoint,
				Format:    p.Format,
				TimeoutMs: int(p.Timeout / time.Millisecond),
			})
		}
	}
	for i := range cfg.Geo.Providers {
		if cfg.Geo.Providers[i].Format == "" {
			cfg.Geo.Providers[i].Format = cfg.Geo.Providers[i].Name
		}
	}
	if cfg.Geo.CacheSize == nil {
		cfg.Geo.CacheSize = intPtr(geo.DefaultCacheSize)
	}
	if cfg.Geo.CacheTTLSec == 0 {
		cfg.Geo.CacheTTLSec = DefaultCacheTTLSec
	}

	if cfg.Backend.URL == "" {
		cfg.Backend.URL = DefaultBackendURL
	}
	if cfg.Backend.TimeoutMs == 0 {
		cfg.Backend.TimeoutMs = DefaultBackendTimeout
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = remote.DefaultMaxRetries
	}
	if cfg.Backend.RetryBackoffMs == nil {
		cfg.Backend.RetryBackoffMs = intPtr(int(remote.DefaultBackoff / time.Millisecond))
	}

	if cfg.Orchestrator.Resolution == "" {
		cfg.Orchestrator.Resolution = string(visit.ResolutionServer)
	}
	if cfg.Orchestrator.NoLeakPolicy == "" {
		cfg.Orchestrator.NoLeakPolicy = string(visit.PolicyError)
	}

	if cfg.Agent.RecheckIntervalSec == 0 {
		cfg.Agent.RecheckIntervalSec = int(agent.DefaultRecheckInterval / time.Second)
	}
	if cfg.Agent.RefreshIntervalSec == 0 {
		cfg.Agent.RefreshIntervalSec = int(agent.DefaultRefreshInterval / time.Second)
	}
	if cfg.Agent.HealthIntervalSec == 0 {
		cfg.Agent.HealthIntervalSec = int(agent.DefaultHealthInterval / time.Second)
	}
	if cfg.Agent.HealthFailures == 0 {
		cfg.Agent.HealthFailures = agent.DefaultHealthFailures
	}
	if cfg.Agent.RecentCount == 0 {
		cfg.Agent.RecentCount = agent.DefaultRecentCount
	}

	if cfg.DevBackend.Listen == "" {
		cfg.DevBackend.Listen = devbackend.DefaultListen
	}
	if cfg.DevBackend.Capacity == 0 {
		cfg.DevBackend.Capacity = devbackend.DefaultCapacity
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// ProbeTimeout returns probe.probe_timeout_ms as a duration.
func (c ProbeConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// GeoProviders converts the configured providers in priority order.
func (c GeoConfig) GeoProviders() []geo.Provider {
	out := make([]geo.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, geo.Provider{
			Name:          p.Name,
			Endpoint:      p.URL,
			Format:        p.Format,
			Timeout:       time.Duration(p.TimeoutMs) * time.Millisecond,
			RatePerMinute: p.RatePerMinute,
		})
	}
	return out
}

// Cache returns the configured cache size, or the default when unset.
func (c GeoConfig) Cache() int {
	if c.CacheSize == nil {
		return geo.DefaultCacheSize
	}
	return *c.CacheSize
}

func (c GeoConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c BackendConfig) RetryBackoff() time.Duration {
	if c.RetryBackoffMs == nil {
		return remote.DefaultBackoff
	}
	return time.Duration(*c.RetryBackoffMs) * time.Millisecond
}

func intPtr(n int) *int { return &n }

// Intervals converts the agent section for agent.New.
func (c AgentConfig) Intervals() agent.Config {
	return agent.Config{
		RecheckInterval: time.Duration(c.RecheckIntervalSec) * time.Second,
		RefreshInterval: time.Duration(c.RefreshIntervalSec) * time.Second,
		HealthInterval:  time.Duration(c.HealthIntervalSec) * time.Second,
		HealthFailures:  c.HealthFailures,
		RecentCount:     c.RecentCount,
		ExportPath:      c.ExportPath,
		StatePath:       c.StatePath,
	}
}
