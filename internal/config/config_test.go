package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leakwatch/internal/geo"
	"leakwatch/internal/natprobe"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	ApplyDefaults(&cfg)

	assert.Equal(t, natprobe.DefaultServers, cfg.Probe.STUNServers)
	if cfg.Probe.ProbeTimeout() != 15*time.Second {
		t.Fatalf("probe_timeout=%s", cfg.Probe.ProbeTimeout())
	}
	assert.Equal(t, SessionWebRTC, cfg.Probe.Session)
	require.Len(t, cfg.Geo.Providers, 3)
	assert.Equal(t, "ipapi.co", cfg.Geo.Providers[0].Name)
	assert.Equal(t, 3, cfg.Backend.MaxRetries)
	assert.Equal(t, time.Second, cfg.Backend.RetryBackoff())
	assert.Equal(t, "server", cfg.Orchestrator.Resolution)
	assert.Equal(t, "error", cfg.Orchestrator.NoLeakPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Agent.Intervals().RecheckInterval)
	require.NoError(t, Validate(cfg))
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Probe:   ProbeConfig{STUNServers: []string{"stun:stun.example.org:3478"}, ProbeTimeoutMs: 500},
		Geo:     GeoConfig{Providers: []ProviderConfig{{Name: geo.FormatIPInfo, URL: "https://ipinfo.io/{ip}/json"}}},
		Backend: BackendConfig{MaxRetries: 1},
	}
	ApplyDefaults(&cfg)

	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Probe.STUNServers)
	assert.Equal(t, 500*time.Millisecond, cfg.Probe.ProbeTimeout())
	assert.Equal(t, geo.FormatIPInfo, cfg.Geo.Providers[0].Format)
	assert.Equal(t, 1, cfg.Backend.MaxRetries)

	providers := cfg.Geo.GeoProviders()
	require.Len(t, providers, 1)
	assert.Equal(t, "https://ipinfo.io/{ip}/json", providers[0].Endpoint)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"session":    func(c *Config) { c.Probe.Session = "quic" },
		"format":     func(c *Config) { c.Geo.Providers[0].Format = "maxmind" },
		"url":        func(c *Config) { c.Backend.URL = "127.0.0.1:4943" },
		"retries":    func(c *Config) { c.Backend.MaxRetries = -1 },
		"backoff":    func(c *Config) { n := -1; c.Backend.RetryBackoffMs = &n },
		"resolution": func(c *Config) { c.Orchestrator.Resolution = "both" },
		"policy":     func(c *Config) { c.Orchestrator.NoLeakPolicy = "ignore" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSaveLoad_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "conf", "leakwatch.yaml")
	cfg := Default()
	cfg.Orchestrator.NoLeakPolicy = "secure"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_PartialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leakwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  url: https://visits.example.org\n  max_retries: 5\nlog:\n  format: json\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://visits.example.org", cfg.Backend.URL)
	assert.Equal(t, 5, cfg.Backend.MaxRetries)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ExplicitZeroDisablesCacheAndBackoff(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leakwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("geo:\n  cache_size: 0\nbackend:\n  retry_backoff_ms: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Geo.Cache())
	assert.Equal(t, time.Duration(0), cfg.Backend.RetryBackoff())
	require.NoError(t, Validate(cfg))

	defaults := Default()
	assert.Equal(t, geo.DefaultCacheSize, defaults.Geo.Cache())
	assert.Equal(t, time.Second, defaults.Backend.RetryBackoff())
}
