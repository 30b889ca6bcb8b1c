package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/infra/confloader"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.Server.HTTP.Addr, DefaultHTTPAddr)
	}
	if cfg.Server.DPS.Addr != "0.0.0.0:5000" {
		t.Errorf("DPS.Addr = %q, want 0.0.0.0:5000", cfg.Server.DPS.Addr)
	}
	if cfg.Cluster.Enabled {
		t.Error("Cluster should be disabled by default")
	}
	if cfg.Cluster.ReplicationFactor != 3 {
		t.Errorf("ReplicationFactor = %d, want 3", cfg.Cluster.ReplicationFactor)
	}
	if cfg.Engine.ExpirationTicks != 3 {
		t.Errorf("ExpirationTicks = %d, want 3", cfg.Engine.ExpirationTicks)
	}
	if cfg.Engine.HeartbeatInterval != time.Second {
		t.Errorf("HeartbeatInterval = %v, want 1s", cfg.Engine.HeartbeatInterval)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, DefaultLogLevel)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, DefaultLogFormat)
	}

	if err := Verify(cfg); err != nil {
		t.Errorf("default config should verify: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cfg := Default()
	cfg.Cluster.GossipKey = "c2VjcmV0LWtleS0xMjM0NTY3OA=="
	cfg.Cluster.Seeds = []string{"10.0.0.1:5344"}

	sanitized := Sanitize(cfg)

	if cfg.Cluster.GossipKey != "c2VjcmV0LWtleS0xMjM0NTY3OA==" {
		t.Error("Original config should not be modified")
	}
	if sanitized.Cluster.GossipKey == cfg.Cluster.GossipKey {
		t.Error("Sanitized config should mask the gossip key")
	}
	if len(sanitized.Cluster.GossipKey) != len(cfg.Cluster.GossipKey) {
		t.Errorf("Masked key length = %d, want %d", len(sanitized.Cluster.GossipKey), len(cfg.Cluster.GossipKey))
	}

	sanitized.Cluster.Seeds[0] = "changed"
	if cfg.Cluster.Seeds[0] != "10.0.0.1:5344" {
		t.Error("Sanitize should not share the seed slice")
	}
}

func TestSanitize_EmptyKey(t *testing.T) {
	sanitized := Sanitize(Default())
	if sanitized.Cluster.GossipKey != "" {
		t.Error("Empty key should remain empty")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a", "****"},
		{"abcd", "****"},
		{"abcde", "ab*de"},
		{"1234567890", "12******90"},
	}

	for _, tt := range tests {
		result := maskSecret(tt.input)
		if result != tt.expected {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestVerify_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   string
	}{
		{"http addr", func(c *ServerConfig) { c.Server.HTTP.Addr = "nope" }, "server.http.addr"},
		{"dps addr", func(c *ServerConfig) { c.Server.DPS.Addr = "localhost" }, "server.dps.addr"},
		{"same addr", func(c *ServerConfig) { c.Server.DPS.Addr = c.Server.HTTP.Addr }, "must differ"},
		{"replication factor low", func(c *ServerConfig) { c.Cluster.ReplicationFactor = 0 }, "replication_factor"},
		{"replication factor high", func(c *ServerConfig) { c.Cluster.ReplicationFactor = 8 }, "replication_factor"},
		{"gossip key", func(c *ServerConfig) { c.Cluster.GossipKey = "dG9vLXNob3J0" }, "gossip_key"},
		{"seed", func(c *ServerConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Seeds = []string{"10.0.0.1"}
		}, "cluster.seeds"},
		{"max endpoints", func(c *ServerConfig) { c.Engine.MaxEndpoints = 0 }, "engine.max_endpoints"},
		{"vips over waiters", func(c *ServerConfig) { c.Engine.ResolutionMaxVIPs = c.Engine.ResolutionMaxWaiters + 1 }, "resolution_max_vips"},
		{"interval", func(c *ServerConfig) { c.Engine.RetransmitInterval = 0 }, "engine.retransmit_interval"},
		{"probe rate", func(c *ServerConfig) { c.Heartbeat.ProbesPerSecond = 0 }, "heartbeat.probes_per_second"},
		{"frequency role", func(c *ServerConfig) {
			c.Heartbeat.Frequencies = map[string]time.Duration{"toaster": time.Second}
		}, "heartbeat.frequencies.toaster"},
		{"frequency value", func(c *ServerConfig) {
			c.Heartbeat.Frequencies = map[string]time.Duration{"controller": 0}
		}, "heartbeat.frequencies.controller"},
		{"log level", func(c *ServerConfig) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestVerify_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Cluster.ReplicationFactor = 0

	err := Verify(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log.level", "replication_factor"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dps.yaml")
	yaml := `
server:
  http:
    addr: 127.0.0.1:9080
cluster:
  enabled: true
  seeds:
    - 10.0.0.1:5344
    - 10.0.0.2:5344
engine:
  expiration_interval: 30s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DPS_HEARTBEAT__PROBES_PER_SECOND", "50")

	cfg := Default()
	loader := confloader.NewLoader(confloader.WithConfigFile(path))
	if err := loader.Load(cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTP.Addr != "127.0.0.1:9080" {
		t.Errorf("HTTP.Addr = %q", cfg.Server.HTTP.Addr)
	}
	if !cfg.Cluster.Enabled || len(cfg.Cluster.Seeds) != 2 {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if cfg.Engine.ExpirationInterval != 30*time.Second {
		t.Errorf("ExpirationInterval = %v", cfg.Engine.ExpirationInterval)
	}
	if cfg.Heartbeat.ProbesPerSecond != 50 {
		t.Errorf("ProbesPerSecond = %v", cfg.Heartbeat.ProbesPerSecond)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.DPS.Addr != "0.0.0.0:5000" {
		t.Errorf("DPS.Addr = %q", cfg.Server.DPS.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestToEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxEndpoints = 10
	cfg.Engine.ResolutionMaxWaiters = 20
	cfg.Heartbeat.ProbeBurst = 7
	metrics := metric.NewRegistry()

	ec := ToEngineConfig(cfg, nil, metrics)

	if ec.MaxEndpoints != 10 {
		t.Errorf("MaxEndpoints = %d", ec.MaxEndpoints)
	}
	if ec.Resolution.MaxWaiters != 20 {
		t.Errorf("Resolution.MaxWaiters = %d", ec.Resolution.MaxWaiters)
	}
	if ec.ProbeBurst != 7 {
		t.Errorf("ProbeBurst = %d", ec.ProbeBurst)
	}
	if ec.Clock == nil {
		t.Error("Clock should be set")
	}
	if ec.Metrics != metrics {
		t.Error("Metrics should be passed through")
	}
	if ec.HeartbeatFrequencies != nil {
		t.Errorf("HeartbeatFrequencies = %v, want nil without overrides", ec.HeartbeatFrequencies)
	}
}

func TestToEngineConfig_HeartbeatFrequencies(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.Frequencies = map[string]time.Duration{"dove_switch": 5 * time.Second}
	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify() = %v", err)
	}

	ec := ToEngineConfig(cfg, nil, metric.NewRegistry())
	if got := ec.HeartbeatFrequencies[domain.ClientDoveSwitch]; got != 5*time.Second {
		t.Errorf("dove_switch frequency = %v, want 5s", got)
	}
	if len(ec.HeartbeatFrequencies) != 1 {
		t.Errorf("HeartbeatFrequencies = %v, want only the override", ec.HeartbeatFrequencies)
	}
}
