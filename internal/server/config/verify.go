package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/multierr"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/telemetry/logger"
)

// Replication factor bounds.
const (
	MinReplicationFactor = 1
	MaxReplicationFactor = 7
)

// Verify validates the configuration and reports every problem found.
func Verify(cfg *ServerConfig) error {
	return multierr.Combine(
		verifyServer(&cfg.Server),
		verifyCluster(&cfg.Cluster),
		verifyEngine(&cfg.Engine),
		verifyHeartbeat(&cfg.Heartbeat),
		verifyLog(&cfg.Log),
	)
}

func verifyServer(cfg *ServerSection) error {
	var err error
	if _, _, e := net.SplitHostPort(cfg.HTTP.Addr); e != nil {
		err = multierr.Append(err, fmt.Errorf("server.http.addr %q: %w", cfg.HTTP.Addr, e))
	}
	if cfg.HTTP.RateLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("server.http.rate_limit must not be negative"))
	}
	if _, e := netip.ParseAddrPort(cfg.DPS.Addr); e != nil {
		err = multierr.Append(err, fmt.Errorf("server.dps.addr %q: %w", cfg.DPS.Addr, e))
	}
	if cfg.HTTP.Addr != "" && cfg.HTTP.Addr == cfg.DPS.Addr {
		err = multierr.Append(err, fmt.Errorf("server.http.addr and server.dps.addr must differ"))
	}
	return err
}

func verifyCluster(cfg *ClusterSection) error {
	var err error
	if cfg.ReplicationFactor < MinReplicationFactor || cfg.ReplicationFactor > MaxReplicationFactor {
		err = multierr.Append(err, fmt.Errorf("cluster.replication_factor must be between %d and %d, got %d",
			MinReplicationFactor, MaxReplicationFactor, cfg.ReplicationFactor))
	}
	if cfg.VirtualNodes < 0 {
		err = multierr.Append(err, fmt.Errorf("cluster.virtual_nodes must not be negative"))
	}
	if cfg.AdvertiseAddr != "" {
		if _, e := netip.ParseAddrPort(cfg.AdvertiseAddr); e != nil {
			err = multierr.Append(err, fmt.Errorf("cluster.advertise_addr %q: %w", cfg.AdvertiseAddr, e))
		}
	}
	if cfg.GossipKey != "" {
		if _, e := decodeGossipKey(cfg.GossipKey); e != nil {
			err = multierr.Append(err, e)
		}
	}
	if !cfg.Enabled {
		return err
	}
	if cfg.GossipPort < 0 || cfg.GossipPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("cluster.gossip_port %d out of range", cfg.GossipPort))
	}
	for _, seed := range cfg.Seeds {
		if _, _, e := net.SplitHostPort(seed); e != nil {
			err = multierr.Append(err, fmt.Errorf("cluster.seeds %q: %w", seed, e))
		}
	}
	return err
}

func verifyEngine(cfg *EngineSection) error {
	var err error
	for _, f := range []struct {
		key string
		val int
	}{
		{"engine.max_endpoints", cfg.MaxEndpoints},
		{"engine.resolution_max_waiters", cfg.ResolutionMaxWaiters},
		{"engine.resolution_max_vips", cfg.ResolutionMaxVIPs},
		{"engine.expiration_queue_size", cfg.ExpirationQueueSize},
		{"engine.expiration_ticks", cfg.ExpirationTicks},
		{"engine.max_replication_requests", cfg.MaxReplicationRequests},
		{"engine.replication_expiry_ticks", cfg.ReplicationExpiryTicks},
		{"engine.max_retransmit_entries", cfg.MaxRetransmitEntries},
		{"engine.retransmit_attempts", cfg.RetransmitAttempts},
	} {
		if f.val <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", f.key))
		}
	}
	if cfg.ResolutionMaxVIPs > cfg.ResolutionMaxWaiters {
		err = multierr.Append(err, fmt.Errorf("engine.resolution_max_vips must not exceed engine.resolution_max_waiters"))
	}
	for _, f := range []struct {
		key string
		val time.Duration
	}{
		{"engine.expiration_interval", cfg.ExpirationInterval},
		{"engine.resolution_interval", cfg.ResolutionInterval},
		{"engine.replication_interval", cfg.ReplicationInterval},
		{"engine.retransmit_interval", cfg.RetransmitInterval},
		{"engine.heartbeat_interval", cfg.HeartbeatInterval},
	} {
		if f.val <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", f.key))
		}
	}
	return err
}

func verifyHeartbeat(cfg *HeartbeatSection) error {
	var err error
	if cfg.ProbesPerSecond <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat.probes_per_second must be positive"))
	}
	if cfg.ProbeBurst <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat.probe_burst must be positive"))
	}
	if _, e := heartbeatFrequencies(cfg.Frequencies); e != nil {
		err = multierr.Append(err, e)
	}
	return err
}

// heartbeatFrequencies converts the role-name keyed table.
func heartbeatFrequencies(raw map[string]time.Duration) (domain.HeartbeatFrequencies, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(domain.HeartbeatFrequencies, len(raw))
	var err error
	for name, d := range raw {
		role, e := domain.ParseClientType(name)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("heartbeat.frequencies.%s: unknown role", name))
			continue
		}
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("heartbeat.frequencies.%s must be positive", name))
			continue
		}
		out[role] = d
	}
	return out, err
}

func verifyLog(cfg *LogSection) error {
	var err error
	if _, e := logger.ParseLevel(cfg.Level); e != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", e))
	}
	switch cfg.Format {
	case "", "json", "text":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q must be json or text", cfg.Format))
	}
	return err
}

func decodeGossipKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cluster.gossip_key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("cluster.gossip_key must decode to 16, 24 or 32 bytes, got %d", len(key))
}
