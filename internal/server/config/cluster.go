package config

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/yndnr/dps-go/internal/server/clusterserver"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config.
//
// dpsAddr is the bound DPS listener address. It is advertised to peers
// unless cluster.advertise_addr overrides it; a wildcard listener without an
// override is rejected when gossip is enabled, since peers could not reach
// it.
func ToClusterConfig(cfg *ServerConfig, dpsAddr netip.AddrPort, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, fmt.Errorf("server config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = clusterserver.NewNodeID()
		logger.Info("generated cluster node ID", "node_id", nodeID)
	}

	advertise := dpsAddr
	if cfg.Cluster.AdvertiseAddr != "" {
		a, err := netip.ParseAddrPort(cfg.Cluster.AdvertiseAddr)
		if err != nil {
			return clusterserver.Config{}, fmt.Errorf("parse cluster.advertise_addr: %w", err)
		}
		advertise = a
	}
	if cfg.Cluster.Enabled && (!advertise.IsValid() || advertise.Addr().IsUnspecified()) {
		return clusterserver.Config{}, fmt.Errorf("cluster.advertise_addr is required when the DPS listener is %s", dpsAddr)
	}

	var key []byte
	if cfg.Cluster.GossipKey != "" {
		var err error
		if key, err = decodeGossipKey(cfg.Cluster.GossipKey); err != nil {
			return clusterserver.Config{}, err
		}
	}

	return clusterserver.Config{
		Enabled:           cfg.Cluster.Enabled,
		NodeID:            nodeID,
		GossipBindAddr:    cfg.Cluster.GossipAddr,
		GossipBindPort:    cfg.Cluster.GossipPort,
		SeedNodes:         cfg.Cluster.Seeds,
		DPSAddr:           advertise,
		GossipKey:         key,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		VirtualNodes:      cfg.Cluster.VirtualNodes,
		Logger:            logger,
	}, nil
}
