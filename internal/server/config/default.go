package config

import (
	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/server/clusterserver"
	"github.com/yndnr/dps-go/internal/server/dpsserver"
)

// Default configuration values.
const (
	DefaultHTTPAddr      = "127.0.0.1:5080"
	DefaultHTTPRateLimit = 1000
	DefaultGossipPort    = 5344

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	engine := service.DefaultConfig()
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:      DefaultHTTPAddr,
				RateLimit: DefaultHTTPRateLimit,
				AccessLog: true,
			},
			DPS: DPSConfig{
				Addr: dpsserver.DefaultListenAddr,
			},
		},
		Cluster: ClusterSection{
			GossipAddr:        "0.0.0.0",
			GossipPort:        DefaultGossipPort,
			ReplicationFactor: clusterserver.DefaultReplicationFactor,
			VirtualNodes:      clusterserver.DefaultVirtualNodeCount,
		},
		Engine: EngineSection{
			MaxEndpoints:           engine.MaxEndpoints,
			ResolutionMaxWaiters:   engine.Resolution.MaxWaiters,
			ResolutionMaxVIPs:      engine.Resolution.MaxVIPs,
			ExpirationQueueSize:    engine.ExpirationQueueSize,
			ExpirationTicks:        engine.ExpirationTicks,
			MaxReplicationRequests: engine.MaxReplicationRequests,
			ReplicationExpiryTicks: engine.ReplicationExpiryTicks,
			MaxRetransmitEntries:   engine.MaxRetransmitEntries,
			RetransmitAttempts:     engine.RetransmitAttempts,
			ExpirationInterval:     engine.ExpirationInterval,
			ResolutionInterval:     engine.ResolutionInterval,
			ReplicationInterval:    engine.ReplicationInterval,
			RetransmitInterval:     engine.RetransmitInterval,
			HeartbeatInterval:      engine.HeartbeatInterval,
		},
		Heartbeat: HeartbeatSection{
			ProbesPerSecond: engine.ProbesPerSecond,
			ProbeBurst:      engine.ProbeBurst,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
