package config

import "time"

// ServerConfig is the root configuration for dps-server.
type ServerConfig struct {
	Server    ServerSection    `koanf:"server"`
	Cluster   ClusterSection   `koanf:"cluster"`
	Engine    EngineSection    `koanf:"engine"`
	Heartbeat HeartbeatSection `koanf:"heartbeat"`
	Log       LogSection       `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http"`
	DPS  DPSConfig  `koanf:"dps"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`

	// RateLimit is the per-IP request rate for /v1 routes (0 = unlimited).
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	AccessLog bool `koanf:"access_log"`
}

// DPSConfig configures the UDP listener for DPS clients.
type DPSConfig struct {
	Addr string `koanf:"addr"`
}

// ClusterSection configures cluster membership.
type ClusterSection struct {
	// Enabled turns on gossip. When false the node is a one node cluster
	// that owns every domain.
	Enabled bool `koanf:"enabled"`

	// NodeID is the unique identifier for this cluster node.
	// If empty, a random ID will be generated at startup.
	NodeID string `koanf:"node_id"`

	// GossipAddr is the Gossip TCP/UDP bind address (e.g., "192.168.1.10").
	GossipAddr string `koanf:"gossip_addr"`

	// GossipPort is the Gossip bind port (e.g., 5344).
	GossipPort int `koanf:"gossip_port"`

	// GossipKey is a base64 encoded 16, 24 or 32 byte key that encrypts
	// gossip traffic. Empty disables encryption.
	GossipKey string `koanf:"gossip_key"`

	// Seeds is the list of gossip addresses used to join an existing cluster.
	// Format: ["192.168.1.10:5344", "192.168.1.11:5344"]
	Seeds []string `koanf:"seeds"`

	// AdvertiseAddr is the DPS address announced to peers. Defaults to the
	// DPS listen address when that is not a wildcard.
	AdvertiseAddr string `koanf:"advertise_addr"`

	// ReplicationFactor is the number of nodes owning each domain (1-7).
	ReplicationFactor int `koanf:"replication_factor"`

	// VirtualNodes is the number of ring positions per node.
	VirtualNodes int `koanf:"virtual_nodes"`
}

// EngineSection configures engine limits and timer periods.
type EngineSection struct {
	MaxEndpoints int `koanf:"max_endpoints"`

	ResolutionMaxWaiters int `koanf:"resolution_max_waiters"`
	ResolutionMaxVIPs    int `koanf:"resolution_max_vips"`

	ExpirationQueueSize int `koanf:"expiration_queue_size"`
	ExpirationTicks     int `koanf:"expiration_ticks"`

	MaxReplicationRequests int `koanf:"max_replication_requests"`
	ReplicationExpiryTicks int `koanf:"replication_expiry_ticks"`

	MaxRetransmitEntries int `koanf:"max_retransmit_entries"`
	RetransmitAttempts   int `koanf:"retransmit_attempts"`

	ExpirationInterval  time.Duration `koanf:"expiration_interval"`
	ResolutionInterval  time.Duration `koanf:"resolution_interval"`
	ReplicationInterval time.Duration `koanf:"replication_interval"`
	RetransmitInterval  time.Duration `koanf:"retransmit_interval"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
}

// HeartbeatSection paces heartbeat probes. The probe rate can be changed
// at runtime; Frequencies applies at startup.
type HeartbeatSection struct {
	ProbesPerSecond float64 `koanf:"probes_per_second"`
	ProbeBurst      int     `koanf:"probe_burst"`

	// Frequencies overrides the probe interval per client role, keyed by
	// role name (dove_switch, external_gateway, vlan_gateway, controller).
	Frequencies map[string]time.Duration `koanf:"frequencies"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
