package config

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// ToEngineConfig converts ServerConfig to service.Config on the wall clock.
// cfg must have passed Verify; invalid heartbeat frequencies are dropped.
func ToEngineConfig(cfg *ServerConfig, logger *slog.Logger, metrics *metric.Registry) service.Config {
	e := &cfg.Engine
	freqs, _ := heartbeatFrequencies(cfg.Heartbeat.Frequencies)
	return service.Config{
		MaxEndpoints: e.MaxEndpoints,
		Resolution: domain.ResolutionLimits{
			MaxWaiters: e.ResolutionMaxWaiters,
			MaxVIPs:    e.ResolutionMaxVIPs,
		},
		ExpirationQueueSize:    e.ExpirationQueueSize,
		ExpirationTicks:        e.ExpirationTicks,
		MaxReplicationRequests: e.MaxReplicationRequests,
		ReplicationExpiryTicks: e.ReplicationExpiryTicks,
		MaxRetransmitEntries:   e.MaxRetransmitEntries,
		RetransmitAttempts:     e.RetransmitAttempts,
		ProbesPerSecond:        cfg.Heartbeat.ProbesPerSecond,
		ProbeBurst:             cfg.Heartbeat.ProbeBurst,
		HeartbeatFrequencies:   freqs,
		ExpirationInterval:     e.ExpirationInterval,
		ResolutionInterval:     e.ResolutionInterval,
		ReplicationInterval:    e.ReplicationInterval,
		RetransmitInterval:     e.RetransmitInterval,
		HeartbeatInterval:      e.HeartbeatInterval,
		Clock:                  clock.New(),
		Logger:                 logger,
		Metrics:                metrics,
	}
}
