// Package main provides the entry point for dps-server.
//
// dps-server runs one node of the distributed directory service:
//
//   - UDP listener for DPS clients (switches, gateways)
//   - HTTP API for topology, endpoints, policies and probes
//   - Gossip membership for multi-node deployments
//
// Usage:
//
//	dps-server [--config /path/to/config.yaml] [--log-level debug]
//	dps-server config check --config /path/to/config.yaml
//	dps-server version
//
// The configuration file is watched; log level and heartbeat probe rate
// are applied without a restart.
package main
