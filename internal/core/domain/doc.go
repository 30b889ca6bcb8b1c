// Package domain defines the core domain models for the DPS node.
//
// Domain models are plain entities without IO dependencies. This package
// contains:
//
//   - Domain, DVG, TunnelEndpoint: the tenant topology the engine indexes into
//   - Endpoint: a virtual machine's identity, vIPs and version sequencing
//   - AddressResolution: per-domain waiters for unresolved virtual IPs
//   - Policy: versioned connectivity rules between DVGs
//   - ClientHost: heartbeat bookkeeping for remote DPS clients
//   - Errors: domain error codes and their wire status mapping
//
// None of the types lock. The registry's global mutex guards every
// Domain-reachable object; ClientHost is guarded by its owning map shard.
package domain
