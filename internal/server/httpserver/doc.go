// Package httpserver provides the admin HTTP server of a DPS node.
//
// It uses the Go standard library net/http for implementation:
//
//   - Topology: /v1/domains, /v1/dvgs, /v1/tunnels
//   - Engine operations: /v1/endpoints, /v1/lookups, /v1/policies, /v1/hosts
//   - Cluster: /v1/cluster, /v1/domains/{id}/cluster, /v1/domains/{id}/forwarding
//   - Introspection: /v1/stats, /healthz, /readyz, /metrics
//
// Every route runs behind Recover, RequestID and Metrics; API routes are
// additionally rate limited per client IP.
package httpserver
