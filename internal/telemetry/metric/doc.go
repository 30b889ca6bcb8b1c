// Package metric provides Prometheus metrics for the DPS node.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: the engine's collectors and the /metrics handler
//
// Metrics include:
//
//   - Endpoint, waiter, client host and in-flight request gauges
//   - Version conflict, expiration and retransmission counters
//   - Transport datagram and admin API request counters
//   - Accounting anomaly counters
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
