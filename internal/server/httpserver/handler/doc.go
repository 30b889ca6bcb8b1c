// Package handler provides HTTP request handlers for the DPS admin API.
//
// Handlers decode a JSON body, call the engine and write the standard
// Response envelope:
//
//   - topology.go: domains, DVGs and tunnel (un)registration
//   - endpoint.go: replicated endpoint updates, vMotion, deletes, reads,
//     address lookups and pending resolution counts
//   - policy.go: policy add, update, read and delete
//   - host.go: client host registration, reads, role and domain removal
//   - cluster.go: membership, domain ownership and forwarding
//   - health.go: health, readiness and engine statistics
//
// Domain errors are mapped to HTTP status codes by the numeric suffix of
// their code; transient failures are reported as 503 with Retry-After.
package handler
