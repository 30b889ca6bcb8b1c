// Package service implements the DPS node's state engine.
//
// Each service owns one slice of the shared registry:
//
//   - EndpointService: endpoint creation, versioned updates, migration and
//     the expiration queue for soft-deleted endpoints
//   - ResolutionService: parked lookups for unknown virtual IPs
//   - PolicyService: connectivity policies and their change notifications
//   - ClientHostService: DPS client liveness and heartbeat probing
//   - ReplicationTracker: peer acknowledgements gating client replies
//   - RetransmitHandler: resend and give-up for unacknowledged messages
//
// Engine composes them with one ticker per periodic subsystem. Socket IO and
// cluster membership are reached through the Transport and ClusterDatabase
// ports; callbacks into them never run under the global lock.
package service
