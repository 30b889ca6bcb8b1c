// Package dpsserver is the UDP transport between the engine and DPS
// clients.
//
// Datagrams are encoded in protobuf wire format (see codec.go). The
// server implements service.Transport for outbound messages. Inbound it
// reads acknowledgements, handing them to the retransmission scheduler and
// the replication tracker, applies endpoint updates forwarded by peer
// nodes, and refreshes the liveness of the sending client host.
package dpsserver
