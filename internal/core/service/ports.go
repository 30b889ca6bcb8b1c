package service

import (
	"context"
	"net/netip"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// Message is an outbound datagram the engine may resend or reply with.
type Message struct {
	Dest    netip.AddrPort
	QueryID uint32
	Payload []byte

	// Complete, when set, receives the final status of a buffered reply
	// in place of a datagram. Used by callers that wait in process.
	Complete func(domain.Status)
}

// LocationReply tells a client where an endpoint lives.
type LocationReply struct {
	Dest       netip.AddrPort
	VNID       uint32
	Version    uint64
	PhysicalV4 []netip.Addr
	PhysicalV6 []netip.Addr
	MAC        domain.MAC
	VIP        netip.Addr
}

// PolicyNotice announces a new or changed policy to a tunnel.
type PolicyNotice struct {
	DomainID     uint32
	Traffic      domain.TrafficType
	SrcVNID      uint32
	DstVNID      uint32
	TTL          uint32
	Version      uint32
	Connectivity domain.Connectivity
	Action       []byte
}

// Transport performs socket IO on behalf of the engine. Implementations
// must not call back into the engine synchronously.
type Transport interface {
	SendEndpointLocationReply(ctx context.Context, reply LocationReply) error
	SendHeartbeat(ctx context.Context, dest netip.AddrPort, vnid, queryID uint32) error
	SendPolicyUpdate(ctx context.Context, dest netip.AddrPort, notice PolicyNotice) error
	SendGatewayUpdate(ctx context.Context, dest netip.AddrPort, vnid uint32, gateways []netip.Addr) error
	// SendEndpointReplication forwards an applied endpoint update to a
	// peer, which answers with a replication acknowledgement for queryID.
	SendEndpointReplication(ctx context.Context, dest netip.AddrPort, queryID uint32, update *EndpointUpdate) error

	// RetransmitData resends a message that has not been acknowledged.
	RetransmitData(msg *Message)
	// RetransmitTimeout reports a message that ran out of attempts.
	RetransmitTimeout(msg *Message)
	// SendMessageAndFree delivers a buffered client reply. It is called
	// exactly once per reply.
	SendMessageAndFree(msg *Message, status domain.Status)
}

// NodeLocation is where a cluster peer accepts DPS traffic.
type NodeLocation struct {
	ID   string
	Addr netip.AddrPort
}

// ClusterDatabase answers membership questions for replication fan-out.
type ClusterDatabase interface {
	// LiveNodesForDomain lists reachable nodes that own the domain.
	LiveNodesForDomain(domainID uint32) ([]NodeLocation, error)
	// ForwardingNodes lists nodes still receiving forwarded updates after a
	// mass transfer of the domain.
	ForwardingNodes(domainID uint32) []NodeLocation
	// LocalNode returns this node's location.
	LocalNode() NodeLocation
}
