package handler

import (
	"time"

	"github.com/yndnr/dps-go/internal/core/service"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// DomainRequest is the request body for POST /v1/domains.
type DomainRequest struct {
	ID uint32 `json:"id"`
}

// DVGRequest is the request body for POST /v1/dvgs.
type DVGRequest struct {
	DomainID uint32 `json:"domain_id"`
	VNID     uint32 `json:"vnid"`
}

// TunnelRequest is the request body for POST /v1/tunnels.
type TunnelRequest struct {
	VNID       uint32   `json:"vnid"`
	IPs        []string `json:"ips"`
	Port       uint16   `json:"port"`
	ClientType string   `json:"client_type"`
}

// EndpointUpdateRequest is the request body for POST /v1/endpoints.
type EndpointUpdateRequest struct {
	VNID        uint32   `json:"vnid"`
	MAC         string   `json:"mac"`
	TunnelIPs   []string `json:"tunnel_ips"`
	TunnelPort  uint16   `json:"tunnel_port"`
	ClientType  string   `json:"client_type"`
	Transaction string   `json:"transaction,omitempty"`
	Version     uint64   `json:"version"`
	Operation   string   `json:"operation"`
	VIP         string   `json:"vip,omitempty"`
}

// VmotionRequest is the request body for POST /v1/endpoints/vmotion.
type VmotionRequest struct {
	VNID       uint32   `json:"vnid"`
	MAC        string   `json:"mac"`
	TunnelIPs  []string `json:"tunnel_ips"`
	TunnelPort uint16   `json:"tunnel_port"`
	ClientType string   `json:"client_type"`
	VIP        string   `json:"vip,omitempty"`
}

// ResolutionResponse is the response body for
// GET /v1/domains/{id}/resolution.
type ResolutionResponse struct {
	DomainID uint32 `json:"domain_id"`
	Waiters  int    `json:"waiters"`
	VIPs     int    `json:"vips"`
}

// LookupRequest is the request body for POST /v1/lookups.
type LookupRequest struct {
	Client string `json:"client"`
	VNID   uint32 `json:"vnid"`
	VIP    string `json:"vip"`
}

// LookupResponse is the response body for POST /v1/lookups. Endpoint is
// nil while the client waits for the address to register.
type LookupResponse struct {
	Found    bool                  `json:"found"`
	Endpoint *service.EndpointInfo `json:"endpoint,omitempty"`
}

// PolicyRequest is the request body for POST /v1/policies.
type PolicyRequest struct {
	DomainID uint32 `json:"domain_id"`
	Traffic  string `json:"traffic,omitempty"`
	Type     uint8  `json:"type,omitempty"`
	SrcVNID  uint32 `json:"src_vnid"`
	DstVNID  uint32 `json:"dst_vnid"`
	TTL      uint32 `json:"ttl"`
	// Action is either "forward" or "drop". Raw carries a full action blob
	// and takes precedence.
	Action string `json:"action,omitempty"`
	Raw    []byte `json:"raw,omitempty"`
}

// HostRequest is the request body for POST /v1/hosts.
type HostRequest struct {
	DomainID uint32 `json:"domain_id"`
	Addr     string `json:"addr"`
	Role     string `json:"role"`
}

// NodeResponse is one cluster member.
type NodeResponse struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// ClusterResponse is the response body for GET /v1/cluster.
type ClusterResponse struct {
	Local NodeResponse   `json:"local"`
	Nodes []NodeResponse `json:"nodes"`
}

// DomainClusterResponse is the response body for
// GET /v1/domains/{id}/cluster.
type DomainClusterResponse struct {
	DomainID   uint32         `json:"domain_id"`
	Owned      bool           `json:"owned"`
	Owners     []NodeResponse `json:"owners"`
	Forwarding []NodeResponse `json:"forwarding"`
}

// ForwardingRequest is the request body for
// PUT /v1/domains/{id}/forwarding.
type ForwardingRequest struct {
	NodeID string `json:"node_id"`
}

func nodeResponses(nodes []service.NodeLocation) []NodeResponse {
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeResponse{ID: n.ID, Addr: n.Addr.String()})
	}
	return out
}
