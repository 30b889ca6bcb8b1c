package handler

import (
	"net/http"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// withCluster writes 501 and returns false when membership is not
// configured.
func (h *Handler) withCluster(w http.ResponseWriter, r *http.Request) bool {
	if h.cluster == nil {
		h.writeError(w, r, http.StatusNotImplemented, "DPS-CLU-5010", "cluster membership not configured", nil)
		return false
	}
	return true
}

// handleCluster handles GET /v1/cluster.
func (h *Handler) handleCluster(w http.ResponseWriter, r *http.Request) {
	if !h.withCluster(w, r) {
		return
	}
	local := h.cluster.LocalNode()
	h.writeJSON(w, r, http.StatusOK, ClusterResponse{
		Local: NodeResponse{ID: local.ID, Addr: local.Addr.String()},
		Nodes: nodeResponses(h.cluster.Nodes()),
	})
}

// handleDomainCluster handles GET /v1/domains/{id}/cluster.
func (h *Handler) handleDomainCluster(w http.ResponseWriter, r *http.Request) {
	if !h.withCluster(w, r) {
		return
	}
	domainID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	owners, err := h.cluster.LiveNodesForDomain(domainID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, DomainClusterResponse{
		DomainID:   domainID,
		Owned:      h.cluster.OwnsDomain(domainID),
		Owners:     nodeResponses(owners),
		Forwarding: nodeResponses(h.cluster.ForwardingNodes(domainID)),
	})
}

// handleSetForwarding handles PUT /v1/domains/{id}/forwarding. The named
// live node keeps receiving the domain's updates until forwarding is
// cleared, and replicated writes to the domain are deferred meanwhile.
func (h *Handler) handleSetForwarding(w http.ResponseWriter, r *http.Request) {
	if !h.withCluster(w, r) {
		return
	}
	domainID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req ForwardingRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	for _, n := range h.cluster.Nodes() {
		if n.ID != req.NodeID {
			continue
		}
		h.cluster.SetForwarding(domainID, n)
		h.writeJSON(w, r, http.StatusOK, DomainClusterResponse{
			DomainID:   domainID,
			Owned:      h.cluster.OwnsDomain(domainID),
			Forwarding: nodeResponses(h.cluster.ForwardingNodes(domainID)),
		})
		return
	}
	h.handleServiceError(w, r, domain.ErrNodeNotFound.WithDetails(req.NodeID))
}

// handleClearForwarding handles DELETE /v1/domains/{id}/forwarding.
func (h *Handler) handleClearForwarding(w http.ResponseWriter, r *http.Request) {
	if !h.withCluster(w, r) {
		return
	}
	domainID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	h.cluster.ClearForwarding(domainID)
	h.writeJSON(w, r, http.StatusOK, DomainClusterResponse{
		DomainID: domainID,
		Owned:    h.cluster.OwnsDomain(domainID),
	})
}
