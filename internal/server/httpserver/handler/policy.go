package handler

import (
	"net/http"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
)

// handleAddPolicy handles POST /v1/policies. An existing policy for the
// same pair is updated.
func (h *Handler) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePolicy(w, r)
	if !ok {
		return
	}
	info, err := h.engine.Policies.Add(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleUpdatePolicy handles PUT /v1/policies. Unlike POST, the policy
// must already exist.
func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePolicy(w, r)
	if !ok {
		return
	}
	info, err := h.engine.Policies.Update(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleGetPolicy handles GET /v1/policies?domain_id=&src_vnid=&dst_vnid=&traffic=.
func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	key, ok := h.policyKey(w, r)
	if !ok {
		return
	}
	info, err := h.engine.Policies.Get(r.Context(), key.domainID, key.traffic, key.src, key.dst)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleDeletePolicy handles DELETE /v1/policies?domain_id=&src_vnid=&dst_vnid=&traffic=.
func (h *Handler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	key, ok := h.policyKey(w, r)
	if !ok {
		return
	}
	if err := h.engine.Policies.Delete(r.Context(), key.domainID, key.traffic, key.src, key.dst); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"domain_id": key.domainID,
		"traffic":   key.traffic.String(),
		"src_vnid":  key.src,
		"dst_vnid":  key.dst,
	})
}

type policyKey struct {
	domainID uint32
	traffic  domain.TrafficType
	src, dst uint32
}

func (h *Handler) policyKey(w http.ResponseWriter, r *http.Request) (policyKey, bool) {
	var ids [3]uint32
	for i, name := range []string{"domain_id", "src_vnid", "dst_vnid"} {
		v, ok := h.queryID(w, r, name)
		if !ok {
			return policyKey{}, false
		}
		ids[i] = v
	}
	traffic, err := domain.ParseTrafficType(r.URL.Query().Get("traffic"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return policyKey{}, false
	}
	return policyKey{domainID: ids[0], traffic: traffic, src: ids[1], dst: ids[2]}, true
}

func (h *Handler) decodePolicy(w http.ResponseWriter, r *http.Request) (*service.PolicyRequest, bool) {
	var req PolicyRequest
	if !h.decodeJSON(w, r, &req) {
		return nil, false
	}
	traffic, err := domain.ParseTrafficType(req.Traffic)
	if err != nil {
		h.handleServiceError(w, r, err)
		return nil, false
	}
	typ := domain.PolicyType(req.Type)
	if typ == 0 {
		typ = domain.PolicyConnectivity
	}

	action := req.Raw
	if len(action) == 0 {
		switch req.Action {
		case "forward", "allow":
			action = domain.EncodeAction(domain.ActionForward)
		case "drop", "deny":
			action = domain.EncodeAction(domain.ActionDrop)
		default:
			h.handleServiceError(w, r, domain.ErrInvalidPolicyAction.WithDetails("action "+req.Action))
			return nil, false
		}
	}

	return &service.PolicyRequest{
		DomainID: req.DomainID,
		Traffic:  traffic,
		Type:     typ,
		SrcVNID:  req.SrcVNID,
		DstVNID:  req.DstVNID,
		TTL:      req.TTL,
		Action:   action,
	}, true
}
