package handler

import (
	"net/http"
	"net/netip"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
)

// handleEndpointUpdate handles POST /v1/endpoints. The response is held
// until every peer owning the domain has applied the update.
func (h *Handler) handleEndpointUpdate(w http.ResponseWriter, r *http.Request) {
	var req EndpointUpdateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	upd, err := req.toService()
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	info, err := h.engine.UpdateEndpoint(r.Context(), upd)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleVmotion handles POST /v1/endpoints/vmotion.
func (h *Handler) handleVmotion(w http.ResponseWriter, r *http.Request) {
	var req VmotionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	mac, err := domain.ParseMAC(req.MAC)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	ips, err := parseAddrs(req.TunnelIPs)
	if err != nil {
		h.badRequest(w, r, "invalid tunnel ip: %v", err)
		return
	}
	if len(ips) == 0 {
		h.badRequest(w, r, "at least one tunnel ip is required")
		return
	}
	ct := domain.ClientDoveSwitch
	if req.ClientType != "" {
		if ct, err = domain.ParseClientType(req.ClientType); err != nil {
			h.handleServiceError(w, r, err)
			return
		}
	}
	mv := &service.VmotionRequest{
		VNID:       req.VNID,
		MAC:        mac,
		TunnelIPs:  ips,
		TunnelPort: req.TunnelPort,
		ClientType: ct,
	}
	if req.VIP != "" {
		vip, err := netip.ParseAddr(req.VIP)
		if err != nil {
			h.badRequest(w, r, "invalid vip %q", req.VIP)
			return
		}
		mv.VIP = vip.Unmap()
	}

	info, err := h.engine.Endpoints.Vmotion(r.Context(), mv)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleDeleteEndpoint handles DELETE /v1/dvgs/{vnid}/endpoints/{mac}.
// Deleting an unknown endpoint succeeds.
func (h *Handler) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	vnid, ok := h.pathID(w, r, "vnid")
	if !ok {
		return
	}
	mac, err := domain.ParseMAC(r.PathValue("mac"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if err := h.engine.Endpoints.Delete(r.Context(), vnid, mac); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"vnid": vnid, "mac": mac.String()})
}

// handleGetEndpoint handles GET /v1/domains/{id}/endpoints/{mac}.
func (h *Handler) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	domainID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	mac, err := domain.ParseMAC(r.PathValue("mac"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	info, err := h.engine.Endpoints.Get(r.Context(), domainID, mac)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleLookup handles POST /v1/lookups. An unknown address parks the
// client, which is answered over DPS once the address registers.
func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	client, err := netip.ParseAddrPort(req.Client)
	if err != nil {
		h.badRequest(w, r, "invalid client address %q", req.Client)
		return
	}
	vip, err := netip.ParseAddr(req.VIP)
	if err != nil {
		h.badRequest(w, r, "invalid vip %q", req.VIP)
		return
	}

	info, found, err := h.engine.Resolution.Lookup(r.Context(), client, req.VNID, vip.Unmap())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp := LookupResponse{Found: found}
	if found {
		resp.Endpoint = &info
		h.writeJSON(w, r, http.StatusOK, resp)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, resp)
}

// handleResolutionPending handles GET /v1/domains/{id}/resolution.
func (h *Handler) handleResolutionPending(w http.ResponseWriter, r *http.Request) {
	domainID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	waiters, vips, err := h.engine.Resolution.Pending(domainID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ResolutionResponse{DomainID: domainID, Waiters: waiters, VIPs: vips})
}

func (req *EndpointUpdateRequest) toService() (*service.EndpointUpdate, error) {
	mac, err := domain.ParseMAC(req.MAC)
	if err != nil {
		return nil, err
	}
	op, err := domain.ParseOperation(req.Operation)
	if err != nil {
		return nil, err
	}
	tx, err := domain.ParseTransactionType(req.Transaction)
	if err != nil {
		return nil, err
	}
	ct := domain.ClientDoveSwitch
	if req.ClientType != "" {
		if ct, err = domain.ParseClientType(req.ClientType); err != nil {
			return nil, err
		}
	}
	ips, err := parseAddrs(req.TunnelIPs)
	if err != nil {
		return nil, domain.ErrInvalidArgument.WithDetails("invalid tunnel ip").WithCause(err)
	}

	upd := &service.EndpointUpdate{
		VNID:        req.VNID,
		MAC:         mac,
		TunnelIPs:   ips,
		TunnelPort:  req.TunnelPort,
		ClientType:  ct,
		Transaction: tx,
		Version:     req.Version,
		Operation:   op,
	}
	if req.VIP != "" {
		vip, err := netip.ParseAddr(req.VIP)
		if err != nil {
			return nil, domain.ErrInvalidArgument.WithDetails("invalid vip " + req.VIP)
		}
		upd.VIP = vip.Unmap()
	}
	return upd, nil
}
