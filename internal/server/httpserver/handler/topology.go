package handler

import (
	"net/http"
	"net/netip"
	"strconv"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// handleAddDomain handles POST /v1/domains.
func (h *Handler) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.AddDomain(r.Context(), req.ID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, req)
}

// handleRemoveDomain handles DELETE /v1/domains/{id}.
func (h *Handler) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.RemoveDomain(r.Context(), id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, DomainRequest{ID: id})
}

// handleAddDVG handles POST /v1/dvgs.
func (h *Handler) handleAddDVG(w http.ResponseWriter, r *http.Request) {
	var req DVGRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.AddDVG(r.Context(), req.DomainID, req.VNID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, req)
}

// handleRemoveDVG handles DELETE /v1/dvgs/{vnid}.
func (h *Handler) handleRemoveDVG(w http.ResponseWriter, r *http.Request) {
	vnid, ok := h.pathID(w, r, "vnid")
	if !ok {
		return
	}
	if err := h.engine.RemoveDVG(r.Context(), vnid); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]uint32{"vnid": vnid})
}

// handleRegisterTunnel handles POST /v1/tunnels.
func (h *Handler) handleRegisterTunnel(w http.ResponseWriter, r *http.Request) {
	var req TunnelRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ips, err := parseAddrs(req.IPs)
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
	if err := h.engine.RegisterTunnel(r.Context(), req.VNID, ips, req.Port, ct); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, req)
}

// handleUnregisterTunnel handles DELETE /v1/tunnels?domain_id=&ip=.
func (h *Handler) handleUnregisterTunnel(w http.ResponseWriter, r *http.Request) {
	domainID, ok := h.queryID(w, r, "domain_id")
	if !ok {
		return
	}
	ip, err := netip.ParseAddr(r.URL.Query().Get("ip"))
	if err != nil {
		h.badRequest(w, r, "invalid tunnel ip %q", r.URL.Query().Get("ip"))
		return
	}
	if err := h.engine.UnregisterTunnel(r.Context(), domainID, ip.Unmap()); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"domain_id": domainID, "ip": ip.Unmap().String()})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 32)
	if err != nil {
		h.badRequest(w, r, "invalid %s %q", name, r.PathValue(name))
		return 0, false
	}
	return uint32(v), true
}

func parseAddrs(raw []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a.Unmap())
	}
	return out, nil
}

func (h *Handler) queryID(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		h.badRequest(w, r, "invalid %s %q", name, raw)
		return 0, false
	}
	return uint32(v), true
}
