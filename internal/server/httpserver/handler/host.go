package handler

import (
	"net/http"
	"net/netip"

	"github.com/yndnr/dps-go/internal/core/domain"
)

// handleAddHost handles POST /v1/hosts.
func (h *Handler) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	addr, err := netip.ParseAddrPort(req.Addr)
	if err != nil {
		h.badRequest(w, r, "invalid host address %q", req.Addr)
		return
	}
	role, err := domain.ParseClientType(req.Role)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	info, err := h.engine.Hosts.HostAdd(r.Context(), req.DomainID, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), role)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleGetHost handles GET /v1/hosts/{addr}.
func (h *Handler) handleGetHost(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.hostAddr(w, r)
	if !ok {
		return
	}
	info, found := h.engine.Hosts.Get(addr)
	if !found {
		h.handleServiceError(w, r, domain.ErrHostNotFound.WithDetails(addr.String()))
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleDeleteHost handles DELETE /v1/hosts/{addr}?domain_id=. The host is
// forgotten once it belongs to no domain and holds no role.
func (h *Handler) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.hostAddr(w, r)
	if !ok {
		return
	}
	domainID, ok := h.queryID(w, r, "domain_id")
	if !ok {
		return
	}
	if _, found := h.engine.Hosts.Get(addr); !found {
		h.handleServiceError(w, r, domain.ErrHostNotFound.WithDetails(addr.String()))
		return
	}
	dropped := h.engine.Hosts.HostDelete(r.Context(), domainID, addr)
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"addr":      addr.String(),
		"domain_id": domainID,
		"dropped":   dropped,
	})
}

// handleRemoveHostRole handles DELETE /v1/hosts/{addr}/roles/{role}.
func (h *Handler) handleRemoveHostRole(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.hostAddr(w, r)
	if !ok {
		return
	}
	role, err := domain.ParseClientType(r.PathValue("role"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if _, found := h.engine.Hosts.Get(addr); !found {
		h.handleServiceError(w, r, domain.ErrHostNotFound.WithDetails(addr.String()))
		return
	}
	h.engine.Hosts.HostRoleRemove(r.Context(), addr, role)

	info, found := h.engine.Hosts.Get(addr)
	if !found {
		h.writeJSON(w, r, http.StatusOK, map[string]any{"addr": addr.String(), "dropped": true})
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

func (h *Handler) hostAddr(w http.ResponseWriter, r *http.Request) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(r.PathValue("addr"))
	if err != nil {
		h.badRequest(w, r, "invalid host address %q", r.PathValue("addr"))
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
