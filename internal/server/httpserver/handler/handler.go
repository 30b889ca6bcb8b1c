// Package handler provides HTTP request handlers for the DPS admin API.
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/telemetry/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ClusterAdmin is the membership view behind the /v1/cluster and
// forwarding routes.
type ClusterAdmin interface {
	Nodes() []service.NodeLocation
	LocalNode() service.NodeLocation
	LiveNodesForDomain(domainID uint32) ([]service.NodeLocation, error)
	OwnsDomain(domainID uint32) bool
	ForwardingNodes(domainID uint32) []service.NodeLocation
	SetForwarding(domainID uint32, node service.NodeLocation)
	ClearForwarding(domainID uint32)
}

// Handler routes admin API requests to the engine.
type Handler struct {
	engine  *service.Engine
	cluster ClusterAdmin
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Handler driving engine. cluster may be nil, in which case
// the cluster routes answer 501.
func New(engine *service.Engine, cluster ClusterAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine:  engine,
		cluster: cluster,
		logger:  logger.With("component", "http"),
		mux:     http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /readyz", h.handleReady)

	// Topology
	h.mux.HandleFunc("POST /v1/domains", h.handleAddDomain)
	h.mux.HandleFunc("DELETE /v1/domains/{id}", h.handleRemoveDomain)
	h.mux.HandleFunc("POST /v1/dvgs", h.handleAddDVG)
	h.mux.HandleFunc("DELETE /v1/dvgs/{vnid}", h.handleRemoveDVG)
	h.mux.HandleFunc("POST /v1/tunnels", h.handleRegisterTunnel)
	h.mux.HandleFunc("DELETE /v1/tunnels", h.handleUnregisterTunnel)

	// Endpoints and address resolution
	h.mux.HandleFunc("POST /v1/endpoints", h.handleEndpointUpdate)
	h.mux.HandleFunc("POST /v1/endpoints/vmotion", h.handleVmotion)
	h.mux.HandleFunc("DELETE /v1/dvgs/{vnid}/endpoints/{mac}", h.handleDeleteEndpoint)
	h.mux.HandleFunc("GET /v1/domains/{id}/endpoints/{mac}", h.handleGetEndpoint)
	h.mux.HandleFunc("POST /v1/lookups", h.handleLookup)
	h.mux.HandleFunc("GET /v1/domains/{id}/resolution", h.handleResolutionPending)

	// Policies
	h.mux.HandleFunc("POST /v1/policies", h.handleAddPolicy)
	h.mux.HandleFunc("PUT /v1/policies", h.handleUpdatePolicy)
	h.mux.HandleFunc("GET /v1/policies", h.handleGetPolicy)
	h.mux.HandleFunc("DELETE /v1/policies", h.handleDeletePolicy)

	// Client hosts
	h.mux.HandleFunc("POST /v1/hosts", h.handleAddHost)
	h.mux.HandleFunc("GET /v1/hosts/{addr}", h.handleGetHost)
	h.mux.HandleFunc("DELETE /v1/hosts/{addr}", h.handleDeleteHost)
	h.mux.HandleFunc("DELETE /v1/hosts/{addr}/roles/{role}", h.handleRemoveHostRole)

	// Cluster membership and forwarding
	h.mux.HandleFunc("GET /v1/cluster", h.handleCluster)
	h.mux.HandleFunc("GET /v1/domains/{id}/cluster", h.handleDomainCluster)
	h.mux.HandleFunc("PUT /v1/domains/{id}/forwarding", h.handleSetForwarding)
	h.mux.HandleFunc("DELETE /v1/domains/{id}/forwarding", h.handleClearForwarding)

	h.mux.HandleFunc("GET /v1/stats", h.handleStats)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(r)
	response := NewResponse(requestID, data)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := getRequestID(r)
	response := NewErrorResponse(requestID, code, message, details)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Request-ID", requestID)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "invalid request body", err.Error())
		return false
	}
	return true
}

// getRequestID returns the id assigned by the RequestID middleware, or the
// one supplied by the caller.
func getRequestID(r *http.Request) string {
	if reqID := logger.RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	return r.Header.Get("X-Request-ID")
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if domain.IsDomainError(err, "") {
		code := domain.GetErrorCode(err)
		status := errorCodeToHTTPStatus(code)
		h.writeError(w, r, status, code, err.Error(), map[string]string{
			"status": domain.StatusOf(err).String(),
		})
		return
	}

	logger.L(r.Context()).Error("internal error", "error", err)
	h.writeError(w, r, http.StatusInternalServerError, "DPS-SYS-5000", "internal server error", nil)
}

// errorCodeToHTTPStatus maps error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4001"), strings.HasSuffix(code, "-4002"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "DPS-ARG-"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-5030"), strings.HasSuffix(code, "-5070"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, fmt.Sprintf(format, args...), nil)
}
