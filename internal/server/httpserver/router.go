package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/server/httpserver/handler"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Engine serves every /v1 route.
	Engine *service.Engine

	// Cluster backs the membership and forwarding routes. Optional.
	Cluster handler.ClusterAdmin

	// Metrics is exposed on /metrics and records per-route request metrics.
	Metrics *metric.Registry

	// Logger for request logging.
	Logger *slog.Logger

	// RateLimit is the per-IP limit in requests/second for /v1 routes
	// (0 = unlimited).
	RateLimit float64
	RateBurst int

	// AccessLog enables one log line per request.
	AccessLog bool
}

// apiRoutes are the engine routes served by handler.Handler.
var apiRoutes = []string{
	"POST /v1/domains",
	"DELETE /v1/domains/{id}",
	"POST /v1/dvgs",
	"DELETE /v1/dvgs/{vnid}",
	"POST /v1/tunnels",
	"DELETE /v1/tunnels",
	"POST /v1/endpoints",
	"POST /v1/endpoints/vmotion",
	"DELETE /v1/dvgs/{vnid}/endpoints/{mac}",
	"GET /v1/domains/{id}/endpoints/{mac}",
	"POST /v1/lookups",
	"GET /v1/domains/{id}/resolution",
	"POST /v1/policies",
	"PUT /v1/policies",
	"GET /v1/policies",
	"DELETE /v1/policies",
	"POST /v1/hosts",
	"GET /v1/hosts/{addr}",
	"DELETE /v1/hosts/{addr}",
	"DELETE /v1/hosts/{addr}/roles/{role}",
	"GET /v1/cluster",
	"GET /v1/domains/{id}/cluster",
	"PUT /v1/domains/{id}/forwarding",
	"DELETE /v1/domains/{id}/forwarding",
	"GET /v1/stats",
}

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Engine.Metrics()
	}
	h := handler.New(cfg.Engine, cfg.Cluster, cfg.Logger)

	// Order: Recover -> RequestID -> [AccessLog] -> Metrics -> [RateLimit] -> Handler
	wrap := func(next http.Handler, route string) http.Handler {
		mws := []Middleware{Recover(cfg.Logger), RequestID(cfg.Logger)}
		if cfg.AccessLog {
			mws = append(mws, AccessLog())
		}
		mws = append(mws, Metrics(cfg.Metrics, route))
		return Chain(next, mws...)
	}

	mux := http.NewServeMux()

	// Probes and metrics are never rate limited.
	mux.Handle("GET /healthz", wrap(h, "/healthz"))
	mux.Handle("GET /readyz", wrap(h, "/readyz"))
	mux.Handle("GET /metrics", wrap(cfg.Metrics.Handler(), "/metrics"))

	// One limiter shared by every API route so the budget is per client,
	// not per route.
	var api http.Handler = h
	if cfg.RateLimit > 0 {
		api = RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	}
	for _, route := range apiRoutes {
		mux.Handle(route, wrap(api, route))
	}

	return mux
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		RateLimit: 1000, // requests/second per IP
		AccessLog: true,
	}
}
