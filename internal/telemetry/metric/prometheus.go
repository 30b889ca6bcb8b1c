package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dps"

// Registry holds all engine metrics.
type Registry struct {
	registry *prometheus.Registry

	// Endpoint metrics
	Endpoints                prometheus.Gauge
	EndpointVersionConflicts prometheus.Counter
	EndpointExpirations      prometheus.Counter

	// Address resolution metrics
	ResolutionWaiters  prometheus.Gauge
	ResolutionReplies  *prometheus.CounterVec
	ResolutionTimeouts prometheus.Counter

	// Policy metrics
	PolicyUpdates prometheus.Counter

	// Client host metrics
	ClientHosts        prometheus.Gauge
	HeartbeatsSent     prometheus.Counter
	ClientHostTimeouts prometheus.Counter

	// Replication metrics
	ReplicationPending  prometheus.Gauge
	ReplicationOutcomes *prometheus.CounterVec

	// Retransmission metrics
	RetransmitQueue   prometheus.Gauge
	RetransmitBytes   prometheus.Gauge
	Retransmits       prometheus.Counter
	RetransmitExpired prometheus.Counter

	// Transport metrics
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec

	// Admin API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// AccountingAnomalies counts bookkeeping mismatches that were logged
	// and repaired instead of failing the caller.
	AccountingAnomalies *prometheus.CounterVec
}

// NewRegistry creates a registry with every engine collector registered,
// plus the Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		Endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "endpoint", Name: "active",
			Help: "Number of live endpoints.",
		}),
		EndpointVersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "endpoint", Name: "version_conflicts_total",
			Help: "Endpoint updates rejected for an out-of-sequence version.",
		}),
		EndpointExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "endpoint", Name: "expirations_total",
			Help: "Migrating endpoints deleted by the expiration queue.",
		}),
		ResolutionWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resolution", Name: "waiters",
			Help: "Clients waiting for an unresolved virtual IP.",
		}),
		ResolutionReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolution", Name: "replies_total",
			Help: "Location replies sent to waiting clients, by result.",
		}, []string{"result"}),
		ResolutionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolution", Name: "timeouts_total",
			Help: "Unresolved virtual IPs dropped after their retry budget.",
		}),
		PolicyUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy", Name: "updates_total",
			Help: "Policy update notifications queued.",
		}),
		ClientHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "hosts",
			Help: "Tracked DPS client hosts.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "heartbeats_total",
			Help: "Heartbeat probes sent to DPS clients.",
		}),
		ClientHostTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "timeouts_total",
			Help: "Client hosts dropped for missing heartbeats.",
		}),
		ReplicationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replication", Name: "pending",
			Help: "Client requests waiting for peer acknowledgements.",
		}),
		ReplicationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replication", Name: "outcomes_total",
			Help: "Completed replication requests, by outcome.",
		}, []string{"outcome"}),
		RetransmitQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retransmit", Name: "queue_length",
			Help: "Messages awaiting acknowledgement.",
		}),
		RetransmitBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retransmit", Name: "queue_bytes",
			Help: "Size of messages awaiting acknowledgement.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retransmit", Name: "resends_total",
			Help: "Messages resent by the retransmission scheduler.",
		}),
		RetransmitExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retransmit", Name: "expired_total",
			Help: "Messages given up after exhausting their attempts.",
		}),
		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "datagrams_sent_total",
			Help: "Datagrams written to DPS clients and peers, by message type.",
		}, []string{"type"}),
		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "datagrams_received_total",
			Help: "Datagrams read from the DPS socket, by message type.",
		}, []string{"type"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "errors_total",
			Help: "Transport failures, by operation.",
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Admin API requests, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Admin API request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		AccountingAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "accounting_anomalies_total",
			Help: "Bookkeeping mismatches detected and repaired.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.Endpoints,
		r.EndpointVersionConflicts,
		r.EndpointExpirations,
		r.ResolutionWaiters,
		r.ResolutionReplies,
		r.ResolutionTimeouts,
		r.PolicyUpdates,
		r.ClientHosts,
		r.HeartbeatsSent,
		r.ClientHostTimeouts,
		r.ReplicationPending,
		r.ReplicationOutcomes,
		r.RetransmitQueue,
		r.RetransmitBytes,
		r.Retransmits,
		r.RetransmitExpired,
		r.DatagramsSent,
		r.DatagramsReceived,
		r.TransportErrors,
		r.HTTPRequests,
		r.HTTPDuration,
		r.AccountingAnomalies,
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler serving the registry in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
